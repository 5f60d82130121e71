package livesync

import (
	"maps"
	"sort"
	"time"
)

// ThreadState is the local view of one conversation. It is a value: Apply
// never mutates its input.
type ThreadState struct {
	ConversationID string
	// Messages is sorted by (CreatedAt, Seq) ascending.
	Messages []Message
	NextSeq  int64
	// Landed holds server copies seen on the stream while the record with
	// that client id was still pending. A later rejection confirms the
	// record from this copy instead of failing it.
	Landed map[string]Message
}

// Event is a state transition input for Apply.
type Event interface {
	isEvent()
}

// Submitted inserts a locally authored record as pending.
type Submitted struct{ Message Message }

// Acknowledged confirms the pending record with ClientID using the server ack.
type Acknowledged struct {
	ClientID string
	Ack      Ack
}

// Rejected marks the pending record with ClientID as failed.
type Rejected struct {
	ClientID string
	Reason   string
}

// Discarded removes the record with ClientID.
type Discarded struct{ ClientID string }

// Edited applies a local in-place edit to the confirmed record with ID.
type Edited struct {
	ID        string
	Body      string
	UpdatedAt time.Time
}

// Replaced puts back a previous copy of the record with the same ID.
type Replaced struct{ Message Message }

// Removed drops the record with ID.
type Removed struct{ ID string }

// RemotePushed merges records delivered by the live subscription.
type RemotePushed struct {
	Upserts []Message
	Removed []string
}

// Restored merges failed records loaded from durable storage.
type Restored struct{ Messages []Message }

func (Submitted) isEvent()    {}
func (Acknowledged) isEvent() {}
func (Rejected) isEvent()     {}
func (Discarded) isEvent()    {}
func (Edited) isEvent()       {}
func (Replaced) isEvent()     {}
func (Removed) isEvent()      {}
func (RemotePushed) isEvent() {}
func (Restored) isEvent()     {}

// Apply returns the state that results from ev. Unknown or inapplicable
// events leave the state unchanged.
func Apply(s ThreadState, ev Event) ThreadState {
	next := ThreadState{
		ConversationID: s.ConversationID,
		Messages:       append([]Message(nil), s.Messages...),
		NextSeq:        s.NextSeq,
		Landed:         maps.Clone(s.Landed),
	}

	switch ev := ev.(type) {
	case Submitted:
		if ev.Message.ClientID == "" || next.indexByClientID(ev.Message.ClientID) >= 0 {
			return s
		}
		m := ev.Message
		m.ID = ""
		m.State = StatePending
		m.Error = ""
		next.insert(m)

	case Acknowledged:
		i := next.indexByClientID(ev.ClientID)
		if i < 0 || next.Messages[i].State == StateConfirmed {
			return s
		}
		delete(next.Landed, ev.ClientID)
		local := next.Messages[i]
		local.ID = ev.Ack.ID
		if !ev.Ack.CreatedAt.IsZero() {
			local.CreatedAt = ev.Ack.CreatedAt
		}
		local.State = StateConfirmed
		local.Error = ""
		// The stream may have delivered the same record under its id without
		// a client id; fold that copy into the local one.
		if j := next.indexByIDExcept(local.ID, i); j >= 0 {
			dup := next.Messages[j]
			if dup.Timestamp().After(local.Timestamp()) {
				local.Body, local.AttachmentRef, local.UpdatedAt = dup.Body, dup.AttachmentRef, dup.UpdatedAt
			}
			next.Messages[i] = local
			next.removeAt(j)
		} else {
			next.Messages[i] = local
		}

	case Rejected:
		i := next.indexByClientID(ev.ClientID)
		if i < 0 || next.Messages[i].State != StatePending {
			return s
		}
		if landed, ok := next.Landed[ev.ClientID]; ok {
			// The write committed; only its ack was lost.
			delete(next.Landed, ev.ClientID)
			if landed.Deleted {
				next.removeAt(i)
				break
			}
			landed.Seq = next.Messages[i].Seq
			if landed.ConversationID == "" {
				landed.ConversationID = next.ConversationID
			}
			next.Messages[i] = landed
			break
		}
		next.Messages[i].State = StateFailed
		next.Messages[i].Error = ev.Reason

	case Discarded:
		i := next.indexByClientID(ev.ClientID)
		if i < 0 {
			return s
		}
		delete(next.Landed, ev.ClientID)
		next.removeAt(i)

	case Edited:
		i := next.indexByID(ev.ID)
		if i < 0 || next.Messages[i].State != StateConfirmed {
			return s
		}
		next.Messages[i].Body = ev.Body
		next.Messages[i].UpdatedAt = ev.UpdatedAt

	case Replaced:
		i := next.indexByID(ev.Message.ID)
		if i < 0 {
			return s
		}
		m := ev.Message
		m.Seq = next.Messages[i].Seq
		next.Messages[i] = m

	case Removed:
		i := next.indexByID(ev.ID)
		if i < 0 {
			return s
		}
		next.removeAt(i)

	case RemotePushed:
		for _, in := range ev.Upserts {
			next.mergeRemote(in)
		}
		for _, id := range ev.Removed {
			if i := next.indexByID(id); i >= 0 && next.Messages[i].State == StateConfirmed {
				next.removeAt(i)
			}
			for cid, m := range next.Landed {
				if m.ID == id {
					m.Deleted = true
					next.Landed[cid] = m
				}
			}
		}

	case Restored:
		for _, m := range ev.Messages {
			if m.ClientID == "" || next.indexByClientID(m.ClientID) >= 0 {
				continue
			}
			m.ID = ""
			m.State = StateFailed
			next.insert(m)
		}

	default:
		return s
	}

	next.sort()
	return next
}

// mergeRemote reconciles one record from the live stream.
func (s *ThreadState) mergeRemote(in Message) {
	if in.ID == "" {
		return
	}
	in.State = StateConfirmed
	in.Error = ""

	if i := s.indexByID(in.ID); i >= 0 {
		local := s.Messages[i]
		if local.State != StateConfirmed || !in.Timestamp().After(local.Timestamp()) {
			return
		}
		if in.Deleted {
			s.removeAt(i)
			return
		}
		in.Seq = local.Seq
		if in.ClientID == "" {
			in.ClientID = local.ClientID
		}
		s.Messages[i] = in
		return
	}

	if in.ClientID != "" {
		if i := s.indexByClientID(in.ClientID); i >= 0 {
			local := s.Messages[i]
			// A pending record is confirmed by its ack, never by the stream;
			// the copy is kept in case the ack never arrives.
			if local.State == StatePending {
				if s.Landed == nil {
					s.Landed = make(map[string]Message)
				}
				if prev, ok := s.Landed[in.ClientID]; !ok || !prev.Timestamp().After(in.Timestamp()) {
					s.Landed[in.ClientID] = in
				}
				return
			}
			if local.State != StateFailed {
				return
			}
			// The write landed even though the local attempt failed.
			in.Seq = local.Seq
			s.Messages[i] = in
			return
		}
	}

	if in.Deleted {
		return
	}
	s.insert(in)
}

func (s *ThreadState) insert(m Message) {
	m.Seq = s.NextSeq
	s.NextSeq++
	if m.ConversationID == "" {
		m.ConversationID = s.ConversationID
	}
	s.Messages = append(s.Messages, m)
}

func (s *ThreadState) removeAt(i int) {
	s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
}

func (s *ThreadState) sort() {
	sort.SliceStable(s.Messages, func(i, j int) bool {
		a, b := s.Messages[i], s.Messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

func (s *ThreadState) indexByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i, m := range s.Messages {
		if m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *ThreadState) indexByID(id string) int {
	return s.indexByIDExcept(id, -1)
}

func (s *ThreadState) indexByIDExcept(id string, skip int) int {
	if id == "" {
		return -1
	}
	for i, m := range s.Messages {
		if i != skip && m.ID == id {
			return i
		}
	}
	return -1
}

// Find returns the record with the given id or client id.
func (s ThreadState) Find(idOrClientID string) (Message, bool) {
	if i := s.indexByID(idOrClientID); i >= 0 {
		return s.Messages[i], true
	}
	if i := s.indexByClientID(idOrClientID); i >= 0 {
		return s.Messages[i], true
	}
	return Message{}, false
}
