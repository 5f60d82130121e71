package livesync

import (
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func pending(clientID string, sec int) Message {
	return Message{ClientID: clientID, ConversationID: "conv-1", AuthorID: "me", Body: "hi " + clientID, CreatedAt: at(sec)}
}

func remoteMsg(id, clientID string, sec int, body string) Message {
	return Message{ID: id, ClientID: clientID, ConversationID: "conv-1", AuthorID: "me", Body: body, CreatedAt: at(sec)}
}

func applyAll(s ThreadState, evs ...Event) ThreadState {
	for _, ev := range evs {
		s = Apply(s, ev)
	}
	return s
}

func mustFind(t *testing.T, s ThreadState, key string) Message {
	t.Helper()
	m, ok := s.Find(key)
	if !ok {
		t.Fatalf("record %q not found in %+v", key, s.Messages)
	}
	return m
}

// ============================================================================
// Local lifecycle
// ============================================================================

func TestApplyLifecycle(t *testing.T) {
	s := ThreadState{ConversationID: "conv-1"}

	t.Run("submit is pending", func(t *testing.T) {
		next := Apply(s, Submitted{Message: pending("c1", 0)})
		m := mustFind(t, next, "c1")
		if m.State != StatePending || m.ID != "" {
			t.Fatalf("got %+v", m)
		}
		if len(s.Messages) != 0 {
			t.Fatal("Apply mutated its input")
		}
	})

	t.Run("duplicate submit is ignored", func(t *testing.T) {
		next := applyAll(s, Submitted{Message: pending("c1", 0)}, Submitted{Message: pending("c1", 5)})
		if len(next.Messages) != 1 {
			t.Fatalf("Messages = %d, want 1", len(next.Messages))
		}
	})

	t.Run("ack confirms", func(t *testing.T) {
		next := applyAll(s,
			Submitted{Message: pending("c1", 0)},
			Acknowledged{ClientID: "c1", Ack: Ack{ID: "m1", CreatedAt: at(1)}},
		)
		m := mustFind(t, next, "m1")
		if m.State != StateConfirmed || m.ClientID != "c1" || !m.CreatedAt.Equal(at(1)) {
			t.Fatalf("got %+v", m)
		}
	})

	t.Run("reject fails only pending", func(t *testing.T) {
		next := applyAll(s,
			Submitted{Message: pending("c1", 0)},
			Rejected{ClientID: "c1", Reason: "timeout"},
		)
		m := mustFind(t, next, "c1")
		if m.State != StateFailed || m.Error != "timeout" {
			t.Fatalf("got %+v", m)
		}

		confirmed := applyAll(s,
			Submitted{Message: pending("c2", 0)},
			Acknowledged{ClientID: "c2", Ack: Ack{ID: "m2"}},
			Rejected{ClientID: "c2", Reason: "late"},
		)
		if m := mustFind(t, confirmed, "m2"); m.State != StateConfirmed {
			t.Fatalf("late reject changed a confirmed record: %+v", m)
		}
	})

	t.Run("discard removes", func(t *testing.T) {
		next := applyAll(s,
			Submitted{Message: pending("c1", 0)},
			Rejected{ClientID: "c1"},
			Discarded{ClientID: "c1"},
		)
		if len(next.Messages) != 0 {
			t.Fatalf("Messages = %+v", next.Messages)
		}
	})

	t.Run("edit only confirmed", func(t *testing.T) {
		base := applyAll(s, RemotePushed{Upserts: []Message{remoteMsg("m1", "", 0, "old")}})
		next := Apply(base, Edited{ID: "m1", Body: "new", UpdatedAt: at(10)})
		if m := mustFind(t, next, "m1"); m.Body != "new" || !m.UpdatedAt.Equal(at(10)) {
			t.Fatalf("got %+v", m)
		}

		withPending := Apply(s, Submitted{Message: pending("c1", 0)})
		if got := Apply(withPending, Edited{ID: "", Body: "x"}); len(got.Messages) != 1 || got.Messages[0].Body != "hi c1" {
			t.Fatal("edit without id changed state")
		}
	})

	t.Run("replace restores previous copy", func(t *testing.T) {
		orig := remoteMsg("m1", "", 0, "old")
		base := applyAll(s, RemotePushed{Upserts: []Message{orig}})
		edited := Apply(base, Edited{ID: "m1", Body: "new", UpdatedAt: at(10)})
		reverted := Apply(edited, Replaced{Message: mustFind(t, base, "m1")})
		if m := mustFind(t, reverted, "m1"); m.Body != "old" || !m.UpdatedAt.IsZero() {
			t.Fatalf("got %+v", m)
		}
	})
}

// ============================================================================
// Remote reconciliation
// ============================================================================

func TestApplyRemoteNoRegression(t *testing.T) {
	s := applyAll(ThreadState{ConversationID: "conv-1"},
		RemotePushed{Upserts: []Message{{ID: "m42", Body: "newer", CreatedAt: at(0), UpdatedAt: at(20)}}},
	)

	older := Message{ID: "m42", Body: "older", CreatedAt: at(0), UpdatedAt: at(10)}
	next := Apply(s, RemotePushed{Upserts: []Message{older}})
	if m := mustFind(t, next, "m42"); m.Body != "newer" {
		t.Fatalf("older push regressed the record: %+v", m)
	}

	same := Message{ID: "m42", Body: "same-time", CreatedAt: at(0), UpdatedAt: at(20)}
	next = Apply(s, RemotePushed{Upserts: []Message{same}})
	if m := mustFind(t, next, "m42"); m.Body != "newer" {
		t.Fatalf("equal timestamp replaced the record: %+v", m)
	}

	newer := Message{ID: "m42", Body: "newest", CreatedAt: at(0), UpdatedAt: at(30)}
	next = Apply(s, RemotePushed{Upserts: []Message{newer}})
	if m := mustFind(t, next, "m42"); m.Body != "newest" {
		t.Fatalf("newer push not applied: %+v", m)
	}
}

func TestApplyRemoteNeverOverwritesPending(t *testing.T) {
	s := Apply(ThreadState{ConversationID: "conv-1"}, Submitted{Message: pending("c1", 0)})
	next := Apply(s, RemotePushed{Upserts: []Message{remoteMsg("m1", "c1", 1, "hi c1")}})

	m := mustFind(t, next, "c1")
	if m.State != StatePending || m.ID != "" {
		t.Fatalf("stream confirmed a pending record: %+v", m)
	}
	if len(next.Messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(next.Messages))
	}
}

func TestApplyRemotePromotesFailed(t *testing.T) {
	s := applyAll(ThreadState{ConversationID: "conv-1"},
		Submitted{Message: pending("c1", 0)},
		Rejected{ClientID: "c1", Reason: "timeout"},
	)
	next := Apply(s, RemotePushed{Upserts: []Message{remoteMsg("m1", "c1", 1, "hi c1")}})

	m := mustFind(t, next, "m1")
	if m.State != StateConfirmed || m.Error != "" || m.ClientID != "c1" {
		t.Fatalf("got %+v", m)
	}
	if len(next.Messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(next.Messages))
	}
}

func TestApplyRejectAfterStreamConfirms(t *testing.T) {
	s := applyAll(ThreadState{ConversationID: "conv-1"},
		Submitted{Message: pending("c1", 0)},
		RemotePushed{Upserts: []Message{remoteMsg("m9", "c1", 1, "hi c1")}},
	)
	if m := mustFind(t, s, "c1"); m.State != StatePending {
		t.Fatalf("stream confirmed a pending record: %+v", m)
	}

	t.Run("rejection confirms from the server copy", func(t *testing.T) {
		next := Apply(s, Rejected{ClientID: "c1", Reason: "send timed out"})
		m := mustFind(t, next, "c1")
		if m.State != StateConfirmed || m.ID != "m9" || m.Error != "" {
			t.Fatalf("got %+v", m)
		}
		if len(next.Messages) != 1 || len(next.Landed) != 0 {
			t.Fatalf("Messages = %+v, Landed = %+v", next.Messages, next.Landed)
		}
	})

	t.Run("ack clears the server copy", func(t *testing.T) {
		next := Apply(s, Acknowledged{ClientID: "c1", Ack: Ack{ID: "m9", CreatedAt: at(1)}})
		if len(next.Landed) != 0 {
			t.Fatalf("Landed = %+v", next.Landed)
		}
		if m := mustFind(t, next, "m9"); m.State != StateConfirmed {
			t.Fatalf("got %+v", m)
		}
	})

	t.Run("removed on the server before rejection", func(t *testing.T) {
		next := applyAll(s,
			RemotePushed{Removed: []string{"m9"}},
			Rejected{ClientID: "c1", Reason: "send timed out"},
		)
		if len(next.Messages) != 0 || len(next.Landed) != 0 {
			t.Fatalf("Messages = %+v, Landed = %+v, want the record dropped", next.Messages, next.Landed)
		}
	})

	t.Run("input state is not mutated", func(t *testing.T) {
		Apply(s, Rejected{ClientID: "c1"})
		if _, ok := s.Landed["c1"]; !ok {
			t.Fatal("Apply mutated its input")
		}
	})
}

func TestApplyAckCollapsesStreamDuplicate(t *testing.T) {
	// The stream delivers the record without a client id before the ack.
	s := applyAll(ThreadState{ConversationID: "conv-1"},
		Submitted{Message: pending("c1", 0)},
		RemotePushed{Upserts: []Message{remoteMsg("m1", "", 1, "hi c1")}},
	)
	if len(s.Messages) != 2 {
		t.Fatalf("Messages = %d, want 2 before ack", len(s.Messages))
	}

	next := Apply(s, Acknowledged{ClientID: "c1", Ack: Ack{ID: "m1", CreatedAt: at(1)}})
	if len(next.Messages) != 1 {
		t.Fatalf("Messages = %+v, want the duplicate collapsed", next.Messages)
	}
	if m := next.Messages[0]; m.ID != "m1" || m.ClientID != "c1" || m.State != StateConfirmed {
		t.Fatalf("got %+v", m)
	}
}

func TestApplyRemoteRemovalAndDeletion(t *testing.T) {
	s := applyAll(ThreadState{ConversationID: "conv-1"},
		RemotePushed{Upserts: []Message{remoteMsg("m1", "", 0, "a"), remoteMsg("m2", "", 1, "b")}},
		Submitted{Message: pending("c3", 2)},
	)

	next := Apply(s, RemotePushed{Removed: []string{"m1"}})
	if _, ok := next.Find("m1"); ok {
		t.Fatal("expected m1 removed")
	}

	deleted := Message{ID: "m2", Body: "b", CreatedAt: at(1), UpdatedAt: at(5), Deleted: true}
	next = Apply(next, RemotePushed{Upserts: []Message{deleted}})
	if _, ok := next.Find("m2"); ok {
		t.Fatal("expected soft-deleted m2 hidden")
	}

	// A deleted record never appears if it was unknown.
	next = Apply(next, RemotePushed{Upserts: []Message{{ID: "m9", CreatedAt: at(3), Deleted: true}}})
	if _, ok := next.Find("m9"); ok {
		t.Fatal("expected unknown deleted record ignored")
	}
	if _, ok := next.Find("c3"); !ok {
		t.Fatal("pending record lost")
	}
}

func TestApplyRestored(t *testing.T) {
	s := Apply(ThreadState{ConversationID: "conv-1"}, Submitted{Message: pending("c1", 0)})
	next := Apply(s, Restored{Messages: []Message{pending("c1", 0), pending("c2", 1), {Body: "no id"}}})

	if len(next.Messages) != 2 {
		t.Fatalf("Messages = %+v", next.Messages)
	}
	if m := mustFind(t, next, "c2"); m.State != StateFailed {
		t.Fatalf("restored record state = %s", m.State)
	}
	if m := mustFind(t, next, "c1"); m.State != StatePending {
		t.Fatal("restore overwrote a live record")
	}
}

// ============================================================================
// Ordering
// ============================================================================

func TestApplyOrdering(t *testing.T) {
	s := applyAll(ThreadState{ConversationID: "conv-1"},
		Submitted{Message: pending("c2", 5)},
		RemotePushed{Upserts: []Message{remoteMsg("m1", "", 1, "first")}},
		Submitted{Message: pending("c3", 5)},
		Submitted{Message: pending("c4", 5)},
	)

	var got []string
	for _, m := range s.Messages {
		got = append(got, m.ID+m.ClientID)
	}
	want := []string{"m1", "c2", "c3", "c4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	// An ack that moves a record's CreatedAt re-sorts it.
	next := Apply(s, Acknowledged{ClientID: "c4", Ack: Ack{ID: "m4", CreatedAt: at(2)}})
	if next.Messages[1].ID != "m4" {
		t.Fatalf("order after ack = %+v", next.Messages)
	}
	// Ties keep insertion order across further events.
	next = Apply(next, Edited{ID: "m1", Body: "edited", UpdatedAt: at(9)})
	if next.Messages[2].ClientID != "c2" || next.Messages[3].ClientID != "c3" {
		t.Fatalf("tie order changed: %+v", next.Messages)
	}
}

func TestApplyIdempotentInterleavings(t *testing.T) {
	push := RemotePushed{Upserts: []Message{remoteMsg("m1", "c1", 1, "hi c1")}}
	ack := Acknowledged{ClientID: "c1", Ack: Ack{ID: "m1", CreatedAt: at(1)}}
	submit := Submitted{Message: pending("c1", 0)}

	orders := map[string][]Event{
		"ack then push":       {submit, ack, push},
		"push then ack":       {submit, push, ack},
		"push twice then ack": {submit, push, push, ack},
		"ack then push twice": {submit, ack, push, push},
		"ack twice then push": {submit, ack, ack, push},
		"push ack push again": {submit, push, ack, push},
	}
	for name, evs := range orders {
		t.Run(name, func(t *testing.T) {
			s := applyAll(ThreadState{ConversationID: "conv-1"}, evs...)
			if len(s.Messages) != 1 {
				t.Fatalf("Messages = %+v, want exactly one record", s.Messages)
			}
			m := s.Messages[0]
			if m.ID != "m1" || m.ClientID != "c1" || m.State != StateConfirmed {
				t.Fatalf("got %+v", m)
			}
		})
	}
}

func TestApplyUnknownEvent(t *testing.T) {
	s := Apply(ThreadState{ConversationID: "conv-1"}, Submitted{Message: pending("c1", 0)})
	for _, ev := range []Event{
		Acknowledged{ClientID: "missing"},
		Rejected{ClientID: "missing"},
		Discarded{ClientID: "missing"},
		Removed{ID: "missing"},
		Replaced{Message: Message{ID: "missing"}},
	} {
		if next := Apply(s, ev); len(next.Messages) != 1 || next.Messages[0].State != StatePending {
			t.Fatalf("%T changed state: %+v", ev, next.Messages)
		}
	}
}
