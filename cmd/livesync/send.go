package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/livesync"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("attachment", "", "Attachment reference to send with the message")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Send a message and wait for the outcome",
	Long:  "Send a message to a conversation. A message that cannot be delivered is kept in the local retry queue.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attachment, _ := cmd.Flags().GetString("attachment")

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := signalContext()
		defer cancel()

		t, err := s.client.Thread(ctx, args[0])
		if err != nil {
			return err
		}
		outcome := watchOutcomes(t)

		m, err := t.Send(ctx, args[1], livesync.SendOptions{AttachmentRef: attachment})
		if err != nil {
			return err
		}
		fmt.Printf("Sending %s...\n", m.ClientID)
		return reportOutcome(ctx, outcome, m.ClientID)
	},
}

// watchOutcomes collects confirmed and failed events of t. Register it
// before sending so no outcome is missed.
func watchOutcomes(t *livesync.Thread) <-chan livesync.ThreadEvent {
	ch := make(chan livesync.ThreadEvent, 64)
	forward := func(ev livesync.ThreadEvent) {
		select {
		case ch <- ev:
		default:
		}
	}
	t.On(livesync.EventMessageConfirmed, forward)
	t.On(livesync.EventMessageFailed, forward)
	return ch
}

func reportOutcome(ctx context.Context, outcome <-chan livesync.ThreadEvent, clientID string) error {
	timeout := time.After(livesync.DefaultSendTimeout + 5*time.Second)
	for {
		select {
		case ev := <-outcome:
			if ev.Message.ClientID != clientID {
				continue
			}
			if ev.Type == livesync.EventMessageFailed {
				fmt.Printf("Failed: %v\n", ev.Err)
				fmt.Printf("Kept in the retry queue. Run 'livesync retry resend %s %s' to try again.\n",
					ev.ConversationID, clientID)
				return nil
			}
			fmt.Printf("Confirmed as %s at %s\n", ev.Message.ID, ev.Message.CreatedAt.Format(time.RFC3339))
			return nil
		case <-timeout:
			return fmt.Errorf("no outcome for %s", clientID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
