package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/livesync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <stream-key>",
	Short: "Print live changes of a stream",
	Long:  "Subscribe to a stream and print every change until interrupted.\nStream keys: members:<org-id>, messages:<conversation-id>.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, id, ok := strings.Cut(args[0], ":")
		if !ok || id == "" {
			return fmt.Errorf("invalid stream key %q (want members:<id> or messages:<id>)", args[0])
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := signalContext()
		defer cancel()

		switch kind {
		case "members":
			snap, h, err := s.client.Members(ctx, id, func(c livesync.Change[livesync.Member]) {
				if c.Err != nil {
					fmt.Printf("! %v (showing last good value)\n", c.Err)
					return
				}
				for _, m := range c.Added {
					fmt.Printf("+ %s %s (%s)\n", m.ID, m.DisplayName, m.Role)
				}
				for _, m := range c.Modified {
					fmt.Printf("~ %s %s (%s)\n", m.ID, m.DisplayName, m.Role)
				}
				for _, id := range c.Removed {
					fmt.Printf("- %s\n", id)
				}
			})
			if err != nil {
				return err
			}
			defer h.Release()
			for _, m := range snap.Items {
				fmt.Printf("  %s %s (%s)\n", m.ID, m.DisplayName, m.Role)
			}

		case "messages":
			t, err := s.client.Thread(ctx, id)
			if err != nil {
				return err
			}
			stop := t.Watch(func(msgs []livesync.Message) {
				fmt.Println("---")
				for _, m := range msgs {
					printMessage(m)
				}
			})
			defer stop()

		default:
			return fmt.Errorf("unknown stream kind %q", kind)
		}

		<-ctx.Done()
		return nil
	},
}

func printMessage(m livesync.Message) {
	ref := m.ID
	if ref == "" {
		ref = m.ClientID
	}
	line := fmt.Sprintf("%s [%s] %s %s: %s", m.CreatedAt.Local().Format(time.Kitchen), m.State, ref, m.AuthorID, m.Body)
	if m.AttachmentRef != "" {
		line += " <" + m.AttachmentRef + ">"
	}
	if m.Error != "" {
		line += " (" + m.Error + ")"
	}
	fmt.Println(line)
}
