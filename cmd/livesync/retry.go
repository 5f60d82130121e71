package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.AddCommand(retryListCmd)
	retryCmd.AddCommand(retryResendCmd)
	retryCmd.AddCommand(retryDiscardCmd)
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Manage failed messages",
	Long:  "List, resend or discard messages kept in the local retry queue.",
}

var retryListCmd = &cobra.Command{
	Use:   "list [conversation]",
	Short: "List failed messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		queue, err := s.client.RetryQueue(ctx)
		if err != nil {
			return err
		}
		conversations := args
		if len(conversations) == 0 {
			if conversations, err = queue.Conversations(ctx); err != nil {
				return err
			}
		}
		total := 0
		for _, id := range conversations {
			entries, err := queue.Load(ctx, id)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %s  %q  (%s)\n",
					id, e.ClientID, e.FailedAt.Local().Format(time.RFC3339), e.Body, valueOrDefault(e.Error, "unknown error"))
			}
			total += len(entries)
		}
		if total == 0 {
			fmt.Println("No failed messages.")
		}
		return nil
	},
}

var retryResendCmd = &cobra.Command{
	Use:   "resend <conversation> <client-id>",
	Short: "Resend a failed message under a new client id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		m, err := t.Resend(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Resending %s as %s...\n", args[1], m.ClientID)
		return reportOutcome(ctx, outcome, m.ClientID)
	},
}

var retryDiscardCmd = &cobra.Command{
	Use:   "discard <conversation> <client-id>",
	Short: "Discard a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		t, err := s.client.Thread(ctx, args[0])
		if err != nil {
			return err
		}
		if err := t.Discard(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Discarded %s\n", args[1])
		return nil
	},
}
