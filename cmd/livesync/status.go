package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("offline", false, "Skip the live connection check")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, retry queue and connection status",
	Long:  "Display the effective configuration, the failed messages waiting in the local retry queue, and check the live connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		cfg := s.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Server URL:  %s\n", cfg.Default.ServerURL)
		fmt.Printf("  Actor:       %s\n", cfg.Auth.ActorID)
		if cfg.Auth.DisplayName != "" {
			fmt.Printf("  Name:        %s\n", cfg.Auth.DisplayName)
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Storage:     %s\n", valueOrDefault(cfg.Storage.Driver, "bolt"))
		fmt.Printf("  Notify:      %s\n", valueOrDefault(cfg.Notify.WebhookURL, "(disabled)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Retry queue:")
		queue, err := s.client.RetryQueue(ctx)
		if err != nil {
			return err
		}
		conversations, err := queue.Conversations(ctx)
		if err != nil {
			fmt.Printf("  Error reading queue: %v\n", err)
		} else if len(conversations) == 0 {
			fmt.Println("  (empty)")
		}
		for _, id := range conversations {
			entries, err := queue.Load(ctx, id)
			if err != nil {
				fmt.Printf("  %s: error: %v\n", id, err)
				continue
			}
			fmt.Printf("  %s: %d failed\n", id, len(entries))
		}

		if offline, _ := cmd.Flags().GetBool("offline"); offline {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		if err := s.remote.Connect(ctx); err != nil {
			fmt.Printf("  Error connecting: %v\n", err)
			return nil
		}
		rtt, err := s.remote.Ping(ctx)
		if err != nil {
			fmt.Printf("  Error pinging server: %v\n", err)
			return nil
		}
		fmt.Printf("  State:       %s\n", s.remote.State())
		fmt.Printf("  Round trip:  %s\n", rtt.Round(time.Millisecond))
		return nil
	},
}
