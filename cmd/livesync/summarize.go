package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Prismer-AI/livesync"
)

func init() {
	rootCmd.AddCommand(summarizeCmd)
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <conversation>",
	Short: "Summarize the confirmed messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		if s.cfg.AI.Endpoint == "" {
			return fmt.Errorf("no generation endpoint configured. Run: livesync config set ai.endpoint <url>")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()

		t, err := s.client.Thread(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := s.client.WaitMessages(ctx, args[0]); err != nil {
			return err
		}

		gen := livesync.NewHTTPGenerator(s.cfg.AI.Endpoint, livesync.WithGeneratorAPIKey(s.cfg.AI.APIKey))
		sum := livesync.NewSummarizer(gen, livesync.GenerateOptions{
			Model:     s.cfg.AI.Model,
			MaxTokens: s.cfg.AI.MaxTokens,
		})
		text, err := sum.Summarize(ctx, t.Messages())
		if err != nil {
			s.log.Debug("summarize failed", zap.Error(err))
			fmt.Println(livesync.UserMessage(err))
			return nil
		}
		fmt.Println(text)
		return nil
	},
}
