package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Prismer-AI/livesync"
)

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyListenCmd)
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Work with message notifications",
}

var notifyListenCmd = &cobra.Command{
	Use:   "listen <addr>",
	Short: "Receive and print signed notifications",
	Long:  "Start an HTTP endpoint that verifies notifications signed with notify.secret and prints them.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		if cfg.Notify.Secret == "" {
			return fmt.Errorf("no notification secret configured. Run: livesync config set notify.secret <secret>")
		}
		log, err := livesync.NewLogger(&cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		mux := http.NewServeMux()
		mux.Handle("/", livesync.NotificationHandler(cfg.Notify.Secret, func(n livesync.Notification) error {
			log.Info("notification received",
				zap.String("event", n.Event),
				zap.String("conversation", n.Message.ConversationID),
				zap.Strings("recipients", n.Recipients))
			printMessage(n.Message)
			return nil
		}))
		srv := &http.Server{Addr: args[0], Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		ctx, cancel := signalContext()
		defer cancel()
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Listening on %s\n", args[0])
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
