/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/usersapi/apiserver/internal/mail"
	"github.com/usersapi/apiserver/internal/server"
)

// mailworkerCmd represents the mailworker command
var mailworkerCmd = &cobra.Command{
	Use:   "mailworker",
	Short: "Delivers queued verification emails",
	Long: `Consumes the mail queue (MAIL_TRANSPORT=rabbitmq or pubsub) and
delivers each message with MAIL_WORKER_TRANSPORT. Usage:

	usersapi mailworker
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := cmd.Context()
		queue, err := server.OpenQueue(ctx, cfg.Mail.Transport, cfg)
		if err != nil {
			return err
		}
		defer queue.Close()

		delivery, err := server.NewDeliveryMailer(cfg.Mail.WorkerTransport, cfg.Mail, log)
		if err != nil {
			return err
		}

		worker := mail.NewWorker(queue, cfg.Mail.Queue, delivery, log)
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "mail worker stopped", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mailworkerCmd)
}
