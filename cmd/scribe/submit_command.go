package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		flags   requestFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send a request to a running scribed node over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			req, err := flags.remoteWire()
			if err != nil {
				return err
			}
			client, err := bus.Connect(cmd.Context(), cfg.Bus, "scribe-cli", ctx.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer client.Close()

			reqCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var resp protocol.TranscribeResponse
			if err := client.RequestJSON(reqCtx, cfg.Service.Subject, req, &resp); err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp, flags.jsonOut)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "How long to wait for the reply")
	return cmd
}
