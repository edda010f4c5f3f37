package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/service"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transcribe one file or URL in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			logger := ctx.logger(cmd.ErrOrStderr())

			pipeline, err := runtime.BuildPipeline(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer pipeline.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			res := pipeline.Assembler.Run(runCtx, runtime.Defaults(cfg.Engine).Apply(flags.wire()))
			return printResponse(cmd.OutOrStdout(), service.Response(res, cfg.Node.ID, time.Since(start)), flags.jsonOut)
		},
	}
	flags.register(cmd)
	return cmd
}
