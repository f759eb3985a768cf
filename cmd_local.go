package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"slowpipe/config"
	"slowpipe/limiter"
	"slowpipe/throttle"
	"slowpipe/tunnel"
)

func newLocalCmd(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "Copy standard input to standard output at the send rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := f.setup(cmd, config.ModeLocal)
			if err != nil {
				return err
			}
			defer log.Sync()

			var lopts []limiter.Option
			if d := cfg.IdleReset.Duration(); d > 0 {
				lopts = append(lopts, limiter.WithIdleReset(d))
			}
			opt := throttle.Options{AllowBurst: cfg.AllowBurst, UseTimer: cfg.UseTimer}
			n, err := tunnel.Pipe(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cfg.SendRate.BitsPerSecond(), opt, lopts...)
			log.Debug("local pipe finished", zap.Int64("bytes", n), zap.Error(err))
			return err
		},
	}
}
