package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slowpipe/api"
	"slowpipe/config"
	"slowpipe/server"
	"slowpipe/status"
	"slowpipe/throttle"
)

func newNetworkCmd(f *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Accept TCP clients and relay each one to the destination at the configured rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := f.setup(cmd, config.ModeNetwork)
			if err != nil {
				return err
			}
			defer log.Sync()
			return runNetwork(cmd, cfg, log)
		},
	}
	cmd.Flags().Var(&f.receiveRate, "receive-rate", "receive rate in bits per second (defaults to sharing the send budget)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "address to accept clients on")
	cmd.Flags().StringVar(&f.destination, "destination", "", "address every session dials")
	cmd.Flags().BoolVar(&f.global, "global", false, "one limiter pair shared by all sessions")
	cmd.Flags().StringVar(&f.api, "api", "", "management API listen address")
	return cmd
}

func runNetwork(cmd *cobra.Command, cfg *config.SlowPipeConfig, log *zap.Logger) error {
	g, ctx := errgroup.WithContext(cmd.Context())

	mon := status.NewMonitor(log.Named("monitor"))
	mon.StartPeriodicLogging(ctx, cfg.MonitorInterval.Duration())

	if cfg.APIListenAddress != "" {
		srv := api.NewServer(mon, cfg.APIListenAddress, log)
		if err := srv.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Stop()
		})
	}

	relay := server.NewRelay(server.Options{
		Destination: cfg.DestinationAddress,
		SendRate:    cfg.SendRate.BitsPerSecond(),
		ReceiveRate: cfg.ReceiveRateBps(),
		Global:      cfg.GlobalRate,
		IdleReset:   cfg.IdleReset.Duration(),
		Stream:      throttle.Options{AllowBurst: cfg.AllowBurst, UseTimer: cfg.UseTimer},
		Observer:    mon,
		Logger:      log,
	}, mon)
	g.Go(func() error {
		return relay.ListenAndServe(ctx, cfg.ListenAddress)
	})

	return g.Wait()
}
