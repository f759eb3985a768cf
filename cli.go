package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"slowpipe/config"
	"slowpipe/logging"
)

// cliFlags mirrors the config file; set flags override file values.
type cliFlags struct {
	configPath  string
	verbose     bool
	sendRate    config.RateString
	receiveRate config.RateString
	listen      string
	destination string
	global      bool
	burst       bool
	timer       bool
	idleReset   time.Duration
	api         string
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&cliFlags{})
}

func newRootCmdWith(f *cliFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "slowpipe",
		Short:         "Throttle a pipe or a TCP tunnel to a modem-era bit rate",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "YAML config file")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	root.PersistentFlags().Var(&f.sendRate, "send-rate", "send rate in bits per second (K, M, G suffixes)")
	root.PersistentFlags().BoolVar(&f.burst, "burst", false, "pace cumulatively and grow chunks when ahead of schedule")
	root.PersistentFlags().BoolVar(&f.timer, "timer", false, "suspend on timers instead of millisecond slices")
	root.PersistentFlags().DurationVar(&f.idleReset, "idle-reset", 0, "restart a limiter clock after this much silence (0 disables)")

	root.AddCommand(newNetworkCmd(f), newLocalCmd(f))
	return root
}

// setup loads the config file when given, applies the set flags, forces
// mode and validates, then builds the logger.
func (f *cliFlags) setup(cmd *cobra.Command, mode string) (*config.SlowPipeConfig, *zap.Logger, error) {
	cfg := &config.SlowPipeConfig{}
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(f.configPath); err != nil {
			return nil, nil, err
		}
	} else {
		cfg.SetDefaults()
	}
	cfg.Mode = mode

	flags := cmd.Flags()
	if flags.Changed("send-rate") {
		cfg.SendRate = f.sendRate
	}
	if flags.Changed("receive-rate") {
		r := f.receiveRate
		cfg.ReceiveRate = &r
	}
	if flags.Changed("listen") {
		cfg.ListenAddress = f.listen
	}
	if flags.Changed("destination") {
		cfg.DestinationAddress = f.destination
	}
	if flags.Changed("global") {
		cfg.GlobalRate = f.global
	}
	if flags.Changed("burst") {
		cfg.AllowBurst = f.burst
	}
	if flags.Changed("timer") {
		cfg.UseTimer = f.timer
	}
	if flags.Changed("idle-reset") {
		cfg.IdleReset = config.DurationString(f.idleReset)
	}
	if flags.Changed("api") {
		cfg.APIListenAddress = f.api
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.GlobalLog, f.verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
