package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"slowpipe/config"
	"slowpipe/logging"
)

const VERSION = "0.1.0"

func main() {
	mode := flag.String("mode", "push", "Mode: push, sink, echo")
	addr := flag.String("addr", "", "push: relay address to dial; sink/echo: address to listen on")
	rate := flag.String("rate", "0", "push: source rate in bits per second (K, M, G suffixes), 0 means unlimited")
	duration := flag.Duration("duration", 10*time.Second, "push: how long to send")
	cfgPath := flag.String("config", "", "optional slowpipe config; push dials its ListenAddress, sink listens on its DestinationAddress")
	flag.Parse()

	log, err := logging.New(&config.GlobalLogConfig{Level: "info"}, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("slowpipe ratetest starting", zap.String("version", VERSION), zap.String("mode", *mode))

	if *addr == "" && *cfgPath != "" {
		cfg, err := config.LoadConfig(*cfgPath)
		if err != nil {
			log.Fatal("failed to load config", zap.Error(err))
		}
		if *mode == "push" {
			*addr = cfg.ListenAddress
		} else {
			*addr = cfg.DestinationAddress
		}
	}
	if *addr == "" {
		log.Fatal("no address: pass -addr or -config")
	}
	bps, err := config.ParseRate(*rate)
	if err != nil {
		log.Fatal("bad rate", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tester := NewRateTester(log)
	switch *mode {
	case "push":
		res, err := tester.Push(ctx, *addr, bps, *duration)
		if err != nil {
			log.Fatal("push failed", zap.Error(err))
		}
		log.Info("push finished",
			zap.Int64("bytes", res.Bytes),
			zap.Duration("elapsed", res.Elapsed),
			zap.Float64("achieved_bps", res.BitsPerSecond()),
			zap.Float64("achieved_kbps", res.BitsPerSecond()/1000))
	case "sink", "echo":
		if err := tester.Listen(ctx, *addr, *mode == "echo"); err != nil {
			log.Fatal("listen failed", zap.Error(err))
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}
