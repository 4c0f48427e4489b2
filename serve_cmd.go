package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/naturalspeech/naturalspeech/internal/bus"
	"github.com/naturalspeech/naturalspeech/internal/config"
	"github.com/naturalspeech/naturalspeech/internal/telemetry"
	"github.com/naturalspeech/naturalspeech/internal/tts"
	"github.com/naturalspeech/naturalspeech/internal/tts/engines/piper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the speech server",
	Long: paragraph(fmt.Sprintf("\n%s every enabled model and play what is sent over the bus. "+
		"Models follow the config file as it changes.", keyword("Start"))),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	sink, err := newSink(cfg, "")
	if err != nil {
		return fmt.Errorf("unable to open audio output: %w", err)
	}
	rt, err := newRuntime(cfg, sink)
	if err != nil {
		_ = sink.Close()
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	rt.orch.OnModelStart(func(model string) { log.Info("model started", "model", model) })
	rt.orch.OnModelExit(func(model string) { log.Warn("model exited", "model", model) })

	if err := rt.orch.Start(ctx); err != nil {
		log.Error("engine failed to start", "err", err)
	}
	for _, m := range cfg.Models {
		if !m.IsEnabled() {
			continue
		}
		if r := piper.Check(m.Name, cfg.PoolConfig(m).Worker); !r.Available {
			log.Warn("model is not ready, run naturalspeech doctor", "model", m.Name, "err", r.Err)
		}
	}
	if err := rt.orch.StartModels(ctx, cfg.PoolConfigs()); err != nil {
		log.Error("some models failed to start", "err", err)
	}

	if rt.metrics != nil {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Metrics.Addr, rt.metrics, log.WithPrefix("metrics")); err != nil {
				log.Error("metrics server", "err", err)
			}
		}()
	}

	if cfg.Bus.Enabled {
		closeBus, err := startBridge(rt)
		if err != nil {
			return err
		}
		defer closeBus()
	}

	if err := config.Watch(ctx, configFile, func(next config.Config, err error) {
		if err != nil {
			log.Error("config reload failed, keeping the running models", "err", err)
			return
		}
		log.Info("config changed, reconciling models")
		if err := rt.orch.Reconcile(ctx, next.PoolConfigs()); err != nil {
			log.Error("reconcile", "err", err)
		}
	}); err != nil {
		log.Warn("config will not be reloaded", "err", err)
	}

	log.Info("serving", "models", len(cfg.PoolConfigs()), "bus", cfg.Bus.Enabled)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// startBridge connects to the configured NATS server, or starts an
// embedded one, and serves the orchestrator on it.
func startBridge(rt *runtime) (func(), error) {
	var embedded *bus.Embedded
	url := cfg.Bus.URL
	if url == "" {
		var err error
		embedded, err = bus.StartEmbedded(cfg.Bus, log.WithPrefix("nats"))
		if err != nil {
			return nil, err
		}
		url = embedded.ClientURL()
	}

	conn, err := nats.Connect(url, nats.Name("naturalspeech"))
	if err != nil {
		embedded.Shutdown()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	speaker := masterGain{Orchestrator: rt.orch, gain: tts.FixedGain(cfg.Audio.GainDB)}
	bridge := bus.NewBridge(conn, speaker, cfg.Bus.SubjectPrefix, log.WithPrefix("bus"))
	if err := bridge.Start(rt.orch.Events()); err != nil {
		conn.Close()
		embedded.Shutdown()
		return nil, err
	}

	return func() {
		bridge.Close()
		_ = conn.Drain()
		embedded.Shutdown()
	}, nil
}

// busURL is where clients reach a running server.
func busURL() string {
	if cfg.Bus.URL != "" {
		return cfg.Bus.URL
	}
	host := cfg.Bus.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("nats://%s:%d", host, cfg.Bus.Port)
}
