// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command cribwatchd runs the crib monitor daemon: the event bus, the fusion
// and alert engines, the optional embedded broker and bridge, a Prometheus
// endpoint, and simulated detectors in demo mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/cribwatch/alert"
	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/bus/mqtt"
	"github.com/Azure/cribwatch/config"
	"github.com/Azure/cribwatch/detector"
	"github.com/Azure/cribwatch/fusion"
	"github.com/Azure/cribwatch/monitor"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type daemon struct {
	cfg *config.Config
	log *slog.Logger

	transport *bus.Bus
	mon       *monitor.Monitor
	broker    *mochi.Server
	conn      *mqtt.Connection
	detectors []*detector.Simulated
	metrics   *http.Server
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	hashCred := flag.String("hash-credential", "",
		"print the stored form of username:password and exit")
	flag.Parse()

	if *hashCred != "" {
		if err := printCredential(*hashCred); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := loaded.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	level, err := cfg.Level()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(cfg, log)
	if err != nil {
		log.Error("failed to initialize daemon", "error", err)
		os.Exit(1)
	}

	stop, err := d.start(ctx)
	if err != nil {
		log.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down...")
	stop()
	cancel()
}

func newDaemon(cfg *config.Config, log *slog.Logger) (*daemon, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log.Info("starting crib monitor", "session_id", sessionID)

	b := bus.New(append(cfg.Bus.Options(), bus.WithLogger(log))...)

	fusionEngine, err := fusion.New(
		b,
		cfg.Fusion.EngineRules(),
		append(cfg.Fusion.Options(),
			fusion.WithSessionID(sessionID),
			fusion.WithLogger(log))...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fusion engine: %w", err)
	}

	rules, err := cfg.Alerts.EngineRules()
	if err != nil {
		return nil, fmt.Errorf("failed to translate alert rules: %w", err)
	}
	alertEngine, err := alert.New(
		b,
		rules,
		append(cfg.Alerts.Options(),
			alert.WithNotifier(alert.NewLogNotifier(log)),
			alert.WithLogger(log))...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert engine: %w", err)
	}

	d := &daemon{cfg: cfg, log: log, transport: b}

	monOpts := []monitor.Option{monitor.WithLogger(log)}
	if cfg.Bridge.Enabled {
		settings, err := cfg.Bridge.Settings()
		if err != nil {
			return nil, fmt.Errorf("failed to load bridge settings: %w", err)
		}
		d.conn, err = settings.Connection(mqtt.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to create bridge connection: %w", err)
		}

		// An announcing detector counts as seen even before its first
		// event, so health tracks it from the moment it comes up.
		bridge, err := mqtt.NewBridge(
			b,
			d.conn,
			append(cfg.Bridge.Options(),
				mqtt.WithAnnounceCallback(
					func(_ context.Context, a *detector.Announce) {
						alertEngine.Health().Record(a.Detector)
					}),
				mqtt.WithLogger(log))...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create bridge: %w", err)
		}
		monOpts = append(monOpts, monitor.WithListener(bridge))
	}

	d.mon, err = monitor.New(b, fusionEngine, alertEngine, monOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}

	if cfg.Broker.Enabled {
		d.broker, err = newBroker(&cfg.Broker, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create broker: %w", err)
		}
	}

	if cfg.Demo.Enabled {
		demos := cfg.Demo.Detectors
		if len(demos) == 0 {
			demos = defaultDemoDetectors()
		}
		for i := range demos {
			sim, err := detector.NewSimulated(
				b,
				demos[i].ID,
				demos[i].EngineVitals(),
				append(demos[i].Options(),
					detector.WithSessionID(sessionID),
					detector.WithLogger(log))...,
			)
			if err != nil {
				return nil, fmt.Errorf(
					"failed to create demo detector %q: %w", demos[i].ID, err)
			}
			d.detectors = append(d.detectors, sim)
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metrics = &http.Server{
			Addr:              cfg.Metrics.Address(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return d, nil
}

// start brings the daemon up: broker first so the bridge can connect, then
// the engines, then the peripheral servers and demo detectors. The returned
// closure tears everything down in reverse.
func (d *daemon) start(ctx context.Context) (func(), error) {
	if d.broker != nil {
		if err := d.broker.Serve(); err != nil {
			return nil, fmt.Errorf("failed to start broker: %w", err)
		}
		d.log.Info("embedded broker listening",
			"address", d.cfg.Broker.Address())
	}

	if d.conn != nil {
		if err := d.conn.Connect(ctx); err != nil {
			d.close()
			return nil, fmt.Errorf("failed to connect bridge: %w", err)
		}
	}

	stopMonitor, err := d.mon.Listen(ctx)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}

	if d.metrics != nil {
		go func() {
			err := d.metrics.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				d.log.Error("metrics server failed", "error", err)
			}
		}()
		d.log.Info("metrics listening", "address", d.metrics.Addr)
	}

	for _, sim := range d.detectors {
		if err := sim.Start(ctx); err != nil {
			stopMonitor()
			d.close()
			return nil, fmt.Errorf(
				"failed to start demo detector %q: %w", sim.ID(), err)
		}
		d.log.Info("demo detector started", "detector", sim.ID())
	}

	return func() {
		for _, sim := range d.detectors {
			sim.Stop()
		}
		stopMonitor()
		d.close()
	}, nil
}

// close releases the daemon's servers and connections. It is safe to call
// with any subset of them initialized.
func (d *daemon) close() {
	if d.conn != nil {
		if err := d.conn.Disconnect(); err != nil {
			d.log.Warn("bridge disconnect failed", "error", err)
		}
		d.conn = nil
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metrics.Shutdown(ctx); err != nil {
			d.log.Warn("metrics shutdown failed", "error", err)
		}
		cancel()
		d.metrics = nil
	}
	if d.broker != nil {
		if err := d.broker.Close(); err != nil {
			d.log.Warn("broker close failed", "error", err)
		}
		d.broker = nil
	}
}

// newBroker builds the embedded broker. With credentials configured it
// authenticates devices against their stored hashes; without any it allows
// all connections, which is only sensible on a loopback listener.
func newBroker(cfg *config.Broker, log *slog.Logger) (*mochi.Server, error) {
	server := mochi.New(&mochi.Options{
		Logger: log.With("component", "broker"),
	})

	creds, err := cfg.ParseCredentials()
	if err != nil {
		return nil, err
	}
	if len(creds) > 0 {
		err = server.AddHook(mqtt.NewAuthHook(creds, log), nil)
	} else {
		err = server.AddHook(new(auth.AllowHook), nil)
	}
	if err != nil {
		return nil, err
	}

	tcp := listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: cfg.Address(),
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}
	return server, nil
}

// defaultDemoDetectors models the three stock sensing modalities with
// plausible resting vitals.
func defaultDemoDetectors() []config.DemoDetector {
	return []config.DemoDetector{
		{
			ID: "radar",
			Vitals: []config.DemoVital{
				{Field: "respiration_rate", Base: 28, Jitter: 3},
				{Field: "movement", Base: 0.2, Jitter: 0.15},
			},
		},
		{
			ID: "audio",
			Vitals: []config.DemoVital{
				{Field: "breath_rate", Base: 27, Jitter: 4},
				{Field: "sound_level", Base: 0.1, Jitter: 0.1},
			},
		},
		{
			ID: "bcg",
			Vitals: []config.DemoVital{
				{Field: "heart_rate", Base: 118, Jitter: 6},
				{Field: "respiration_rate", Base: 29, Jitter: 4},
			},
		},
	}
}

// printCredential hashes a username:password pair and prints the YAML lines
// to store under the broker credentials.
func printCredential(arg string) error {
	username, password, ok := strings.Cut(arg, ":")
	if !ok || username == "" || password == "" {
		return fmt.Errorf("expected username:password, got %q", arg)
	}
	cred, err := mqtt.HashCredential(username, password)
	if err != nil {
		return err
	}
	fmt.Printf("- username: %s\n  credential: %s\n", cred.Username, cred.Encode())
	return nil
}
