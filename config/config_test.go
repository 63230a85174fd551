// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/cribwatch/config"
	"github.com/Azure/cribwatch/errors"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const fullDocument = `
log_level: debug
session_id: nursery-1

bus:
  queue_size: 64

fusion:
  signal_max_age: 10s
  cross_validation: false
  agreement_bonus: 0.15
  disagreement_penalty: 0.25
  channels:
    - channel: heart_rate
      strategy: weighted_average
      min_sources: 2
      signal_max_age: 5s
      sources:
        - detector: radar
          field: heart_rate
          weight: 3
        - detector: audio
          field: heart_rate
          weight: 1

alerts:
  buffer_capacity: 500
  history_limit: 50
  max_pause: 30m
  detector_timeout: 15s
  health_check_interval: 5s
  rules:
    - name: low_respiration
      severity: CRITICAL
      combinator: all
      duration: 30s
      cooldown: 5m
      message: respiration rate {respiration_rate} below threshold
      conditions:
        - detector: fusion.respiration_rate
          field: respiration_rate
          operator: "<"
          threshold: 10
        - detector: radar
          field: movement
          operator: "<"
          threshold: 0.05
          duration: 10s

bridge:
  enabled: true
  hostname: localhost
  tcp_port: 1883
  client_id: cribwatch-core
  username: core
  password_file: /run/secrets/broker-password
  keep_alive: 60s
  outbound_topics:
    - "fusion.#"

broker:
  enabled: true
  listen: ":1883"
  credentials:
    - username: radar-frontend
      credential: pbkdf2-sha3-256$10000$c2FsdA==$aGFzaA==

metrics:
  enabled: true
  listen: ":9090"

demo:
  enabled: false
  detectors:
    - id: radar
      interval: 500ms
      confidence: 0.95
      seed: 42
      vitals:
        - field: respiration_rate
          base: 28
          jitter: 4
`

func TestParseFullDocument(t *testing.T) {
	c, err := config.Parse([]byte(fullDocument))
	require.NoError(t, err)

	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, "nursery-1", c.SessionID)
	require.Equal(t, 64, c.Bus.QueueSize)

	require.Equal(t, config.Duration(10*time.Second), c.Fusion.SignalMaxAge)
	require.NotNil(t, c.Fusion.CrossValidation)
	require.False(t, *c.Fusion.CrossValidation)
	require.Equal(t, 0.15, c.Fusion.AgreementBonus)
	require.Equal(t, 0.25, c.Fusion.DisagreementPenalty)

	require.Len(t, c.Fusion.Channels, 1)
	channel := c.Fusion.Channels[0]
	require.Equal(t, "heart_rate", channel.Channel)
	require.Equal(t, "weighted_average", channel.Strategy)
	require.Equal(t, 2, channel.MinSources)
	require.Equal(t, config.Duration(5*time.Second), channel.SignalMaxAge)
	require.Equal(t, []config.Source{
		{Detector: "radar", Field: "heart_rate", Weight: 3},
		{Detector: "audio", Field: "heart_rate", Weight: 1},
	}, channel.Sources)

	require.Equal(t, 500, c.Alerts.BufferCapacity)
	require.Equal(t, 50, c.Alerts.HistoryLimit)
	require.Equal(t, config.Duration(30*time.Minute), c.Alerts.MaxPause)
	require.Equal(t, config.Duration(15*time.Second), c.Alerts.DetectorTimeout)
	require.Equal(t,
		config.Duration(5*time.Second), c.Alerts.HealthCheckInterval)

	require.Len(t, c.Alerts.Rules, 1)
	rule := c.Alerts.Rules[0]
	require.Equal(t, "low_respiration", rule.Name)
	require.Equal(t, "CRITICAL", rule.Severity)
	require.Equal(t, "all", rule.Combinator)
	require.Equal(t, config.Duration(30*time.Second), rule.Duration)
	require.Equal(t, config.Duration(5*time.Minute), rule.Cooldown)
	require.Len(t, rule.Conditions, 2)
	require.Equal(t, "fusion.respiration_rate", rule.Conditions[0].Detector)
	require.Equal(t, "<", rule.Conditions[0].Operator)
	require.Equal(t, 10, rule.Conditions[0].Threshold)
	require.Equal(t, 0.05, rule.Conditions[1].Threshold)
	require.Equal(t,
		config.Duration(10*time.Second), rule.Conditions[1].Duration)

	require.True(t, c.Bridge.Enabled)
	require.Equal(t, "localhost", c.Bridge.Hostname)
	require.Equal(t, 1883, c.Bridge.TCPPort)
	require.Equal(t, "cribwatch-core", c.Bridge.ClientID)
	require.Equal(t, "core", c.Bridge.Username)
	require.Equal(t, "/run/secrets/broker-password", c.Bridge.PasswordFile)
	require.Equal(t, config.Duration(time.Minute), c.Bridge.KeepAlive)
	require.Equal(t, []string{"fusion.#"}, c.Bridge.OutboundTopics)

	require.True(t, c.Broker.Enabled)
	require.Equal(t, ":1883", c.Broker.Listen)
	require.Equal(t, []config.Credential{{
		Username:   "radar-frontend",
		Credential: "pbkdf2-sha3-256$10000$c2FsdA==$aGFzaA==",
	}}, c.Broker.Credentials)

	require.True(t, c.Metrics.Enabled)
	require.Equal(t, ":9090", c.Metrics.Listen)

	require.False(t, c.Demo.Enabled)
	require.Len(t, c.Demo.Detectors, 1)
	demo := c.Demo.Detectors[0]
	require.Equal(t, "radar", demo.ID)
	require.Equal(t, config.Duration(500*time.Millisecond), demo.Interval)
	require.Equal(t, 0.95, demo.Confidence)
	require.Equal(t, int64(42), demo.Seed)
	require.Equal(t, []config.DemoVital{
		{Field: "respiration_rate", Base: 28, Jitter: 4},
	}, demo.Vitals)

	require.NoError(t, c.Validate())
}

func TestParseEmpty(t *testing.T) {
	c, err := config.Parse(nil)
	require.NoError(t, err)

	level, err := c.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, level)

	require.Equal(t, ":1883", c.Broker.Address())
	require.Equal(t, ":9090", c.Metrics.Address())
	require.NoError(t, c.Validate())
}

func TestParseUnknownKeyRejected(t *testing.T) {
	_, err := config.Parse([]byte("log_levle: debug\n"))
	require.Error(t, err)
	require.Equal(t, errors.ConfigurationInvalid, err.(*errors.Error).Kind)
}

func TestParseBadDuration(t *testing.T) {
	_, err := config.Parse([]byte("alerts:\n  max_pause: soon\n"))
	require.Error(t, err)
	require.Equal(t, errors.ConfigurationInvalid, err.(*errors.Error).Kind)
}

func TestParseNotYAML(t *testing.T) {
	_, err := config.Parse([]byte("\t{nope"))
	require.Error(t, err)
	require.Equal(t, errors.ConfigurationInvalid, err.(*errors.Error).Kind)
}

func TestDurationRoundTrip(t *testing.T) {
	data, err := yaml.Marshal(config.Duration(90 * time.Second))
	require.NoError(t, err)
	require.Equal(t, "1m30s\n", string(data))

	var d config.Duration
	require.NoError(t, yaml.Unmarshal(data, &d))
	require.Equal(t, config.Duration(90*time.Second), d)
}

func TestLevel(t *testing.T) {
	tests := []struct {
		logLevel string
		expected slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, test := range tests {
		c := config.Config{LogLevel: test.logLevel}
		level, err := c.Level()
		require.NoError(t, err)
		require.Equal(t, test.expected, level, "log level: %s", test.logLevel)
	}

	c := config.Config{LogLevel: "verbose"}
	_, err := c.Level()
	require.Error(t, err)
	require.Equal(t, errors.ConfigurationInvalid, err.(*errors.Error).Kind)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cribwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullDocument), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "nursery-1", c.SessionID)

	_, err = config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Equal(t, errors.ConfigurationInvalid, err.(*errors.Error).Kind)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		document string
	}{
		{
			name:     "BadLogLevel",
			document: "log_level: verbose\n",
		},
		{
			name: "BadSeverity",
			document: `
alerts:
  rules:
    - name: bad
      severity: PANIC
      message: bad
      conditions:
        - detector: radar
          field: movement
          operator: "<"
          threshold: 1
`,
		},
		{
			name: "BadBridgeConnectionString",
			document: `
bridge:
  enabled: true
  connection_string: TcpPort=1883
`,
		},
		{
			name: "BadBrokerCredential",
			document: `
broker:
  credentials:
    - username: radar-frontend
      credential: plain$1$x$y
`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, err := config.Parse([]byte(test.document))
			require.NoError(t, err)
			require.Error(t, c.Validate())
		})
	}

	t.Run("DisabledBridgeSkipsSettings", func(t *testing.T) {
		c, err := config.Parse([]byte(
			"bridge:\n  connection_string: TcpPort=1883\n"))
		require.NoError(t, err)
		require.NoError(t, c.Validate())
	})
}
