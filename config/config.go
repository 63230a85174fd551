// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config loads the monitor's YAML configuration document and
// translates it into the pipeline's native types. The document carries only
// what an operator tunes; everything else takes the package defaults.
package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Azure/cribwatch/errors"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration document.
	Config struct {
		// LogLevel is the slog level name (debug, info, warn, error).
		LogLevel string `yaml:"log_level"`

		// SessionID stamps all produced events; empty generates one.
		SessionID string `yaml:"session_id"`

		Bus     Bus     `yaml:"bus"`
		Fusion  Fusion  `yaml:"fusion"`
		Alerts  Alerts  `yaml:"alerts"`
		Bridge  Bridge  `yaml:"bridge"`
		Broker  Broker  `yaml:"broker"`
		Metrics Metrics `yaml:"metrics"`
		Demo    Demo    `yaml:"demo"`
	}

	// Bus configures the in-process event bus.
	Bus struct {
		// QueueSize bounds each subscriber's delivery queue.
		QueueSize int `yaml:"queue_size"`
	}

	// Fusion configures the fusion engine and its channels.
	Fusion struct {
		// SignalMaxAge is the default staleness bound for source values.
		SignalMaxAge Duration `yaml:"signal_max_age"`

		// CrossValidation toggles the agreement-based confidence
		// adjustment; absent means enabled.
		CrossValidation *bool `yaml:"cross_validation"`

		// AgreementBonus and DisagreementPenalty tune that adjustment.
		AgreementBonus      float64 `yaml:"agreement_bonus"`
		DisagreementPenalty float64 `yaml:"disagreement_penalty"`

		// Channels are the fused output channels.
		Channels []Channel `yaml:"channels"`
	}

	// Channel configures one fused output channel.
	Channel struct {
		Channel      string   `yaml:"channel"`
		Strategy     string   `yaml:"strategy"`
		MinSources   int      `yaml:"min_sources"`
		SignalMaxAge Duration `yaml:"signal_max_age"`
		Sources      []Source `yaml:"sources"`
	}

	// Source configures one contributing (detector, field) pair.
	Source struct {
		Detector string  `yaml:"detector"`
		Field    string  `yaml:"field"`
		Weight   float64 `yaml:"weight"`
	}

	// Alerts configures the alert engine.
	Alerts struct {
		// BufferCapacity bounds the retained event window.
		BufferCapacity int `yaml:"buffer_capacity"`

		// HistoryLimit bounds the resolved alert history.
		HistoryLimit int `yaml:"history_limit"`

		// MaxPause caps how long alerting can be paused at once.
		MaxPause Duration `yaml:"max_pause"`

		// DetectorTimeout and HealthCheckInterval drive the health monitor.
		DetectorTimeout     Duration `yaml:"detector_timeout"`
		HealthCheckInterval Duration `yaml:"health_check_interval"`

		// Rules are the alert rules.
		Rules []AlertRule `yaml:"rules"`
	}

	// AlertRule configures one alert rule.
	AlertRule struct {
		Name       string      `yaml:"name"`
		Combinator string      `yaml:"combinator"`
		Duration   Duration    `yaml:"duration"`
		Severity   string      `yaml:"severity"`
		Cooldown   Duration    `yaml:"cooldown"`
		Message    string      `yaml:"message"`
		Conditions []Condition `yaml:"conditions"`
	}

	// Condition configures one alert rule condition.
	Condition struct {
		Detector  string   `yaml:"detector"`
		Field     string   `yaml:"field"`
		Operator  string   `yaml:"operator"`
		Threshold any      `yaml:"threshold"`
		Duration  Duration `yaml:"duration"`
	}

	// Bridge configures the connection to the local broker. A connection
	// string, when present, wins over the structured fields.
	Bridge struct {
		Enabled          bool   `yaml:"enabled"`
		ConnectionString string `yaml:"connection_string"`

		Hostname     string `yaml:"hostname"`
		TCPPort      int    `yaml:"tcp_port"`
		UseTLS       bool   `yaml:"use_tls"`
		WebSocketURL string `yaml:"websocket_url"`

		ClientID     string `yaml:"client_id"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		PasswordFile string `yaml:"password_file"`

		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
		CAFile   string `yaml:"ca_file"`

		KeepAlive     Duration `yaml:"keep_alive"`
		SessionExpiry Duration `yaml:"session_expiry"`
		CleanStart    bool     `yaml:"clean_start"`

		// OutboundTopics are the bus topic filters relayed to the broker;
		// empty relays the fused channels.
		OutboundTopics []string `yaml:"outbound_topics"`
	}

	// Broker configures the embedded broker.
	Broker struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`

		// Credentials are the device credentials the broker accepts. Empty
		// leaves the broker open, which is only sensible for tests.
		Credentials []Credential `yaml:"credentials"`
	}

	// Credential is one stored broker credential: a username and the hash
	// string produced by credential hashing, never a plaintext password.
	Credential struct {
		Username   string `yaml:"username"`
		Credential string `yaml:"credential"`
	}

	// Metrics configures the Prometheus endpoint.
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	}

	// Demo configures the simulated detectors run in demo mode.
	Demo struct {
		Enabled   bool           `yaml:"enabled"`
		Detectors []DemoDetector `yaml:"detectors"`
	}

	// DemoDetector configures one simulated detector.
	DemoDetector struct {
		ID         string      `yaml:"id"`
		Interval   Duration    `yaml:"interval"`
		Confidence float64     `yaml:"confidence"`
		Seed       int64       `yaml:"seed"`
		Vitals     []DemoVital `yaml:"vitals"`
	}

	// DemoVital configures one synthetic vital.
	DemoVital struct {
		Field  string  `yaml:"field"`
		Base   float64 `yaml:"base"`
		Jitter float64 `yaml:"jitter"`
	}

	// Duration is a time.Duration parsed from a Go duration string.
	Duration time.Duration
)

// Default listen addresses for the optional servers.
const (
	DefaultBrokerListen  = ":1883"
	DefaultMetricsListen = ":9090"
)

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.Error{
			Message:       "cannot read configuration file",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "path",
			PropertyValue: path,
			NestedError:   err,
		}
	}
	return Parse(data)
}

// Parse decodes the configuration document. Unknown keys are rejected so a
// misspelled setting fails loudly instead of silently taking its default.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, &errors.Error{
			Message:     "cannot parse configuration",
			Kind:        errors.ConfigurationInvalid,
			NestedError: err,
		}
	}
	return &c, nil
}

// Validate checks the document-level constraints: the translations the
// daemon will perform at startup must all succeed. Rule semantics are
// checked again by the engines at construction.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Alerts.EngineRules(); err != nil {
		return err
	}
	if c.Bridge.Enabled {
		if _, err := c.Bridge.Settings(); err != nil {
			return err
		}
	}
	if _, err := c.Broker.ParseCredentials(); err != nil {
		return err
	}
	return nil
}

// Level parses the configured log level; empty means info.
func (c *Config) Level() (slog.Level, error) {
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, &errors.Error{
			Message:       "unknown log level",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "log_level",
			PropertyValue: c.LogLevel,
			NestedError:   err,
		}
	}
	return level, nil
}

// Address returns the broker listen address, defaulted when unset.
func (b *Broker) Address() string {
	if b.Listen == "" {
		return DefaultBrokerListen
	}
	return b.Listen
}

// Address returns the metrics listen address, defaulted when unset.
func (m *Metrics) Address() string {
	if m.Listen == "" {
		return DefaultMetricsListen
	}
	return m.Listen
}

// UnmarshalYAML parses a Go duration string such as "3s" or "1h30m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return &errors.Error{
			Message:       "invalid duration",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "duration",
			PropertyValue: s,
			NestedError:   err,
		}
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
