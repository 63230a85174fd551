// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package config

import (
	"time"

	"github.com/Azure/cribwatch/alert"
	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/bus/mqtt"
	"github.com/Azure/cribwatch/detector"
	"github.com/Azure/cribwatch/fusion"
)

// Options translates the bus settings into bus options.
func (b *Bus) Options() []bus.Option {
	var opts []bus.Option
	if b.QueueSize > 0 {
		opts = append(opts, bus.WithQueueSize(b.QueueSize))
	}
	return opts
}

// EngineRules translates the fusion channels into engine rules.
func (f *Fusion) EngineRules() []fusion.Rule {
	rules := make([]fusion.Rule, 0, len(f.Channels))
	for i := range f.Channels {
		rules = append(rules, f.Channels[i].Rule())
	}
	return rules
}

// Rule translates the channel document into an engine rule.
func (c *Channel) Rule() fusion.Rule {
	sources := make([]fusion.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		sources = append(sources, fusion.Source{
			Detector: s.Detector,
			Field:    s.Field,
			Weight:   s.Weight,
		})
	}
	return fusion.Rule{
		Channel:      c.Channel,
		Strategy:     fusion.Strategy(c.Strategy),
		Sources:      sources,
		MinSources:   c.MinSources,
		SignalMaxAge: time.Duration(c.SignalMaxAge),
	}
}

// Options translates the fusion settings into engine options.
func (f *Fusion) Options() []fusion.EngineOption {
	var opts []fusion.EngineOption
	if f.SignalMaxAge > 0 {
		opts = append(opts, fusion.WithSignalMaxAge(f.SignalMaxAge))
	}
	if f.CrossValidation != nil {
		opts = append(opts, fusion.WithCrossValidation(*f.CrossValidation))
	}
	if f.AgreementBonus != 0 {
		opts = append(opts, fusion.WithAgreementBonus(f.AgreementBonus))
	}
	if f.DisagreementPenalty != 0 {
		opts = append(opts,
			fusion.WithDisagreementPenalty(f.DisagreementPenalty))
	}
	return opts
}

// EngineRules translates the alert rule documents into engine rules.
func (a *Alerts) EngineRules() ([]alert.Rule, error) {
	rules := make([]alert.Rule, 0, len(a.Rules))
	for i := range a.Rules {
		r, err := a.Rules[i].Rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Rule translates the rule document into an engine rule. An absent severity
// means warning.
func (r *AlertRule) Rule() (alert.Rule, error) {
	severity := alert.SeverityWarning
	if r.Severity != "" {
		parsed, err := alert.ParseSeverity(r.Severity)
		if err != nil {
			return alert.Rule{}, err
		}
		severity = parsed
	}

	conditions := make([]alert.Condition, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		conditions = append(conditions, alert.Condition{
			Detector:  c.Detector,
			Field:     c.Field,
			Operator:  alert.Operator(c.Operator),
			Threshold: c.Threshold,
			Duration:  time.Duration(c.Duration),
		})
	}

	return alert.Rule{
		Name:       r.Name,
		Conditions: conditions,
		Combinator: alert.Combinator(r.Combinator),
		Duration:   time.Duration(r.Duration),
		Severity:   severity,
		Cooldown:   time.Duration(r.Cooldown),
		Message:    r.Message,
	}, nil
}

// Options translates the alert settings into engine options.
func (a *Alerts) Options() []alert.EngineOption {
	var opts []alert.EngineOption
	if a.BufferCapacity > 0 {
		opts = append(opts, alert.WithBufferCapacity(a.BufferCapacity))
	}
	if a.HistoryLimit > 0 {
		opts = append(opts, alert.WithHistoryLimit(a.HistoryLimit))
	}
	if a.MaxPause > 0 {
		opts = append(opts, alert.WithMaxPause(a.MaxPause))
	}
	if a.DetectorTimeout > 0 {
		opts = append(opts, alert.WithDetectorTimeout(a.DetectorTimeout))
	}
	if a.HealthCheckInterval > 0 {
		opts = append(opts,
			alert.WithHealthCheckInterval(a.HealthCheckInterval))
	}
	return opts
}

// Settings builds the broker connection settings. A connection string, when
// present, wins over the structured fields.
func (b *Bridge) Settings() (*mqtt.ConnectionSettings, error) {
	if b.ConnectionString != "" {
		return mqtt.LoadConnectionSettings(b.ConnectionString)
	}
	return &mqtt.ConnectionSettings{
		Hostname:      b.Hostname,
		TCPPort:       b.TCPPort,
		UseTLS:        b.UseTLS,
		WebSocketURL:  b.WebSocketURL,
		ClientID:      b.ClientID,
		Username:      b.Username,
		Password:      []byte(b.Password),
		PasswordFile:  b.PasswordFile,
		CertFile:      b.CertFile,
		KeyFile:       b.KeyFile,
		CAFile:        b.CAFile,
		KeepAlive:     time.Duration(b.KeepAlive),
		SessionExpiry: time.Duration(b.SessionExpiry),
		CleanStart:    b.CleanStart,
	}, nil
}

// Options translates the bridge settings into bridge options.
func (b *Bridge) Options() []mqtt.BridgeOption {
	var opts []mqtt.BridgeOption
	if len(b.OutboundTopics) > 0 {
		opts = append(opts, mqtt.WithOutboundTopics(b.OutboundTopics))
	}
	return opts
}

// ParseCredentials parses the stored broker credentials.
func (b *Broker) ParseCredentials() ([]*mqtt.Credential, error) {
	creds := make([]*mqtt.Credential, 0, len(b.Credentials))
	for _, c := range b.Credentials {
		cred, err := mqtt.ParseCredential(c.Username, c.Credential)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// EngineVitals translates the vital documents into detector vitals.
func (d *DemoDetector) EngineVitals() []detector.Vital {
	vitals := make([]detector.Vital, 0, len(d.Vitals))
	for _, v := range d.Vitals {
		vitals = append(vitals, detector.Vital{
			Field:  v.Field,
			Base:   v.Base,
			Jitter: v.Jitter,
		})
	}
	return vitals
}

// Options translates the demo detector settings into detector options.
func (d *DemoDetector) Options() []detector.SimulatedOption {
	var opts []detector.SimulatedOption
	if d.Interval > 0 {
		opts = append(opts, detector.WithInterval(d.Interval))
	}
	if d.Confidence != 0 {
		opts = append(opts, detector.WithConfidence(d.Confidence))
	}
	if d.Seed != 0 {
		opts = append(opts, detector.WithSeed(d.Seed))
	}
	return opts
}
