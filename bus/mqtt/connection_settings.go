// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/sosodev/duration"
)

// ConnectionSettings describe how to reach the broker. They load from a
// connection string (HostName=localhost;TcpPort=1883;UseTls=True;...), from
// MQTT_-prefixed environment variables (MQTT_HOST_NAME, MQTT_TCP_PORT, ...),
// or from the daemon's YAML config.
type ConnectionSettings struct {
	// Hostname and TCPPort locate the broker for TCP and TLS transports.
	Hostname string
	TCPPort  int

	// UseTLS selects TLS over TCP.
	UseTLS bool

	// WebSocketURL, when set, selects the WebSocket transport and overrides
	// Hostname and TCPPort.
	WebSocketURL string

	// ClientID identifies this client to the broker; empty generates one.
	ClientID string

	// Username and Password are the broker credentials. PasswordFile, when
	// set, is read at validation time and takes precedence.
	Username     string
	Password     []byte
	PasswordFile string

	// CertFile and KeyFile hold an X509 client certificate pair; CAFile
	// holds the root pool used to verify the broker.
	CertFile string
	KeyFile  string
	CAFile   string

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration

	// SessionExpiry is the broker-side session retention.
	SessionExpiry time.Duration

	// CleanStart requests a fresh session on connect.
	CleanStart bool

	tlsConfig *tls.Config
}

// LoadConnectionSettings parses settings from a connection string, e.g.
// "HostName=localhost;TcpPort=1883;ClientId=bridge".
func LoadConnectionSettings(connStr string) (*ConnectionSettings, error) {
	settingsMap := make(map[string]string)

	connStr = strings.TrimSuffix(connStr, ";")
	for _, param := range strings.Split(connStr, ";") {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) == 2 {
			k := strings.ToLower(strings.TrimSpace(kv[0]))
			settingsMap[k] = strings.TrimSpace(kv[1])
		}
	}

	return settingsFromMap(settingsMap)
}

// LoadConnectionSettingsFromEnv parses settings from MQTT_-prefixed
// environment variables, e.g. MQTT_HOST_NAME=localhost.
func LoadConnectionSettingsFromEnv() (*ConnectionSettings, error) {
	settingsMap := make(map[string]string)

	for _, envVar := range os.Environ() {
		kv := strings.SplitN(envVar, "=", 2)
		if len(kv) == 2 && strings.HasPrefix(kv[0], "MQTT_") {
			k := strings.ToLower(
				strings.ReplaceAll(
					strings.TrimPrefix(kv[0], "MQTT_"), "_", "",
				),
			)
			settingsMap[k] = strings.TrimSpace(kv[1])
		}
	}

	return settingsFromMap(settingsMap)
}

func settingsFromMap(
	settingsMap map[string]string,
) (*ConnectionSettings, error) {
	cs := &ConnectionSettings{}

	assignIfExists(settingsMap, "websocketurl", &cs.WebSocketURL)
	if cs.WebSocketURL == "" {
		if settingsMap["hostname"] == "" {
			return nil, &errors.Error{
				Message:      "HostName must not be empty",
				Kind:         errors.ConfigurationInvalid,
				PropertyName: "HostName",
			}
		}
		if settingsMap["tcpport"] == "" {
			return nil, &errors.Error{
				Message:      "TcpPort must not be empty",
				Kind:         errors.ConfigurationInvalid,
				PropertyName: "TcpPort",
			}
		}

		port, err := strconv.Atoi(settingsMap["tcpport"])
		if err != nil || port <= 0 || port > 65535 {
			return nil, &errors.Error{
				Message:       "invalid TcpPort",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "TcpPort",
				PropertyValue: settingsMap["tcpport"],
			}
		}

		cs.Hostname = settingsMap["hostname"]
		cs.TCPPort = port
	}

	cs.UseTLS = settingsMap["usetls"] == "true"
	cs.CleanStart = settingsMap["cleanstart"] == "true"

	if password, exists := settingsMap["password"]; exists {
		cs.Password = []byte(password)
	}

	assignIfExists(settingsMap, "clientid", &cs.ClientID)
	assignIfExists(settingsMap, "username", &cs.Username)
	assignIfExists(settingsMap, "passwordfile", &cs.PasswordFile)
	assignIfExists(settingsMap, "certfile", &cs.CertFile)
	assignIfExists(settingsMap, "keyfile", &cs.KeyFile)
	assignIfExists(settingsMap, "cafile", &cs.CAFile)

	// Durations use ISO 8601 for parity with the connection strings the
	// non-Go front ends consume.
	if value, exists := settingsMap["keepalive"]; exists {
		keepAlive, err := duration.Parse(value)
		if err != nil {
			return nil, &errors.Error{
				Message:       "invalid KeepAlive",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "KeepAlive",
				PropertyValue: value,
			}
		}
		cs.KeepAlive = keepAlive.ToTimeDuration()
	}

	if value, exists := settingsMap["sessionexpiry"]; exists {
		sessionExpiry, err := duration.Parse(value)
		if err != nil {
			return nil, &errors.Error{
				Message:       "invalid SessionExpiry",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "SessionExpiry",
				PropertyValue: value,
			}
		}
		cs.SessionExpiry = sessionExpiry.ToTimeDuration()
	}

	return cs, nil
}

// Validate checks the settings, reads the password file if one is named,
// and loads TLS material.
func (cs *ConnectionSettings) Validate() error {
	if cs.WebSocketURL != "" {
		if !strings.HasPrefix(cs.WebSocketURL, "ws://") &&
			!strings.HasPrefix(cs.WebSocketURL, "wss://") {
			return &errors.Error{
				Message:       "WebSocket URL must use ws or wss",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "WebSocketURL",
				PropertyValue: cs.WebSocketURL,
			}
		}
	} else if cs.Hostname == "" || cs.TCPPort == 0 {
		return &errors.Error{
			Message:      "broker address is incomplete",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "Hostname",
		}
	}

	if cs.PasswordFile != "" {
		password, err := os.ReadFile(cs.PasswordFile)
		if err != nil {
			return &errors.Error{
				Message:       "cannot read password file",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "PasswordFile",
				PropertyValue: cs.PasswordFile,
				NestedError:   err,
			}
		}
		cs.Password = []byte(strings.TrimSpace(string(password)))
	}

	return cs.validateTLS()
}

// validateTLS loads the client certificate and CA pool when TLS is in play.
func (cs *ConnectionSettings) validateTLS() error {
	useTLS := cs.UseTLS || strings.HasPrefix(cs.WebSocketURL, "wss://")
	if !useTLS {
		if cs.CertFile != "" || cs.KeyFile != "" || cs.CAFile != "" {
			return &errors.Error{
				Message:       "TLS files should not be set when TLS is disabled",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "UseTls",
				PropertyValue: cs.UseTLS,
			}
		}
		return nil
	}

	if cs.tlsConfig == nil {
		cs.tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Both certFile and keyFile must be provided together.
	if cs.CertFile != "" || cs.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cs.CertFile, cs.KeyFile)
		if err != nil {
			return &errors.Error{
				Message:      "X509 key pair cannot be loaded",
				Kind:         errors.ConfigurationInvalid,
				PropertyName: "CertFile/KeyFile",
				NestedError:  err,
			}
		}
		cs.tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cs.CAFile != "" {
		caCert, err := os.ReadFile(cs.CAFile)
		if err != nil {
			return &errors.Error{
				Message:       "cannot read CA file",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "CAFile",
				PropertyValue: cs.CAFile,
				NestedError:   err,
			}
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return &errors.Error{
				Message:       "cannot load a CA certificate pool from CAFile",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "CAFile",
				PropertyValue: cs.CAFile,
			}
		}
		cs.tlsConfig.RootCAs = caCertPool
	}

	return nil
}

// Provider returns the connection provider the settings select. Validate
// must have been called first when TLS material is involved.
func (cs *ConnectionSettings) Provider() ConnectionProvider {
	switch {
	case cs.WebSocketURL != "":
		return WebSocketConnection(cs.WebSocketURL)
	case cs.UseTLS:
		return TLSConnection(
			cs.Hostname,
			cs.TCPPort,
			ConstantTLSConfig(cs.tlsConfig),
		)
	default:
		return TCPConnection(cs.Hostname, cs.TCPPort)
	}
}

// Connection validates the settings and builds a client from them. Explicit
// options override the settings' values.
func (cs *ConnectionSettings) Connection(
	opt ...ConnectionOption,
) (*Connection, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}

	base := &ConnectionOptions{
		ClientID:   cs.ClientID,
		Username:   cs.Username,
		Password:   cs.Password,
		CleanStart: cs.CleanStart,
	}
	if cs.KeepAlive > 0 {
		base.KeepAlive = uint16(cs.KeepAlive.Seconds())
	}
	if cs.SessionExpiry > 0 {
		base.SessionExpiry = uint32(cs.SessionExpiry.Seconds())
	}

	var opts ConnectionOptions
	opts.Apply([]ConnectionOption{base}, opt...)

	return NewConnection(cs.Provider(), &opts)
}

// assignIfExists assigns non-empty string values from settingsMap to the
// corresponding settings fields.
func assignIfExists(
	settingsMap map[string]string,
	key string,
	field *string,
) {
	if value, exists := settingsMap[key]; exists && value != "" {
		*field = value
	}
}
