// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/eclipse/paho.golang/packets"
	"github.com/gorilla/websocket"
)

// ConnectionProvider is a function that returns a net.Conn connected to an
// MQTT server that is ready to read from and write to. The returned net.Conn
// must be thread-safe (concurrent Write calls must not interleave).
type ConnectionProvider func(context.Context) (net.Conn, error)

// TLSConfigProvider is a function that returns a *tls.Config to be used when
// opening a TLS connection to an MQTT server.
type TLSConfigProvider func(context.Context) (*tls.Config, error)

// TCPConnection is a ConnectionProvider that connects to an MQTT server over
// TCP.
func TCPConnection(hostname string, port int) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(
			ctx,
			"tcp",
			fmt.Sprintf("%s:%d", hostname, port),
		)
		if err != nil {
			return nil, &errors.Error{
				Message:     "error opening TCP connection",
				Kind:        errors.UnknownError,
				NestedError: err,
			}
		}
		return conn, nil
	}
}

// ConstantTLSConfig is a TLSConfigProvider that returns an unchanging
// *tls.Config.
func ConstantTLSConfig(config *tls.Config) TLSConfigProvider {
	return func(context.Context) (*tls.Config, error) {
		return config, nil
	}
}

// TLSConnection is a ConnectionProvider that connects to an MQTT server with
// TLS over TCP.
func TLSConnection(
	hostname string,
	port int,
	tlsConfigProvider TLSConfigProvider,
) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		if tlsConfigProvider == nil {
			// use the zero configuration by default
			tlsConfigProvider = ConstantTLSConfig(nil)
		}

		config, err := tlsConfigProvider(ctx)
		if err != nil {
			return nil, &errors.Error{
				Message:     "error getting TLS configuration",
				Kind:        errors.ConfigurationInvalid,
				NestedError: err,
			}
		}

		d := tls.Dialer{Config: config}
		conn, err := d.DialContext(
			ctx,
			"tcp",
			fmt.Sprintf("%s:%d", hostname, port),
		)
		if err != nil {
			return nil, &errors.Error{
				Message:     "error opening TLS connection",
				Kind:        errors.UnknownError,
				NestedError: err,
			}
		}
		return packets.NewThreadSafeConn(conn), nil
	}
}

// WebSocketConnection is a ConnectionProvider that connects to an MQTT
// server over a WebSocket (ws:// or wss:// URL), for brokers reachable only
// through an HTTP ingress.
func WebSocketConnection(url string) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		d := websocket.Dialer{
			Proxy:        http.ProxyFromEnvironment,
			Subprotocols: []string{"mqtt"},
		}
		ws, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, &errors.Error{
				Message:     "error opening WebSocket connection",
				Kind:        errors.UnknownError,
				NestedError: err,
			}
		}
		return packets.NewThreadSafeConn(&wsConn{ws: ws}), nil
	}
}

// wsConn adapts a WebSocket connection to net.Conn. MQTT packets are carried
// in binary messages; a single Read may span message boundaries.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			// Message exhausted; continue with the next one.
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
