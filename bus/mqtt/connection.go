// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/options"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

type (
	// Connection is a Client over a single MQTT v5 connection. It performs
	// no automatic reconnection: on connection loss, Connect must be called
	// again and subscriptions re-established. The bridge's at-most-once
	// posture makes lost-session gaps equivalent to dropped events.
	Connection struct {
		provider ConnectionProvider

		clientID      string
		username      string
		password      []byte
		keepAlive     uint16
		sessionExpiry uint32
		cleanStart    bool

		mu     sync.Mutex
		client *paho.Client

		log log.Logger
	}

	// ConnectionOption represents a single connection option.
	ConnectionOption interface{ connection(*ConnectionOptions) }

	// ConnectionOptions are the resolved connection options.
	ConnectionOptions struct {
		// ClientID identifies this client to the broker; empty generates
		// one.
		ClientID string

		// Username and Password are the broker credentials.
		Username string
		Password []byte

		// KeepAlive is the MQTT keep-alive interval in seconds.
		KeepAlive uint16

		// SessionExpiry is the session expiry interval in seconds.
		SessionExpiry uint32

		// CleanStart requests a fresh session on connect.
		CleanStart bool

		Logger *slog.Logger
	}

	// WithClientID sets the MQTT client id.
	WithClientID string

	// WithUsername sets the broker username.
	WithUsername string

	// WithPassword sets the broker password.
	WithPassword []byte

	// WithKeepAlive sets the MQTT keep-alive interval in seconds.
	WithKeepAlive uint16

	// WithSessionExpiry sets the session expiry interval in seconds.
	WithSessionExpiry uint32

	// WithCleanStart requests a fresh session on connect.
	WithCleanStart bool

	// This option is not used directly; see WithLogger below.
	withLogger struct{ *slog.Logger }

	// subscription is an open subscription on a Connection.
	subscription struct {
		conn   *Connection
		topic  string
		remove func()
	}
)

// DefaultKeepAlive is the keep-alive interval used when none is configured.
const DefaultKeepAlive uint16 = 60

// NewConnection creates a client that dials the broker via the provider.
func NewConnection(
	provider ConnectionProvider,
	opt ...ConnectionOption,
) (*Connection, error) {
	var opts ConnectionOptions
	opts.Apply(opt)

	if provider == nil {
		return nil, &errors.Error{
			Message:      "connection provider must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "provider",
		}
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = RandomClientID()
	}

	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}

	return &Connection{
		provider:      provider,
		clientID:      clientID,
		username:      opts.Username,
		password:      opts.Password,
		keepAlive:     keepAlive,
		sessionExpiry: opts.SessionExpiry,
		cleanStart:    opts.CleanStart,
		log:           log.Wrap(opts.Logger),
	}, nil
}

// RandomClientID generates a random MQTT client id. Client ids must be
// between 1 and 23 bytes, so the UUID is truncated.
func RandomClientID() string {
	return "cw-" + uuid.NewString()[:20]
}

// ClientID returns the MQTT client id for this connection.
func (c *Connection) ClientID() string {
	return c.clientID
}

// Connect dials the broker and establishes the MQTT session.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return &errors.Error{
			Message: "already connected",
			Kind:    errors.StateInvalid,
		}
	}

	conn, err := c.provider(ctx)
	if err != nil {
		return err
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: c.clientID,
		OnClientError: func(err error) {
			c.log.Warn(context.Background(), "mqtt client error",
				slog.String("error", err.Error()))
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.log.Warn(context.Background(), "mqtt server disconnect",
				slog.Int("reason_code", int(d.ReasonCode)))
		},
	})

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:     c.clientID,
		CleanStart:   c.cleanStart,
		KeepAlive:    c.keepAlive,
		Username:     c.username,
		UsernameFlag: c.username != "",
		Password:     c.password,
		PasswordFlag: len(c.password) != 0,
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &c.sessionExpiry,
		},
	})
	if err != nil {
		return &errors.Error{
			Message:     "MQTT connect failed",
			Kind:        errors.UnknownError,
			NestedError: err,
		}
	}
	if connack.ReasonCode >= 0x80 {
		return reasonError("MQTT connect", connack.ReasonCode)
	}

	c.client = client
	c.log.Info(ctx, "mqtt connected", slog.String("client_id", c.clientID))
	return nil
}

// Disconnect sends the disconnect packet and closes the connection.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return &errors.Error{
			Message: "not connected",
			Kind:    errors.StateInvalid,
		}
	}

	err := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	c.client = nil
	return err
}

// Subscribe sends the subscribe packet and registers the handler for
// messages matching the topic filter. Subscriptions do not survive a
// disconnect.
func (c *Connection) Subscribe(
	ctx context.Context,
	topic string,
	handler MessageHandler,
	opts ...SubscribeOption,
) (Subscription, error) {
	var opt SubscribeOptions
	opt.Apply(opts)

	if handler == nil {
		return nil, &errors.Error{
			Message:      "handler must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "handler",
		}
	}
	if opt.QoS >= 2 {
		return nil, &errors.Error{
			Message:       "unsupported QoS",
			Kind:          errors.ArgumentInvalid,
			PropertyName:  "QoS",
			PropertyValue: opt.QoS,
		}
	}

	client, err := c.connected()
	if err != nil {
		return nil, err
	}

	remove := client.AddOnPublishReceived(
		func(pb paho.PublishReceived) (bool, error) {
			if !IsTopicFilterMatch(topic, pb.Packet.Topic) {
				return false, nil
			}
			if err := handler(ctx, toMessage(pb.Packet)); err != nil {
				c.log.Err(ctx, err, slog.String("topic", pb.Packet.Topic))
				return false, err
			}
			return true, nil
		},
	)

	suback, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:             topic,
			QoS:               byte(opt.QoS),
			NoLocal:           opt.NoLocal,
			RetainAsPublished: opt.Retain,
			RetainHandling:    opt.RetainHandling,
		}},
		Properties: &paho.SubscribeProperties{
			User: mapToUserProperties(opt.UserProperties),
		},
	})
	if err != nil {
		remove()
		return nil, &errors.Error{
			Message:     "MQTT subscribe failed",
			Kind:        errors.UnknownError,
			NestedError: err,
		}
	}
	if len(suback.Reasons) > 0 && suback.Reasons[0] >= 0x80 {
		remove()
		return nil, reasonError("MQTT subscribe", suback.Reasons[0])
	}

	return &subscription{conn: c, topic: topic, remove: remove}, nil
}

// Publish sends a message to the broker.
func (c *Connection) Publish(
	ctx context.Context,
	topic string,
	payload []byte,
	opts ...PublishOption,
) error {
	var opt PublishOptions
	opt.Apply(opts)

	if opt.QoS >= 2 {
		return &errors.Error{
			Message:       "unsupported QoS",
			Kind:          errors.ArgumentInvalid,
			PropertyName:  "QoS",
			PropertyValue: opt.QoS,
		}
	}

	client, err := c.connected()
	if err != nil {
		return err
	}

	pub := &paho.Publish{
		QoS:     byte(opt.QoS),
		Retain:  opt.Retain,
		Topic:   topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType:     opt.ContentType,
			CorrelationData: opt.CorrelationData,
			ResponseTopic:   opt.ResponseTopic,
			User:            mapToUserProperties(opt.UserProperties),
		},
	}
	if opt.MessageExpiry > 0 {
		pub.Properties.MessageExpiry = &opt.MessageExpiry
	}

	resp, err := client.Publish(ctx, pub)
	if err != nil {
		return &errors.Error{
			Message:     "MQTT publish failed",
			Kind:        errors.UnknownError,
			NestedError: err,
		}
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return reasonError("MQTT publish", resp.ReasonCode)
	}
	return nil
}

// Unsubscribe closes the subscription and unregisters its handler.
func (s *subscription) Unsubscribe(
	ctx context.Context,
	opts ...UnsubscribeOption,
) error {
	var opt UnsubscribeOptions
	opt.Apply(opts)

	client, err := s.conn.connected()
	if err != nil {
		return err
	}

	unsuback, err := client.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{s.topic},
		Properties: &paho.UnsubscribeProperties{
			User: mapToUserProperties(opt.UserProperties),
		},
	})
	if err != nil {
		return &errors.Error{
			Message:     "MQTT unsubscribe failed",
			Kind:        errors.UnknownError,
			NestedError: err,
		}
	}
	if len(unsuback.Reasons) > 0 && unsuback.Reasons[0] >= 0x80 {
		return reasonError("MQTT unsubscribe", unsuback.Reasons[0])
	}

	s.remove()
	return nil
}

func (c *Connection) connected() (*paho.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &errors.Error{
			Message: "not connected",
			Kind:    errors.StateInvalid,
		}
	}
	return c.client, nil
}

// reasonError translates a failure reason code into an error.
func reasonError(op string, code byte) error {
	return &errors.Error{
		Message:       fmt.Sprintf("%s returned reason code 0x%02x", op, code),
		Kind:          errors.UnknownError,
		PropertyName:  "ReasonCode",
		PropertyValue: code,
	}
}

// toMessage converts a received packet into a Message.
func toMessage(p *paho.Publish) *Message {
	msg := &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		PublishOptions: PublishOptions{
			QoS:    QoS(p.QoS),
			Retain: p.Retain,
		},
	}
	if p.Properties != nil {
		msg.ContentType = p.Properties.ContentType
		msg.CorrelationData = p.Properties.CorrelationData
		msg.ResponseTopic = p.Properties.ResponseTopic
		if p.Properties.MessageExpiry != nil {
			msg.MessageExpiry = *p.Properties.MessageExpiry
		}
		msg.UserProperties = userPropertiesToMap(p.Properties.User)
	}
	return msg
}

// userPropertiesToMap converts user properties to a map.
func userPropertiesToMap(ups paho.UserProperties) map[string]string {
	if len(ups) == 0 {
		return nil
	}
	m := make(map[string]string, len(ups))
	for _, prop := range ups {
		m[prop.Key] = prop.Value
	}
	return m
}

// mapToUserProperties converts a map to user properties.
func mapToUserProperties(m map[string]string) paho.UserProperties {
	ups := make(paho.UserProperties, 0, len(m))
	for key, value := range m {
		ups = append(ups, paho.UserProperty{Key: key, Value: value})
	}
	return ups
}

// Apply resolves the provided list of options.
func (o *ConnectionOptions) Apply(
	opts []ConnectionOption,
	rest ...ConnectionOption,
) {
	for opt := range options.Apply[ConnectionOption](opts, rest...) {
		opt.connection(o)
	}
}

func (o *ConnectionOptions) connection(opt *ConnectionOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithClientID) connection(opt *ConnectionOptions) {
	opt.ClientID = string(o)
}

func (o WithUsername) connection(opt *ConnectionOptions) {
	opt.Username = string(o)
}

func (o WithPassword) connection(opt *ConnectionOptions) {
	opt.Password = []byte(o)
}

func (o WithKeepAlive) connection(opt *ConnectionOptions) {
	opt.KeepAlive = uint16(o)
}

func (o WithSessionExpiry) connection(opt *ConnectionOptions) {
	opt.SessionExpiry = uint32(o)
}

func (o WithCleanStart) connection(opt *ConnectionOptions) {
	opt.CleanStart = bool(o)
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(logger *slog.Logger) interface {
	ConnectionOption
	BridgeOption
} {
	return withLogger{logger}
}

func (o withLogger) connection(opt *ConnectionOptions) {
	opt.Logger = o.Logger
}
