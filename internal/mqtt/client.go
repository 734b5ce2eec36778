package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

const (
	defaultKeepAlive          = 30 * time.Second
	defaultConnectRetry       = 5 * time.Second
	defaultMessageBufferDepth = 1024
	defaultPublishTimeout     = 10 * time.Second
)

// ErrNotConnected is returned by Publish before Start succeeds or after Stop.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds connection parameters for the MQTT broker.
type Config struct {
	BrokerHost   string
	BrokerPort   int
	Username     string
	Password     string
	TopicPrefix  string
	TopicSuffix  string
	ClientID     string
	KeepAlive    time.Duration
	ReconnectGap time.Duration
}

// SubscriptionTopic joins prefix and suffix into a valid MQTT subscription topic.
func (c Config) SubscriptionTopic() string {
	prefix := strings.TrimSuffix(c.TopicPrefix, "/")
	suffix := strings.TrimPrefix(c.TopicSuffix, "/")

	switch {
	case prefix == "" && suffix == "":
		return "#"
	case prefix == "":
		return suffix
	case suffix == "":
		return prefix
	default:
		return prefix + "/" + suffix
	}
}

func (c *Config) normalise() {
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ReconnectGap == 0 {
		c.ReconnectGap = defaultConnectRetry
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BrokerHost) == "" {
		return errors.New("mqtt: broker host must be provided")
	}
	if c.BrokerPort <= 0 {
		return errors.New("mqtt: broker port must be positive")
	}
	return nil
}

// Message represents a received MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	Time     time.Time
}

// Option customises the client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client manages MQTT connectivity, exposes an async message stream and
// publishes downlink messages.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	messages chan Message
	errs     chan error

	mu      sync.RWMutex
	client  mqtt.Client
	stopped bool

	stopOnce sync.Once
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalise()

	c := &Client{
		cfg:      cfg,
		logger:   observability.NoOpLogger(),
		messages: make(chan Message, defaultMessageBufferDepth),
		errs:     make(chan error, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.Component(c.logger, "mqtt")
	return c, nil
}

// Messages returns a read-only channel with incoming MQTT messages.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Errors returns asynchronous error notifications (connection loss, subscribe failures, etc.).
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Start connects to the broker and begins streaming messages until the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort))
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectGap)
	opts.SetAutoReconnect(true)

	if c.cfg.ClientID != "" {
		opts.SetClientID(c.cfg.ClientID)
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	topic := c.cfg.SubscriptionTopic()

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(Message{
			Topic:    msg.Topic(),
			Payload:  append([]byte(nil), msg.Payload()...),
			QoS:      msg.Qos(),
			Retained: msg.Retained(),
			Time:     time.Now(),
		})
	})

	opts.OnConnect = func(m mqtt.Client) {
		token := m.Subscribe(topic, 0, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			c.publishErr(fmt.Errorf("mqtt: subscribe failed for %s: %w", topic, err))
		} else {
			c.logger.Info("subscribed", slog.String("topic", topic))
		}
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.publishErr(fmt.Errorf("mqtt: connection lost: %w", err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.stop()
	}()

	return nil
}

// Publish sends a payload to topic with QoS 0 and waits for the broker
// handoff or ctx expiry.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	client, stopped := c.client, c.stopped
	c.mu.RUnlock()
	if client == nil || stopped || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, false, payload)
	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Stop terminates the MQTT session and closes channels.
func (c *Client) Stop() {
	c.stop()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped = true
		if c.client != nil && c.client.IsConnected() {
			c.client.Disconnect(250)
		}
		close(c.messages)
		close(c.errs)
	})
}

func (c *Client) deliver(msg Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.messages <- msg:
	default:
		c.logger.Warn("dropping message, channel full", slog.String("topic", msg.Topic))
	}
}

func (c *Client) publishErr(err error) {
	if err == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("dropping error", slog.Any("error", err))
	}
}
