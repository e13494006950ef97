// Package mqtt provides a receive-only MQTT client for meter controller topics. It wraps
// the Eclipse Paho library, resubscribes after every reconnection and supports TLS brokers.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/metrics"
)

const (
	defaultConnectTimeout = 10 * time.Second
	subscribeTimeout      = 10 * time.Second
	disconnectQuiesceMS   = 250
)

// Handler receives raw MQTT messages. Implementations must return promptly.
type Handler interface {
	OnMessage(topic string, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(topic string, payload []byte)

func (f HandlerFunc) OnMessage(topic string, payload []byte) { f(topic, payload) }

// Config holds broker connection and subscription parameters.
type Config struct {
	BrokerURL      string
	ClientID       string
	Topics         []string
	QoS            byte
	Username       string
	Password       string
	TLSCAFile      string
	ConnectTimeout time.Duration
}

// Client subscribes to the configured topics on connect and on every reconnect.
type Client struct {
	config                    Config
	pahoClient                paho.Client
	handler                   Handler
	logger                    *zap.Logger
	initialSubscriptionOnce   sync.Once
	initialSubscriptionResult chan error
	connects                  int32
}

// NewClient validates the configuration and builds the Paho client. No connection is
// opened until Connect is called.
func NewClient(config Config, handler Handler, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(config.BrokerURL) == "" {
		return nil, errors.New("mqtt: broker url required")
	}
	if len(config.Topics) == 0 {
		return nil, errors.New("mqtt: at least one topic required")
	}
	if handler == nil {
		return nil, errors.New("mqtt: handler required")
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", config.QoS)
	}
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		config:                    config,
		handler:                   handler,
		logger:                    logger.With(zap.String("component", "mqtt"), zap.String("client_id", config.ClientID)),
		initialSubscriptionResult: make(chan error, 1),
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			handler.OnMessage(msg.Topic(), msg.Payload())
		}).
		SetOnConnectHandler(client.handleConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			metrics.RecordMQTTConnection(false)
			client.logger.Warn("connection lost", zap.Error(err))
		})

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	if isTLSBroker(config.BrokerURL) {
		tlsConfig, err := newTLSConfig(config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: tls config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client.pahoClient = paho.NewClient(opts)
	return client, nil
}

// ClientID returns the identifier presented to the broker.
func (c *Client) ClientID() string {
	return c.config.ClientID
}

// Connect opens the connection and blocks until the first subscription round completes,
// the connect timeout elapses or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if c.pahoClient == nil {
		return errors.New("mqtt: client not initialized")
	}

	token := c.pahoClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect to %s: timeout", c.config.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", c.config.BrokerURL, err)
	}

	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case err, ok := <-c.initialSubscriptionResult:
		if !ok || err == nil {
			return nil
		}
		return err
	case <-timer.C:
		return errors.New("mqtt: initial subscribe timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.pahoClient != nil && c.pahoClient.IsConnectionOpen() {
		c.pahoClient.Disconnect(disconnectQuiesceMS)
		metrics.RecordMQTTConnection(false)
		c.logger.Info("disconnected")
	}
}

func (c *Client) handleConnect(pc paho.Client) {
	if err := c.subscribe(pc); err != nil {
		c.logger.Error("subscribe failed", zap.Error(err))
		c.completeInitialSubscription(fmt.Errorf("mqtt: subscribe: %w", err))
		return
	}

	n := atomic.AddInt32(&c.connects, 1)
	c.logger.Info("subscribed",
		zap.Strings("topics", c.config.Topics),
		zap.Uint8("qos", c.config.QoS),
		zap.Bool("reconnect", n > 1),
	)
	metrics.RecordMQTTConnection(true)
	c.completeInitialSubscription(nil)
}

func (c *Client) subscribe(pc paho.Client) error {
	for _, topic := range c.config.Topics {
		token := pc.Subscribe(topic, c.config.QoS, nil)
		if !token.WaitTimeout(subscribeTimeout) {
			return fmt.Errorf("subscribe to %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

// completeInitialSubscription delivers the first subscription result exactly once.
func (c *Client) completeInitialSubscription(err error) {
	c.initialSubscriptionOnce.Do(func() {
		c.initialSubscriptionResult <- err
		close(c.initialSubscriptionResult)
	})
}

func isTLSBroker(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "tls://") ||
		strings.HasPrefix(lower, "mqtts://") ||
		strings.HasPrefix(lower, "wss://")
}

func newTLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		cfg.RootCAs = pool
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in ca file")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func generateClientID() string {
	return "water-meter-" + uuid.NewString()
}
