package outbound

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration
	PublishTimeout   time.Duration

	QoS      byte
	Retained bool

	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// MQTTClient is a Transport backed by the Paho client. Reconnection is
// handled inside Paho; this wrapper tracks the connection edge for the
// drain predicate and wakes registered queues when the link comes back.
type MQTTClient struct {
	cfg    MQTTConfig
	logger zerolog.Logger
	paho   mqtt.Client

	connected atomic.Bool

	mu     sync.Mutex
	queues []*Queue
}

var _ Transport = (*MQTTClient)(nil)

// NewMQTTClient creates the client without connecting.
func NewMQTTClient(cfg MQTTConfig, logger zerolog.Logger) (*MQTTClient, error) {
	c := &MQTTClient{
		cfg:    cfg,
		logger: logger.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientIDPrefix, uuid.NewString()[:8]))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectWaitMax)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	if strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "tls://") ||
		strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(&cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		c.logger.Info().Msg("TLS configured for MQTT client")
	}

	c.paho = mqtt.NewClient(opts)
	return c, nil
}

// RegisterQueue adds a queue to wake on connect edges.
func (c *MQTTClient) RegisterQueue(q *Queue) {
	c.mu.Lock()
	c.queues = append(c.queues, q)
	c.mu.Unlock()
}

// ConnectAsync starts the connection attempt without blocking; Paho retries
// with its own backoff until the broker is reachable.
func (c *MQTTClient) ConnectAsync() {
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Connecting to MQTT broker")
	c.paho.Connect()
}

// Disconnect closes the broker connection, allowing in-flight work the
// given quiesce time in milliseconds.
func (c *MQTTClient) Disconnect(quiesceMs uint) {
	c.connected.Store(false)
	c.paho.Disconnect(quiesceMs)
}

// IsConnected reports the edge-tracked connection state.
func (c *MQTTClient) IsConnected() bool {
	return c.connected.Load()
}

// Publish sends one payload and waits for broker confirmation.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	token := c.paho.Publish(topic, c.cfg.QoS, c.cfg.Retained, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (c *MQTTClient) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("MQTT connected")

	c.mu.Lock()
	queues := append([]*Queue(nil), c.queues...)
	c.mu.Unlock()
	for _, q := range queues {
		q.Wake()
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.Warn().Err(err).Msg("MQTT connection lost, auto-reconnect will be attempted")
}

// newTLSConfig builds the TLS configuration for tls:// and ssl:// brokers.
func newTLSConfig(cfg *MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
