// Package natsconn manages the single persistent event connection for a
// session. Only this package opens or closes the connection; every other
// component interacts with it through publish and subscribe.
package natsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teamly-hr/chatstream/pkg/logger"
	"github.com/teamly-hr/chatstream/pkg/metrics"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Config holds connection configuration.
type Config struct {
	URL           string
	CAFile        string
	CertFile      string
	KeyFile       string
	Token         string
	ReconnectWait time.Duration
}

// Conn wraps the live connection with an explicit lifecycle. Publishing
// while disconnected is a logged no-op: the message simply stays in its
// sending state until an acknowledgment arrives after reconnection.
type Conn struct {
	mu     sync.RWMutex
	nc     *nats.Conn
	state  State
	logger *logger.Logger

	// onReconnect re-establishes subscriptions from scratch after a drop.
	onReconnect func()
}

// Connect establishes the connection. Reconnection is automatic at a fixed
// delay and never gives up.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Conn, error) {
	c := &Conn{state: StateConnecting, logger: log}
	metrics.SetConnectionState(string(StateConnecting))

	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.setState(StateConnecting)
			log.Warn("event connection dropped", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setState(StateOpen)
			log.Info("event connection re-established")
			c.mu.RLock()
			cb := c.onReconnect
			c.mu.RUnlock()
			if cb != nil {
				cb()
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("event connection error", zap.Error(err))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.setState(StateClosed)
			log.Info("event connection closed")
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		c.setState(StateIdle)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()
	c.setState(StateOpen)
	return c, nil
}

// OnReconnect registers the callback invoked after the connection comes
// back; the subscription registry uses it to re-establish every channel.
func (c *Conn) OnReconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = cb
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetConnectionState(string(s))
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the connection is open.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Publish marshals the payload and publishes it. Publishing while
// disconnected is absorbed as a logged no-op; an explicit rejection from
// the transport is returned so the caller can mark the send failed.
func (c *Conn) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}

	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()

	if nc == nil || nc.IsClosed() {
		c.logger.Warn("publish while disconnected dropped", zap.String("topic", topic))
		return nil
	}
	if err := nc.Publish(topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe attaches a handler to a topic. The returned subscription is
// owned by the caller.
func (c *Conn) Subscribe(topic string, handler func(topic string, data []byte)) (*nats.Subscription, error) {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()

	if nc == nil || nc.IsClosed() {
		return nil, fmt.Errorf("subscribe to %s: connection not active", topic)
	}
	sub, err := nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return sub, nil
}

// Close tears the connection down.
func (c *Conn) Close() {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	c.setState(StateClosed)
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
