// Package cloud manages the persistent MQTT session to the cloud IoT
// broker. One session per gateway triple carries telemetry for every
// bridged device; reconnection and keep-alive are handled here so the
// discovery and push loops only ever see a Publish that either works
// or fails fast.
package cloud

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/oakhollow/iotbridge/internal/config"
)

// Sentinel errors for publish failures.
var (
	// ErrNotConnected is returned by Publish when no live session
	// exists, including while a reconnect attempt is in progress.
	ErrNotConnected = errors.New("cloud session not connected")

	// ErrPublishTimeout is returned when the broker does not
	// acknowledge a publish within the bounded window.
	ErrPublishTimeout = errors.New("cloud publish not acknowledged in time")
)

// publishTimeout bounds how long a single publish waits for the broker ack.
const publishTimeout = 5 * time.Second

// ConnState is the session connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// CredentialFunc derives the MQTT username and password from the
// gateway triple. The default uses the device name and plain secret;
// platforms with an HMAC-signed token scheme plug in their own.
type CredentialFunc func(config.Triple) (username, password string)

// PlainCredentials is the default credential scheme: username is the
// device name, password is the device secret.
func PlainCredentials(t config.Triple) (string, string) {
	return t.DeviceName, t.DeviceSecret
}

// StaticCredentials uses explicitly configured broker credentials.
// Fields left empty keep the triple-derived value, so overriding only
// the username (or only the password) works.
func StaticCredentials(username, password string) CredentialFunc {
	return func(t config.Triple) (string, string) {
		u, p := PlainCredentials(t)
		if username != "" {
			u = username
		}
		if password != "" {
			p = password
		}
		return u, p
	}
}

// Sink receives session state transitions for persistence.
// Implemented by journal.Store; a nil sink disables persistence.
type Sink interface {
	SessionTransition(event, detail string)
}

// SessionConfig configures the cloud session.
type SessionConfig struct {
	Gateway config.Triple
	Host    string
	Port    int

	KeepAliveSec int

	// RetryAttempts bounds the reconnect attempts counted before the
	// session is reported degraded. The underlying connection manager
	// keeps retrying in the background, so a degraded session recovers
	// without intervention when the broker comes back.
	RetryAttempts int

	Topics      Topics
	Credentials CredentialFunc

	// UseTLS connects with mqtts instead of plain TCP.
	UseTLS bool

	Logger *slog.Logger
	Sink   Sink
}

// Session owns the MQTT connection to the cloud broker. All methods
// are safe for concurrent use: the pusher may publish for several
// devices while the connection manager reconnects underneath.
type Session struct {
	cfg      SessionConfig
	clientID string
	topics   Topics
	logger   *slog.Logger

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
	started   atomic.Bool

	mu           sync.Mutex
	lastErr      error
	connectFails int
	degraded     bool
	onDisconnect []func(error)

	commands *commandRouter
}

// NewSession creates a session. Call Start to connect.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Credentials == nil {
		cfg.Credentials = PlainCredentials
	}
	if (cfg.Topics == Topics{}) {
		cfg.Topics = DefaultTopics()
	}

	return &Session{
		cfg:      cfg,
		clientID: cfg.Gateway.ProductKey + "_" + cfg.Gateway.DeviceName,
		topics:   cfg.Topics,
		logger:   cfg.Logger,
	}
}

// ClientID returns the MQTT client identity derived from the gateway triple.
func (s *Session) ClientID() string {
	return s.clientID
}

// OnDisconnect registers a handler invoked when the session drops
// unexpectedly. Handlers run on the connection manager's goroutine and
// must not block. Must be called before Start.
func (s *Session) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// SetCommandHandler wires downlink command handling: commands arriving
// on each device's command topic are replied to and synced into Home
// Assistant. Must be called before Start.
func (s *Session) SetCommandHandler(devices []config.Triple, syncer EntityStateSyncer) {
	s.commands = newCommandRouter(s, devices, syncer, s.logger)
}

// Start establishes the MQTT session and returns once the broker has
// accepted the connection or ctx expires. The underlying connection
// manager keeps the session alive (and reconnects with backoff) until
// Stop is called or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("cloud session already started")
	}

	scheme := "mqtt"
	if s.cfg.UseTLS {
		scheme = "mqtts"
	}
	brokerURL, err := url.Parse(fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	username, password := s.cfg.Credentials(s.cfg.Gateway)

	keepAlive := uint16(60)
	if s.cfg.KeepAliveSec > 0 {
		keepAlive = uint16(s.cfg.KeepAliveSec)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		ConnectUsername:               username,
		ConnectPassword:               []byte(password),
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         3600,
		WillMessage:                   s.willMessage(),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.handleConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.handleConnectError(err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID,
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.handleDisconnect(fmt.Errorf("broker disconnect, reason code %d", d.ReasonCode))
			},
			OnClientError: func(err error) {
				s.handleDisconnect(err)
			},
		},
	}

	if s.cfg.UseTLS {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	if s.commands != nil {
		cm.AddOnPublishReceived(s.commands.route(ctx))
	}

	s.logger.Info("cloud session connecting",
		"broker", brokerURL.String(),
		"client_id", s.clientID,
	)
	s.transition("connecting", brokerURL.String())

	// Wait for the initial connection. Failure here is not fatal: the
	// connection manager keeps retrying in the background and the
	// session stays in the degraded fail-fast state until it succeeds.
	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("cloud initial connection timed out, retrying in background",
			"broker", brokerURL.String(), "error", err)
	}

	return nil
}

// Stop publishes nothing further and closes the MQTT session cleanly
// (DISCONNECT packet, not a dropped socket). The context bounds how
// long to wait. The connected flag flips before anything else so a
// concurrent Publish fails fast the moment shutdown begins.
func (s *Session) Stop(ctx context.Context) error {
	s.connected.Store(false)
	if s.cm == nil {
		return nil
	}
	// A clean disconnect suppresses the will, so the gateway reports
	// offline explicitly before the DISCONNECT packet.
	s.publishStatus(ctx, s.cm, "offline")
	s.transition("disconnect", "shutdown requested")
	return s.cm.Disconnect(ctx)
}

// willMessage is the broker-side death notice: if the session dies
// without a clean disconnect, the broker publishes offline on the
// gateway's status topic.
func (s *Session) willMessage() *paho.WillMessage {
	return &paho.WillMessage{
		Topic:   s.topics.StatusFor(s.cfg.Gateway),
		Payload: statusPayload("offline"),
		QoS:     1,
		Retain:  true,
	}
}

func statusPayload(status string) []byte {
	return []byte(fmt.Sprintf(`{"status":%q}`, status))
}

func (s *Session) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if cm == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   s.topics.StatusFor(s.cfg.Gateway),
		Payload: statusPayload(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		s.logger.Warn("gateway status publish failed", "status", status, "error", err)
	}
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by connwatch health probes.
func (s *Session) AwaitConnection(ctx context.Context) error {
	if s.cm == nil {
		return errors.New("cloud session not started")
	}
	return s.cm.AwaitConnection(ctx)
}

// State returns the current connection state and the last error seen.
func (s *Session) State() (ConnState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return StateConnected, nil
	}
	if s.started.Load() && s.cm != nil {
		return StateConnecting, s.lastErr
	}
	return StateDisconnected, s.lastErr
}

// Publish sends a message on the current session with QoS 1. It fails
// fast with ErrNotConnected when no live session exists — including
// while a reconnect is in progress — and with ErrPublishTimeout when
// the broker does not acknowledge within the bounded window.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err := s.cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("publish %s: %w", topic, ErrPublishTimeout)
		}
		if !s.connected.Load() {
			return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	s.logger.Log(ctx, config.LevelTrace, "cloud publish acknowledged",
		"topic", topic, "payload_size", len(payload))
	return nil
}

// Topics returns the topic layout in use.
func (s *Session) Topics() Topics {
	return s.topics
}

func (s *Session) handleConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	s.mu.Lock()
	s.connectFails = 0
	s.degraded = false
	s.lastErr = nil
	s.mu.Unlock()
	s.connected.Store(true)

	s.logger.Info("cloud session connected",
		"broker", s.cfg.Host, "client_id", s.clientID)
	s.transition("connected", s.cfg.Host)

	// Retained, so the platform sees online until the will replaces it.
	s.publishStatus(ctx, cm, "online")

	if s.commands != nil {
		// Subscriptions do not survive a broken session, so they are
		// re-established on every (re-)connect.
		s.commands.subscribe(ctx, cm)
	}
}

func (s *Session) handleConnectError(err error) {
	s.connected.Store(false)

	s.mu.Lock()
	s.lastErr = err
	s.connectFails++
	fails := s.connectFails
	firstDegrade := !s.degraded && s.cfg.RetryAttempts > 0 && fails >= s.cfg.RetryAttempts
	if firstDegrade {
		s.degraded = true
	}
	s.mu.Unlock()

	// Credential rejections surface here as CONNACK failures. They get
	// the same bounded-backoff treatment as network loss: the fleet
	// stays up and publishes fail fast while the broker is away.
	s.logger.Warn("cloud connection attempt failed",
		"attempt", fails,
		"retry_attempts", s.cfg.RetryAttempts,
		"error", err,
	)

	if firstDegrade {
		s.logger.Error("cloud session degraded: reconnect attempts exhausted, publishes fail fast until the broker returns",
			"attempts", fails, "error", err)
		s.transition("degraded", err.Error())
	}
}

func (s *Session) handleDisconnect(err error) {
	// Only report a drop once per connection.
	if !s.connected.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	s.lastErr = err
	handlers := make([]func(error), len(s.onDisconnect))
	copy(handlers, s.onDisconnect)
	s.mu.Unlock()

	s.logger.Warn("cloud session dropped, reconnecting", "error", err)
	s.transition("disconnected", err.Error())

	for _, fn := range handlers {
		fn(err)
	}
}

func (s *Session) transition(event, detail string) {
	if s.cfg.Sink != nil {
		s.cfg.Sink.SessionTransition(event, detail)
	}
}
