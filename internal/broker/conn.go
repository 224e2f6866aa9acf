// Package broker owns one MQTT connection per broker data source and feeds
// inbound messages to a Handler.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"dustrak-core/internal/events"
	"dustrak-core/internal/metrics"
	"dustrak-core/internal/store"
)

const (
	DefaultDataTopic    = "sensor/data"
	DefaultStatusTopic  = "dustrak/status"
	DefaultControlTopic = "dustrak/control"

	// DefaultReconnectDelay is the fixed pause between connection attempts.
	DefaultReconnectDelay = 15 * time.Second

	defaultTLSPort = "8883"
	publishTimeout = 5 * time.Second
	defaultQueue   = 256
)

var connectTimeout = 10 * time.Second

var (
	// ErrConfiguration marks a data source that cannot be connected as configured.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotConnected is returned when publishing on a connection that is down or closing.
	ErrNotConnected = errors.New("not connected")
)

// Handler receives inbound messages. Calls for one connection are sequential.
type Handler interface {
	Handle(ctx context.Context, dataSourceID int64, topic string, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, dataSourceID int64, topic string, payload []byte)

func (f HandlerFunc) Handle(ctx context.Context, dataSourceID int64, topic string, payload []byte) {
	f(ctx, dataSourceID, topic, payload)
}

// ClientFactory builds a paho client. Tests replace it with a fake.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Options are shared by every connection of a Manager.
type Options struct {
	ClientIDPrefix     string
	Topics             []string // used when a data source has none of its own
	ControlTopic       string
	ReconnectDelay     time.Duration
	InsecureSkipVerify bool
	QueueSize          int
	NewClient          ClientFactory
	Events             *events.Bus // receives source_state events; may be nil
}

func (o Options) withDefaults() Options {
	if o.ClientIDPrefix == "" {
		o.ClientIDPrefix = "dustrak-core"
	}
	if len(o.Topics) == 0 {
		o.Topics = []string{DefaultDataTopic, DefaultStatusTopic}
	}
	if o.ControlTopic == "" {
		o.ControlTopic = DefaultControlTopic
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueue
	}
	if o.NewClient == nil {
		o.NewClient = pahomqtt.NewClient
	}
	return o
}

type inbound struct {
	topic   string
	payload []byte
}

// Conn is the connection for a single data source. Its reconnect loop and its
// receive loop run in their own goroutines; faults stay inside the connection.
type Conn struct {
	source  *store.DataSource
	url     string
	useTLS  bool
	topics  []string
	opts    Options
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbox chan inbound
	lost  chan error

	mu        sync.Mutex
	session   pahomqtt.Client // client of the current connect attempt
	client    pahomqtt.Client // set once subscribed
	closing   bool
	lastError string
	publishes sync.WaitGroup

	connected atomic.Bool
	started   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewConn validates ds and prepares a connection. It returns an error wrapping
// ErrConfiguration when the data source is not a usable broker.
func NewConn(ds *store.DataSource, h Handler, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Conn, error) {
	opts = opts.withDefaults()
	if ds.Kind != store.KindBroker {
		return nil, fmt.Errorf("data source %d: kind %q is not a broker: %w", ds.ID, ds.Kind, ErrConfiguration)
	}
	if !ds.AllowAnonymous && (ds.Username == "" || ds.Password == "") {
		return nil, fmt.Errorf("data source %d: missing credentials: %w", ds.ID, ErrConfiguration)
	}
	u, useTLS, err := brokerURL(ds.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("data source %d: %v: %w", ds.ID, err, ErrConfiguration)
	}
	topics := ds.Topics
	if len(topics) == 0 {
		topics = opts.Topics
	}

	return &Conn{
		source:  ds,
		url:     u,
		useTLS:  useTLS,
		topics:  topics,
		opts:    opts,
		handler: h,
		logger:  logger.With("component", "broker", "source", ds.ID),
		metrics: m,
		inbox:   make(chan inbound, opts.QueueSize),
		lost:    make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// brokerURL normalizes an endpoint. A bare host gets TLS on 8883.
func brokerURL(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", false, errors.New("empty endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			endpoint = net.JoinHostPort(endpoint, defaultTLSPort)
		}
		return "ssl://" + endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "tcps", "wss":
		return endpoint, true, nil
	case "tcp", "mqtt", "ws":
		return endpoint, false, nil
	default:
		return "", false, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// ID returns the data source ID.
func (c *Conn) ID() int64 { return c.source.ID }

// Connected reports whether the MQTT session is currently up.
func (c *Conn) Connected() bool { return c.connected.Load() }

// LastError returns the most recent connect or transport error, if any.
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Start launches the reconnect and receive loops. They run until Close or ctx is done.
func (c *Conn) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run(ctx)
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		c.receive(ctx)
	}()

	for {
		err := c.connect()
		if err == nil {
			select {
			case err = <-c.lost:
				c.logger.Warn("MQTT connection lost", "err", err, "retry_in", c.opts.ReconnectDelay)
			case <-c.stop:
				c.shutdown(recvDone)
				return
			case <-ctx.Done():
				c.shutdown(recvDone)
				return
			}
		} else {
			c.logger.Warn("MQTT connect failed", "broker", c.url, "err", err, "retry_in", c.opts.ReconnectDelay)
		}
		c.setDown(err)

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-timer.C:
			c.metrics.Reconnect(c.source.ID)
		case <-c.stop:
			timer.Stop()
			c.shutdown(recvDone)
			return
		case <-ctx.Done():
			timer.Stop()
			c.shutdown(recvDone)
			return
		}
	}
}

func (c *Conn) connect() error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(c.url).
		SetClientID(fmt.Sprintf("%s-%d-%s", c.opts.ClientIDPrefix, c.source.ID, uuid.NewString()[:8])).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(cl pahomqtt.Client, err error) {
			c.mu.Lock()
			current := cl == c.session
			c.mu.Unlock()
			if !current {
				return
			}
			select {
			case c.lost <- err:
			default:
			}
		})
	if c.source.Username != "" {
		opts.SetUsername(c.source.Username)
		opts.SetPassword(c.source.Password)
	}
	if c.useTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: c.opts.InsecureSkipVerify})
	}

	// Drop a loss notification left over from the previous session.
	select {
	case <-c.lost:
	default:
	}

	client := c.opts.NewClient(opts)
	c.mu.Lock()
	c.session = client
	c.mu.Unlock()
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(250)
		return fmt.Errorf("mqtt connect: timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = 1
	}
	sub := client.SubscribeMultiple(filters, c.onMessage)
	if !sub.WaitTimeout(connectTimeout) {
		client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe: timeout after %s", connectTimeout)
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.lastError = ""
	c.mu.Unlock()
	c.connected.Store(true)
	c.metrics.Connected(c.source.ID, true)
	c.logger.Info("MQTT connected", "broker", c.url, "topics", c.topics)
	c.emitState(true, "")
	return nil
}

// setDown marks the connection down. A source_state event is emitted when the
// session was up or the error changed, so retries against a dead broker stay quiet.
func (c *Conn) setDown(err error) {
	wasUp := c.connected.Swap(false)
	c.metrics.Connected(c.source.ID, false)
	c.mu.Lock()
	c.session = nil
	c.client = nil
	changed := wasUp
	if err != nil && err.Error() != c.lastError {
		c.lastError = err.Error()
		changed = true
	}
	lastError := c.lastError
	c.mu.Unlock()
	if changed {
		c.emitState(false, lastError)
	}
}

func (c *Conn) emitState(connected bool, lastError string) {
	if c.opts.Events == nil {
		return
	}
	c.opts.Events.Emit(events.SourceState, map[string]any{
		"data_source_id": c.source.ID,
		"connected":      connected,
		"error":          lastError,
	})
}

// onMessage runs on the paho goroutine and must not block it.
func (c *Conn) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	c.metrics.Received(c.source.ID)
	select {
	case c.inbox <- inbound{topic: msg.Topic(), payload: msg.Payload()}:
	default:
		c.metrics.Dropped("queue_full")
		c.logger.Warn("inbound queue full, dropping message", "topic", msg.Topic())
	}
}

// receive hands queued messages to the handler one at a time.
func (c *Conn) receive(ctx context.Context) {
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case m := <-c.inbox:
			c.handle(ctx, m)
		}
	}
}

func (c *Conn) handle(ctx context.Context, m inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panic", "topic", m.topic, "panic", r)
		}
	}()
	c.handler.Handle(ctx, c.source.ID, m.topic, m.payload)
}

// Publish sends payload on topic at QoS 1. The broker acknowledgement is
// awaited in the background; Close waits for it.
func (c *Conn) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	client := c.client
	if c.closing || client == nil || !c.connected.Load() {
		c.mu.Unlock()
		return fmt.Errorf("data source %d: %w", c.source.ID, ErrNotConnected)
	}
	c.publishes.Add(1)
	c.mu.Unlock()

	token := client.Publish(topic, 1, false, payload)
	go func() {
		defer c.publishes.Done()
		if !token.WaitTimeout(publishTimeout) {
			c.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			c.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
	return nil
}

// PublishControl publishes on the configured control topic.
func (c *Conn) PublishControl(payload []byte) error {
	return c.Publish(c.opts.ControlTopic, payload)
}

// shutdown lets the message being handled finish, drains in-flight publishes,
// then unsubscribes and disconnects.
func (c *Conn) shutdown(recvDone <-chan struct{}) {
	c.stopOnce.Do(func() { close(c.stop) })
	<-recvDone

	c.mu.Lock()
	c.closing = true
	client := c.client
	c.mu.Unlock()

	c.publishes.Wait()

	if client != nil && c.connected.Load() {
		if t := client.Unsubscribe(c.topics...); !t.WaitTimeout(publishTimeout) {
			c.logger.Warn("MQTT unsubscribe timeout")
		}
		client.Disconnect(1000)
	}
	c.setDown(nil)
	c.logger.Info("MQTT connection closed")
}

// Close stops the connection and blocks until it has shut down.
func (c *Conn) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}
