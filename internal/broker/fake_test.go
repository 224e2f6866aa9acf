package broker

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeToken completes immediately unless release is set.
type fakeToken struct {
	err     error
	release chan struct{}
}

func (t *fakeToken) Wait() bool {
	if t.release != nil {
		<-t.release
	}
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	if t.release == nil {
		return true
	}
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	if t.release != nil {
		return t.release
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	opts        *pahomqtt.ClientOptions
	connectErr  error
	connectHang bool // Connect never completes
	pubToken    *fakeToken

	mu           sync.Mutex
	connected    bool
	handler      pahomqtt.MessageHandler
	subscribed   map[string]byte
	published    []published
	unsubscribed []string
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	if c.connectHang {
		return &fakeToken{release: make(chan struct{})}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	tok := c.pubToken
	c.mu.Unlock()
	if tok != nil {
		return tok
	}
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, cb)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = filters
	c.handler = cb
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.NewOptionsReader(c.opts)
}

// deliver simulates an inbound message from the broker.
func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

// loseConnection simulates a transport failure.
func (c *fakeClient) loseConnection(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(c, err)
}

func (c *fakeClient) snapshot() (pubs []published, unsub []string, disconnected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...), append([]string(nil), c.unsubscribed...), c.disconnected
}

// fakeBroker hands out fake clients and records them.
type fakeBroker struct {
	mu          sync.Mutex
	clients     []*fakeClient
	connectErrs []error // consumed one per client
	hangs       int     // number of clients whose Connect never completes
	pubToken    *fakeToken
	created     chan *fakeClient
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{created: make(chan *fakeClient, 16)}
}

func (b *fakeBroker) factory(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	b.mu.Lock()
	c := &fakeClient{opts: opts, pubToken: b.pubToken}
	if len(b.connectErrs) > 0 {
		c.connectErr = b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
	} else if b.hangs > 0 {
		c.connectHang = true
		b.hangs--
	}
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	b.created <- c
	return c
}

// next waits for the next client to be created.
func (b *fakeBroker) next(t *testing.T) *fakeClient {
	t.Helper()
	select {
	case c := <-b.created:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

var errBrokerDown = errors.New("broker down")
