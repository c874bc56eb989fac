// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidMessage means an inbound broker message misses the
	// required fetch_uri field. Such messages are dropped, not retried.
	ErrInvalidMessage = errors.New("fetchd: message has no fetch_uri value")
	// ErrEncoding means the extra fields of an inbound message could
	// not be re-encoded into the task's settings blob.
	ErrEncoding = errors.New("fetchd: cannot encode message info")
)

// Submitter accepts new tasks. The Gateway submits ingested messages
// through the same entry point as the request surface.
type Submitter interface {
	Schedule(task *Task) error
}

// Gateway is a resilient bidirectional bridge to a message broker. It
// consumes the inbound queue to create new tasks, publishes outbound
// result messages, reconnects with a growing backoff on connection or
// channel loss, and buffers unsent publishes for a later flush.
type Gateway struct {
	cfg       BrokerConfig
	appID     string
	submitter Submitter
	logger    Logger
	backoff   BackoffFunc
	fatal     func(error)

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	inRetry      map[string]bool // per resource: "connection", "channel"
	failures     int             // consecutive connection failures
	pending      []Message       // publishes awaiting a retry
	stopping     bool
	messagesIn   int
	messagesOut  int

	testConnected func() // testing hook
	testBuffered  func() // testing hook
}

// GatewayOption is the signature of an options provider.
type GatewayOption func(*Gateway)

// SetGatewayLogger specifies the logger used by the gateway.
func SetGatewayLogger(logger Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// SetBackoffFunc overrides the reconnect backoff. The default grows
// linearly by the configured increment, without an upper bound.
func SetBackoffFunc(fn BackoffFunc) GatewayOption {
	return func(g *Gateway) {
		if fn != nil {
			g.backoff = fn
		}
	}
}

// SetFatalFunc overrides what happens on an unrecognized broker
// failure. The default logs and terminates the process: the gateway
// does not attempt to mask unknown broker-protocol errors.
func SetFatalFunc(fn func(error)) GatewayOption {
	return func(g *Gateway) {
		if fn != nil {
			g.fatal = fn
		}
	}
}

// NewGateway creates a Gateway bridging the broker in cfg.Broker to
// the given task submitter.
func NewGateway(submitter Submitter, cfg Config, options ...GatewayOption) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:           cfg.Broker,
		appID:         cfg.AppID,
		submitter:     submitter,
		logger:        stdLogger{},
		backoff:       linearBackoff(cfg.Broker.RetryIncrement),
		inRetry:       make(map[string]bool),
		testConnected: nop,
		testBuffered:  nop,
	}
	g.fatal = func(err error) {
		g.logger.Printf("fetchd: gateway: terminating: %v", err)
		os.Exit(1)
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Start begins connecting to the broker. Connection failures are
// retried with backoff; Start itself never fails.
func (g *Gateway) Start() {
	go func() {
		if err := g.connect(); err != nil {
			g.failed(err)
		}
	}()
}

func (g *Gateway) brokerURL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port),
		Path:   g.cfg.VHost,
	}
	if g.cfg.Username != "" {
		u.User = url.UserPassword(g.cfg.Username, g.cfg.Password)
	}
	return u.String()
}

// connect opens the transport connection and sets up the channel.
func (g *Gateway) connect() error {
	conn, err := amqp.Dial(g.brokerURL())
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.conn = conn
	g.inRetry["connection"] = false
	g.mu.Unlock()
	g.logger.Printf("fetchd: gateway: connection created")
	return g.setupChannel()
}

// setupChannel opens a channel, declares the topology and begins
// consuming the inbound queue. A successful setup resets the backoff
// and both retry flags, then opportunistically flushes buffered
// publishes.
func (g *Gateway) setupChannel() error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return amqp.ErrClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclarePassive(g.cfg.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(g.cfg.QueueInName, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(g.cfg.QueueOutName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(g.cfg.QueueInName, g.cfg.QueueInRoutingKey, g.cfg.ExchangeName, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(g.cfg.QueueOutName, g.cfg.QueueOutRoutingKey, g.cfg.ExchangeName, false, nil); err != nil {
		return err
	}
	// One unacknowledged inbound message at a time serializes
	// ingestion pacing.
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(g.cfg.QueueInName, g.appID, false, false, false, false, nil)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.ch = ch
	g.failures = 0
	g.inRetry["connection"] = false
	g.inRetry["channel"] = false
	g.mu.Unlock()

	g.logger.Printf("fetchd: gateway: consuming %s, producing %s", g.cfg.QueueInName, g.cfg.QueueOutName)
	g.testConnected() // testing hook

	go g.consume(deliveries)
	go g.watch(conn, ch)
	g.flushPending()
	return nil
}

// watch waits for the connection or channel to close and triggers the
// matching reconnect path.
func (g *Gateway) watch(conn *amqp.Connection, ch *amqp.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case err := <-connClosed:
		if err == nil || g.isStopping() {
			return
		}
		g.logger.Printf("fetchd: gateway: connection closed: %v", err)
		g.retryConnect()
	case err := <-chClosed:
		if err == nil || g.isStopping() {
			return
		}
		g.logger.Printf("fetchd: gateway: channel closed: %v", err)
		if conn.IsClosed() {
			g.retryConnect()
		} else {
			g.retryChannel()
		}
	}
}

// consume handles inbound deliveries. Each message is decoded, handed
// to ProcessInbound and acknowledged after processing completes, so
// delivery is at-least-once; duplicate job creation is tolerated by
// the launcher's dedup check.
func (g *Gateway) consume(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		g.mu.Lock()
		g.messagesIn++
		n := g.messagesIn
		g.mu.Unlock()

		msg, err := DecodeMessage(d.Body)
		if err != nil {
			g.logger.Printf("fetchd: gateway: dropping undecodable message #%d: %v", n, err)
		} else if err := g.ProcessInbound(msg); err != nil {
			g.logger.Printf("fetchd: gateway: dropping message #%d: %v", n, err)
		}
		if err := d.Ack(false); err != nil {
			g.logger.Printf("fetchd: gateway: ack message #%d: %v", n, err)
		}
	}
}

// ProcessInbound turns an inbound broker message into a task. The
// message must carry a fetch_uri; every other field is re-encoded into
// the opaque settings blob carried through to the published result.
func (g *Gateway) ProcessInbound(msg Message) error {
	uri, ok := msg["fetch_uri"].(string)
	if !ok || uri == "" {
		return ErrInvalidMessage
	}
	extra := make(map[string]interface{}, len(msg))
	for k, v := range msg {
		if k == "fetch_uri" {
			continue
		}
		extra[k] = v
	}
	settings, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	task := &Task{
		JobID:    NewJobID(),
		FetchURI: uri,
		Settings: settings,
	}
	return g.submitter.Schedule(task)
}

// Publish attaches gateway metadata to the message and sends it with a
// persistent-delivery marker. It is fire-and-forget: a failed publish
// is buffered and replayed on reconnect or shutdown, and the caller is
// never blocked on broker unavailability.
func (g *Gateway) Publish(msg Message) {
	msg.SetMeta(map[string]interface{}{
		"app_id":    g.appID,
		"timestamp": time.Now().Unix(),
	})

	g.mu.Lock()
	g.messagesOut++
	ch := g.ch
	conn := g.conn
	g.mu.Unlock()

	if ch == nil {
		g.buffer(msg)
		return
	}
	if err := g.publishOn(ch, msg); err != nil {
		g.buffer(msg)
		if conn == nil || conn.IsClosed() {
			g.retryConnect()
		} else {
			g.retryChannel()
		}
	}
}

// publishOn encodes and sends a single message on the given channel.
func (g *Gateway) publishOn(ch *amqp.Channel, msg Message) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		// Not a broker failure; nothing a retry could fix.
		g.logger.Printf("fetchd: gateway: cannot encode message: %v", err)
		return nil
	}
	return ch.Publish(g.cfg.ExchangeName, g.cfg.QueueOutRoutingKey, false, false, amqp.Publishing{
		AppId:           g.appID,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		Timestamp:       time.Now(),
		Body:            body,
	})
}

// buffer appends a message to the pending-publish buffer.
func (g *Gateway) buffer(msg Message) {
	g.mu.Lock()
	g.pending = append(g.pending, msg)
	g.mu.Unlock()
	g.testBuffered() // testing hook
}

// flushPending replays buffered publishes after a reconnect. Messages
// that fail again are re-buffered by Publish.
func (g *Gateway) flushPending() {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, msg := range pending {
		g.Publish(msg)
	}
}

// retryConnect schedules a reconnect attempt unless one is already in
// flight. Every consecutive failure grows the delay by the configured
// increment; a successful reconnect resets it.
func (g *Gateway) retryConnect() {
	g.mu.Lock()
	if g.stopping || g.inRetry["connection"] {
		g.mu.Unlock()
		return
	}
	g.inRetry["connection"] = true
	g.failures++
	delay := g.backoff(g.failures)
	g.mu.Unlock()

	g.logger.Printf("fetchd: gateway: connection lost, retrying in %s", delay)
	time.AfterFunc(delay, func() {
		if err := g.connect(); err != nil {
			g.mu.Lock()
			g.inRetry["connection"] = false
			g.mu.Unlock()
			g.failed(err)
		}
	})
}

// retryChannel re-opens the channel on the existing connection unless
// a channel retry is already in flight.
func (g *Gateway) retryChannel() {
	g.mu.Lock()
	if g.stopping || g.inRetry["channel"] {
		g.mu.Unlock()
		return
	}
	g.inRetry["channel"] = true
	g.mu.Unlock()

	g.logger.Printf("fetchd: gateway: channel lost, recreating")
	go func() {
		if err := g.setupChannel(); err != nil {
			g.mu.Lock()
			g.inRetry["channel"] = false
			g.mu.Unlock()
			g.failed(err)
		}
	}()
}

// failed routes a failure to the matching retry path. Anything not
// recognized as connection or channel loss is fatal for the process.
func (g *Gateway) failed(err error) {
	if g.isStopping() {
		return
	}
	var aerr *amqp.Error
	var nerr net.Error
	switch {
	case errors.As(err, &aerr), errors.Is(err, amqp.ErrClosed), errors.As(err, &nerr):
		g.retryConnect()
	default:
		g.logger.Printf("fetchd: gateway: unhandled failure: %v", err)
		g.fatal(err)
	}
}

func (g *Gateway) isStopping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopping
}

// Stop flushes the pending-publish buffer best-effort and closes the
// broker connection. Flush attempts run independently; the shutdown
// proceeds once all of them have settled, succeeded or not.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopping {
		g.mu.Unlock()
		return
	}
	g.stopping = true
	pending := g.pending
	g.pending = nil
	ch := g.ch
	conn := g.conn
	g.mu.Unlock()

	if len(pending) > 0 && ch != nil {
		g.logger.Printf("fetchd: gateway: %d cached messages found, publishing them before shutdown", len(pending))
		var eg errgroup.Group
		for _, msg := range pending {
			msg := msg
			eg.Go(func() error {
				return g.publishOn(ch, msg)
			})
		}
		if err := eg.Wait(); err != nil {
			g.logger.Printf("fetchd: gateway: shutdown flush incomplete: %v", err)
		}
	}
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}
