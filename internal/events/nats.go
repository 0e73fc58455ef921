package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// Stream name for call events
	StreamName string
	// Async buffer size (default: 10000)
	AsyncBufferSize int
	// Connection timeout
	ConnectTimeout time.Duration
	// Reconnect settings
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	// Auth
	CredsFile string
	Token     string
	User      string
	Password  string
}

// DefaultNATSConfig returns the defaults used for the bridge event stream.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		StreamName:      "CONNBRIDGE",
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// StreamConfig returns the JetStream stream configuration for call events.
func StreamConfig(name string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{PatternAllCalls},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    jetstream.DiscardOld,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Duplicates: 5 * time.Minute,
	}
}

// NATSPublisher publishes events to NATS JetStream.
type NATSPublisher struct {
	js         jetstream.JetStream
	conn       *nats.Conn
	streamName string
	logger     *slog.Logger

	asyncCh   chan Event
	asyncWg   sync.WaitGroup
	closedMu  sync.RWMutex
	closed    bool
	closeOnce sync.Once

	publishCount atomic.Int64
	errorCount   atomic.Int64
	asyncDropped atomic.Int64
}

// NewNATSPublisher connects to NATS and ensures the event stream exists.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("connbridge-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("[Events] NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[Events] NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	switch {
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, StreamConfig(cfg.StreamName)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.StreamName, err)
	}

	bufSize := cfg.AsyncBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}

	p := &NATSPublisher{
		js:         js,
		conn:       conn,
		streamName: cfg.StreamName,
		logger:     logger,
		asyncCh:    make(chan Event, bufSize),
	}
	p.asyncWg.Add(1)
	go p.asyncPublisher()

	logger.Info("[Events] NATS publisher initialized",
		"url", cfg.URL,
		"stream", cfg.StreamName,
	)
	return p, nil
}

func (p *NATSPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Warn("[Events] async publish failed",
				"error", err,
				"type", event.Type(),
				"call_id", event.CallID(),
			)
		}
		cancel()
	}
}

// Publish sends the event and waits for the JetStream ack. The event id is
// used as the message id so redeliveries are de-duplicated by the stream.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := event.Subject()
	var opts []jetstream.PublishOpt
	if id := event.ID(); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}

	ack, err := p.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		p.errorCount.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.publishCount.Add(1)

	p.logger.Debug("[Events] published",
		"subject", subject,
		"stream", ack.Stream,
		"seq", ack.Sequence,
	)
	return nil
}

func (p *NATSPublisher) PublishAsync(event Event) {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.asyncCh <- event:
	default:
		p.asyncDropped.Add(1)
		p.logger.Warn("[Events] async publish buffer full, event dropped",
			"type", event.Type(),
			"call_id", event.CallID(),
		)
	}
}

// Flush waits for buffered async events and flushes the connection.
// Async publishing is stopped afterwards.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closedMu.Lock()
		p.closed = true
		p.closedMu.Unlock()
		close(p.asyncCh)
	})
	p.asyncWg.Wait()
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("[Events] flush failed during close", "error", err)
	}
	p.conn.Close()
	return nil
}

// Stats returns publish counters.
func (p *NATSPublisher) Stats() (published, errors, asyncDropped int64) {
	return p.publishCount.Load(), p.errorCount.Load(), p.asyncDropped.Load()
}
