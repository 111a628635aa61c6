// Package events publishes run activity (orders, trade log entries and
// portfolio snapshots) for consumers outside the process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"rsi-trader/internal/config"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/models"
)

// Type names the kind of an event.
type Type string

const (
	TypeRunStarted  Type = "run_started"
	TypeRunFinished Type = "run_finished"
	TypeOrder       Type = "order"
	TypeTradeLog    Type = "trade_log"
	TypeSnapshot    Type = "snapshot"
)

// Event is one published message.
type Event struct {
	Type      Type        `json:"type"`
	RunID     string      `json:"run_id"`
	Symbol    string      `json:"symbol,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// OrderEvent builds an event for an order state change.
func OrderEvent(runID string, o *models.Order) Event {
	return Event{Type: TypeOrder, RunID: runID, Symbol: o.Symbol, Timestamp: o.UpdatedAt, Data: o.Clone()}
}

// TradeLogEvent builds an event for a trade log entry.
func TradeLogEvent(runID string, e models.TradeLogEntry) Event {
	return Event{Type: TypeTradeLog, RunID: runID, Symbol: e.Symbol, Timestamp: e.Timestamp, Data: e}
}

// SnapshotEvent builds an event for a portfolio snapshot.
func SnapshotEvent(runID string, s models.PortfolioSnapshot) Event {
	return Event{Type: TypeSnapshot, RunID: runID, Timestamp: s.Timestamp, Data: s}
}

// Fields encodes ev as the field map of a stream entry.
func Fields(ev Event) (map[string]interface{}, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return map[string]interface{}{
		"type":   string(ev.Type),
		"run_id": ev.RunID,
		"symbol": ev.Symbol,
		"ts":     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":   string(data),
	}, nil
}

// New returns a Redis publisher when an address is configured, otherwise Nop.
func New(cfg config.EventsConfig, logger zerolog.Logger) (Publisher, error) {
	if cfg.RedisAddr == "" {
		return Nop{}, nil
	}
	return NewRedisPublisher(cfg, logger)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(ctx context.Context, ev Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// RedisPublisher appends events to a Redis stream and announces each one on
// a pub/sub channel named <stream>:<type>.
type RedisPublisher struct {
	client *goredis.Client
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisPublisher connects to Redis and pings the server.
func NewRedisPublisher(cfg config.EventsConfig, logger zerolog.Logger) (*RedisPublisher, error) {
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	p := NewRedisPublisherWithClient(client, cfg.Stream, cfg.MaxLen, logger)
	p.logger.Info().Str("addr", cfg.RedisAddr).Str("stream", p.stream).Msg("Publishing events to Redis")
	return p, nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *goredis.Client, stream string, maxLen int64, logger zerolog.Logger) *RedisPublisher {
	if stream == "" {
		stream = "rsi-trader:events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logging.WithComponent(logger, "events"),
	}
}

// Stream returns the stream key events are appended to.
func (p *RedisPublisher) Stream() string { return p.stream }

// Publish implements Publisher. The XADD and PUBLISH go out in one pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	fields, err := Fields(ev)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: fields,
	})
	pipe.Publish(ctx, p.stream+":"+string(ev.Type), fields["data"])
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns the recorded events, optionally only those of the given types.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		out := make([]Event, len(r.events))
		copy(out, r.events)
		return out
	}
	var out []Event
	for _, ev := range r.events {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
