package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shavakan/runs-queue/pkg/logging"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream = "runs-queue:events"
	defaultMaxLen = 10000
)

var eventsLog = logging.WithComponent(logging.LogTypeEvents, "valkey")

// ValkeyConfig holds connection settings for the Valkey event stream.
type ValkeyConfig struct {
	Addr     string
	Password string
	DB       int
	// Stream is the stream key (default: "runs-queue:events").
	Stream string
	// MaxLen caps the stream approximately (default: 10000).
	MaxLen int64
}

// ValkeyEmitter appends events to a capped Valkey stream.
type ValkeyEmitter struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ Emitter = (*ValkeyEmitter)(nil)

// NewValkeyEmitter connects to Valkey and verifies the connection.
func NewValkeyEmitter(ctx context.Context, cfg ValkeyConfig) (*ValkeyEmitter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	return NewValkeyEmitterWithClient(client, cfg.Stream, cfg.MaxLen), nil
}

// NewValkeyEmitterWithClient wraps an existing client.
func NewValkeyEmitterWithClient(client *redis.Client, stream string, maxLen int64) *ValkeyEmitter {
	if stream == "" {
		stream = defaultStream
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &ValkeyEmitter{client: client, stream: stream, maxLen: maxLen}
}

// Emit appends the event to the stream.
func (e *ValkeyEmitter) Emit(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":   string(body),
			"type":   string(event.Type),
			"job_id": event.JobID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	return nil
}

// Latest reads the newest count events. Entries that fail to decode are skipped.
func (e *ValkeyEmitter) Latest(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := e.client.XRevRangeN(ctx, e.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}

	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			eventsLog.Warn("skipping undecodable event",
				slog.String(logging.KeyStream, e.stream),
				slog.String(logging.KeyError, err.Error()),
			)
			continue
		}
		ev.ID = msg.ID
		out = append(out, ev)
	}
	return out, nil
}

// Close closes the Valkey client.
func (e *ValkeyEmitter) Close() error {
	return e.client.Close()
}
