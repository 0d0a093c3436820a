// Package events publishes orchestration events to Redis Streams so UIs and
// auditors can follow a session.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "conductor:session:"

// DefaultMaxLen caps each session stream, approximately.
const DefaultMaxLen = 1000

// Envelope is one stream entry.
type Envelope struct {
	SessionID string                  `json:"session_id"`
	TurnIndex int                     `json:"turn_index"`
	Event     orchestrator.GraphEvent `json:"event"`
}

// Publisher writes GraphEvents to a per-session stream.
type Publisher struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

var (
	_ orchestrator.Observer  = (*Publisher)(nil)
	_ orchestrator.Forgetter = (*Publisher)(nil)
)

// NewPublisher connects to redisURL and verifies the connection.
func NewPublisher(ctx context.Context, redisURL string, logger *zap.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewPublisherFromClient(rdb, logger), nil
}

// NewPublisherFromClient wraps an existing client.
func NewPublisherFromClient(rdb *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, maxLen: DefaultMaxLen, logger: logger}
}

// Stream returns the stream key for a session.
func Stream(sessionID string) string { return streamPrefix + sessionID }

// ObserveTurn appends the turn's new events to the session stream.
func (p *Publisher) ObserveTurn(ctx context.Context, s *orchestrator.State, evs []orchestrator.GraphEvent) error {
	if len(evs) == 0 {
		return nil
	}
	stream := Stream(s.SessionID)
	pipe := p.rdb.Pipeline()
	for _, ev := range evs {
		data, err := json.Marshal(Envelope{SessionID: s.SessionID, TurnIndex: s.TurnIndex, Event: ev})
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type": string(ev.Type),
				"data": string(data),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	p.logger.Debug("published events",
		zap.String("session", s.SessionID),
		zap.Int("turn", s.TurnIndex),
		zap.Int("count", len(evs)))
	return nil
}

// Tail returns up to count of the session's most recent events, oldest first.
func (p *Publisher) Tail(ctx context.Context, sessionID string, count int64) ([]Envelope, error) {
	msgs, err := p.rdb.XRevRangeN(ctx, Stream(sessionID), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", Stream(sessionID), err)
	}
	out := make([]Envelope, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if env, ok := decode(msgs[i]); ok {
			out = append(out, env)
		}
	}
	return out, nil
}

// Subscribe streams new events for a session until ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context, sessionID string) <-chan Envelope {
	ch := make(chan Envelope, 16)
	stream := Stream(sessionID)

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			if ctx.Err() != nil {
				return
			}
			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					p.logger.Debug("stream read failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					env, ok := decode(msg)
					if !ok {
						continue
					}
					select {
					case ch <- env:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

// Forget removes the session stream.
func (p *Publisher) Forget(ctx context.Context, sessionID string) error {
	if err := p.rdb.Del(ctx, Stream(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", Stream(sessionID), err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}

func decode(msg redis.XMessage) (Envelope, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return Envelope{}, false
	}
	var env Envelope
	if json.Unmarshal([]byte(data), &env) != nil {
		return Envelope{}, false
	}
	return env, true
}
