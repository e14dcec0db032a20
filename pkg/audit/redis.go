package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/microdose/pkg/decision"
)

// StreamPrefix prefixes the per-session decision stream key.
const StreamPrefix = "microdose:decisions:"

// RedisSink appends decisions to a Redis stream per session. Streams are
// trimmed approximately to MaxLen entries.
type RedisSink struct {
	client *redis.Client
	maxLen int64
}

// NewRedisSink returns a sink over client. maxLen <= 0 keeps 10000 entries.
func NewRedisSink(client *redis.Client, maxLen int64) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis sink: client is required")
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{client: client, maxLen: maxLen}, nil
}

// StreamKey returns the stream holding session's decisions.
func StreamKey(session string) string {
	return StreamPrefix + session
}

func (s *RedisSink) Append(ctx context.Context, d decision.Decision) error {
	if d.Session == "" {
		return errors.New("redis sink: session required")
	}

	record, err := json.Marshal(d.Finite())
	if err != nil {
		return fmt.Errorf("redis sink: marshal decision: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(d.Session),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":     d.ID,
			"final":  strconv.FormatFloat(d.Final, 'f', -1, 64),
			"reason": d.Rationale,
			"record": string(record),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis sink: xadd: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions of session, newest first.
func (s *RedisSink) Recent(ctx context.Context, session string, limit int) ([]decision.Decision, error) {
	if limit <= 0 {
		limit = 20
	}
	msgs, err := s.client.XRevRangeN(ctx, StreamKey(session), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sink: xrevrange: %w", err)
	}

	out := make([]decision.Decision, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["record"].(string)
		if !ok {
			return nil, fmt.Errorf("redis sink: entry %s has no record", m.ID)
		}
		var d decision.Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("redis sink: decode entry %s: %w", m.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}
