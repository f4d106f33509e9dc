/*
audit.go - Audit sinks

PURPOSE:
  The engine emits one AuditRecord per committed mutation and does not care
  where it goes. This package provides the destinations:

    LogSink       structured zerolog line per record
    StreamSink    Redis stream entry (XADD) per record
    Recorder      in-memory slice, for tests and the simulator
    Fanout        sends each record to several sinks

DELIVERY:
  Best effort. A sink that fails logs the failure and moves on; the mutation
  it describes has already committed and is never undone.

SEE ALSO:
  - engine/audit.go: AuditRecord and the AuditSink interface
*/
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/authunits/engine"
)

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes each record as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, rec engine.AuditRecord) {
	s.log.Info().
		Str("audit_id", rec.ID).
		Str("actor_id", rec.ActorID).
		Str("organization_id", string(rec.OrganizationID)).
		Str("action", string(rec.Action)).
		Str("resource_id", rec.ResourceID).
		Time("at", rec.Timestamp).
		Fields(rec.Details).
		Msg("audit")
}

// =============================================================================
// REDIS STREAM SINK
// =============================================================================

// StreamSink appends records to a Redis stream. The stream is capped
// approximately at MaxLen entries.
type StreamSink struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	log     zerolog.Logger
}

type StreamOption func(*StreamSink)

func WithMaxLen(n int64) StreamOption {
	return func(s *StreamSink) { s.maxLen = n }
}

func WithTimeout(d time.Duration) StreamOption {
	return func(s *StreamSink) { s.timeout = d }
}

func WithStreamLogger(log zerolog.Logger) StreamOption {
	return func(s *StreamSink) { s.log = log }
}

func NewStreamSink(client redis.UniversalClient, stream string, opts ...StreamOption) *StreamSink {
	s := &StreamSink{
		client:  client,
		stream:  stream,
		maxLen:  100_000,
		timeout: 500 * time.Millisecond,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a client from a redis:// URL and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 1

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Record does not inherit the caller's cancellation: a request that has
// already been answered still gets its audit entry.
func (s *StreamSink) Record(ctx context.Context, rec engine.AuditRecord) {
	values, err := StreamValues(rec)
	if err != nil {
		s.log.Error().Err(err).Str("audit_id", rec.ID).Msg("encode audit record")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		s.log.Error().Err(err).
			Str("audit_id", rec.ID).
			Str("stream", s.stream).
			Msg("append audit record")
	}
}

// StreamValues flattens a record into stream entry fields.
func StreamValues(rec engine.AuditRecord) (map[string]any, error) {
	details := "{}"
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return nil, err
		}
		details = string(b)
	}
	return map[string]any{
		"id":              rec.ID,
		"actor_id":        rec.ActorID,
		"organization_id": string(rec.OrganizationID),
		"action":          string(rec.Action),
		"resource_id":     rec.ResourceID,
		"timestamp":       rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"details":         details,
	}, nil
}

// =============================================================================
// RECORDER / FANOUT
// =============================================================================

// Recorder keeps every record in memory.
type Recorder struct {
	mu      sync.Mutex
	records []engine.AuditRecord
}

func (r *Recorder) Record(_ context.Context, rec engine.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []engine.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.AuditRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Actions returns the recorded actions in order.
func (r *Recorder) Actions() []engine.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.AuditAction, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Action
	}
	return out
}

// Fanout forwards each record to every sink in order.
type Fanout []engine.AuditSink

func (f Fanout) Record(ctx context.Context, rec engine.AuditRecord) {
	for _, s := range f {
		s.Record(ctx, rec)
	}
}

var (
	_ engine.AuditSink = (*LogSink)(nil)
	_ engine.AuditSink = (*StreamSink)(nil)
	_ engine.AuditSink = (*Recorder)(nil)
	_ engine.AuditSink = Fanout(nil)
)
