package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sink names.
const (
	SinkRedis  = "redis"
	SinkStdout = "stdout"
	SinkStderr = "stderr"
	SinkFile   = "file"
	SinkNone   = "none"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "throttle_events"

// Sink appends ThrottleEvents somewhere durable. Write must honour ctx.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *ThrottleEvent) error
	Close() error
}

// RedisStreamSink appends events to a Redis stream, trimmed
// approximately to maxLen entries.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a stream sink. A zero maxLen disables
// trimming.
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink.
func (s *RedisStreamSink) Name() string { return SinkRedis }

// Write implements Sink.
func (s *RedisStreamSink) Write(ctx context.Context, e *ThrottleEvent) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":           e.ID,
			"route":        e.Route,
			"identityId":   e.IdentityID,
			"tier":         e.Tier,
			"limit":        strconv.FormatFloat(e.LimitSnapshot.Limit, 'f', -1, 64),
			"remaining":    strconv.Itoa(e.LimitSnapshot.Remaining),
			"resetSeconds": strconv.Itoa(e.LimitSnapshot.ResetSeconds),
			"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
			"requestId":    e.RequestID,
			"traceId":      e.TraceID,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close implements Sink. The client is owned by the caller.
func (s *RedisStreamSink) Close() error { return nil }

// WriterSink writes events as JSON lines.
type WriterSink struct {
	name   string
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
}

// NewWriterSink writes to w. If w is an io.Closer other than stdout or
// stderr it is closed by Close.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	s := &WriterSink{name: name, w: w}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		s.closer = c
	}
	return s
}

// OpenWriterSink opens a sink for "stdout", "stderr" or a file path.
func OpenWriterSink(output string) (*WriterSink, error) {
	switch output {
	case "", SinkStdout:
		return NewWriterSink(SinkStdout, os.Stdout), nil
	case SinkStderr:
		return NewWriterSink(SinkStderr, os.Stderr), nil
	default:
		//nolint:gosec // G304: path from config is trusted
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		return NewWriterSink(SinkFile, file), nil
	}
}

// Name implements Sink.
func (s *WriterSink) Name() string { return s.name }

// Write implements Sink.
func (s *WriterSink) Write(ctx context.Context, e *ThrottleEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err = s.w.Write(line)
	return err
}

// Close implements Sink.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// NopSink discards events.
type NopSink struct{}

// Name implements Sink.
func (NopSink) Name() string { return SinkNone }

// Write implements Sink.
func (NopSink) Write(context.Context, *ThrottleEvent) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }
