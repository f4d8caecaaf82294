package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avathrottle/internal/identity"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// LimitSnapshot is the bucket state reported to the caller at denial.
type LimitSnapshot struct {
	Limit        float64 `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds int     `json:"resetSeconds"`
}

// ThrottleEvent records one denied request. Events are never modified
// once created.
type ThrottleEvent struct {
	ID            string        `json:"id"`
	Route         string        `json:"route"`
	IdentityID    string        `json:"identityId"`
	Tier          string        `json:"tier,omitempty"`
	LimitSnapshot LimitSnapshot `json:"limitSnapshot"`
	Timestamp     time.Time     `json:"timestamp"`
	RequestID     string        `json:"requestId,omitempty"`
	TraceID       string        `json:"traceId,omitempty"`
}

// NewThrottleEvent builds an event, taking request and trace ids from ctx.
func NewThrottleEvent(
	ctx context.Context,
	route string,
	id identity.Identity,
	snapshot LimitSnapshot,
	now time.Time,
) *ThrottleEvent {
	return &ThrottleEvent{
		ID:            uuid.New().String(),
		Route:         route,
		IdentityID:    id.ID,
		Tier:          id.Tier,
		LimitSnapshot: snapshot,
		Timestamp:     now.UTC(),
		RequestID:     observability.RequestIDFromContext(ctx),
		TraceID:       traceID(ctx),
	}
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return observability.TraceIDFromContext(ctx)
}
