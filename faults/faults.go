package faults

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Severity orders failures from informational to fatal-for-the-subsystem.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RecoveryStrategy is the advised reaction to a failure. Advisory only.
type RecoveryStrategy int

const (
	StrategyIgnore RecoveryStrategy = iota
	StrategyRetry
	StrategyEscalate
	StrategyFailover
)

func (s RecoveryStrategy) String() string {
	switch s {
	case StrategyIgnore:
		return "ignore"
	case StrategyRetry:
		return "retry"
	case StrategyEscalate:
		return "escalate"
	case StrategyFailover:
		return "failover"
	default:
		return "unknown"
	}
}

// Kind groups errors by the taxonomy family they belong to.
type Kind string

const (
	KindProtocol   Kind = "protocol"
	KindConnection Kind = "connection"
	KindSecurity   Kind = "security"
	KindPort       Kind = "port"
	KindMessage    Kind = "message"
	KindState      Kind = "state"
	KindContext    Kind = "context"
	KindIO         Kind = "io"
	KindInternal   Kind = "internal"
)

// Record is one classified failure. Records are immutable once appended.
type Record struct {
	ID        string
	Kind      Kind
	Severity  Severity
	Strategy  RecoveryStrategy
	Component string
	Op        string
	Err       error
	Timestamp time.Time
}

// Filter selects records from the history. Zero values match everything.
type Filter struct {
	Kind        Kind
	MinSeverity Severity
	Component   string
	Since       time.Time
}

func (f Filter) matches(r Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if r.Severity < f.MinSeverity {
		return false
	}
	if f.Component != "" && r.Component != f.Component {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Handler records and classifies failures. Safe for concurrent use.
type Handler struct {
	log   *slog.Logger
	clock clock.Clock

	mu      sync.RWMutex
	history []Record
	max     int
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used when recording Error and Critical faults.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithClock overrides the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithHistoryLimit bounds the retained history. Older records are evicted
// first. The default is 1024.
func WithHistoryLimit(n int) Option {
	return func(h *Handler) { h.max = n }
}

// NewHandler builds a Handler with a bounded in-memory history.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		log:   slog.Default(),
		clock: clock.New(),
		max:   1024,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Record classifies err and appends it to the history, returning the stored
// record. Component and op label where the failure happened.
func (h *Handler) Record(ctx context.Context, kind Kind, component, op string, err error) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severityFor(kind),
		Strategy:  StrategyFor(kind),
		Component: component,
		Op:        op,
		Err:       err,
		Timestamp: h.clock.Now(),
	}

	h.mu.Lock()
	h.history = append(h.history, rec)
	if len(h.history) > h.max {
		h.history = h.history[len(h.history)-h.max:]
	}
	h.mu.Unlock()

	if rec.Severity >= SeverityError {
		h.log.LogAttrs(ctx, slogLevel(rec.Severity), "fault recorded",
			slog.String("fault_id", rec.ID),
			slog.String("kind", string(rec.Kind)),
			slog.String("component", rec.Component),
			slog.String("op", rec.Op),
			slog.String("strategy", rec.Strategy.String()),
			slog.Any("err", err),
		)
	}
	return rec
}

// StrategyFor returns the advised recovery strategy for an error kind.
// Transient kinds retry; violations escalate; infrastructure faults fail
// over to an alternate resource where one exists.
func StrategyFor(kind Kind) RecoveryStrategy {
	switch kind {
	case KindIO, KindMessage, KindConnection:
		return StrategyRetry
	case KindSecurity, KindProtocol:
		return StrategyEscalate
	case KindState, KindContext:
		return StrategyFailover
	case KindPort:
		return StrategyRetry
	default:
		return StrategyIgnore
	}
}

// severityFor is a pure function of kind: protocol and security violations
// rate at least Error, transient I/O at most Warning.
func severityFor(kind Kind) Severity {
	switch kind {
	case KindSecurity, KindProtocol:
		return SeverityError
	case KindState, KindContext:
		return SeverityCritical
	case KindIO, KindMessage:
		return SeverityWarning
	case KindConnection, KindPort:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func slogLevel(s Severity) slog.Level {
	if s >= SeverityCritical {
		return slog.LevelError
	}
	return slog.LevelWarn
}

// History returns the records matching filter, oldest first.
func (h *Handler) History(filter Filter) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, 0, len(h.history))
	for _, r := range h.history {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Prune drops records older than retention and reports how many were
// removed. History pruning is independent of the subsystems the records
// describe.
func (h *Handler) Prune(retention time.Duration) int {
	cutoff := h.clock.Now().Add(-retention)
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.history[:0]
	removed := 0
	for _, r := range h.history {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	h.history = kept
	return removed
}
