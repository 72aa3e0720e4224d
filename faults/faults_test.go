package faults

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestSeverityClassification(t *testing.T) {
	h := NewHandler()
	ctx := context.Background()

	cases := []struct {
		kind Kind
		want Severity
	}{
		{KindSecurity, SeverityError},
		{KindProtocol, SeverityError},
		{KindState, SeverityCritical},
		{KindContext, SeverityCritical},
		{KindIO, SeverityWarning},
		{KindMessage, SeverityWarning},
		{KindInternal, SeverityInfo},
	}
	for _, tc := range cases {
		rec := h.Record(ctx, tc.kind, "test", "op", errors.New("boom"))
		if rec.Severity != tc.want {
			t.Errorf("kind %s: severity = %v, want %v", tc.kind, rec.Severity, tc.want)
		}
	}
}

func TestStrategyFor(t *testing.T) {
	if got := StrategyFor(KindIO); got != StrategyRetry {
		t.Errorf("io strategy = %v, want retry", got)
	}
	if got := StrategyFor(KindSecurity); got != StrategyEscalate {
		t.Errorf("security strategy = %v, want escalate", got)
	}
	if got := StrategyFor(KindState); got != StrategyFailover {
		t.Errorf("state strategy = %v, want failover", got)
	}
}

func TestHistoryFilter(t *testing.T) {
	mock := clock.NewMock()
	h := NewHandler(WithClock(mock))
	ctx := context.Background()

	h.Record(ctx, KindIO, "messaging", "deliver", errors.New("io"))
	mock.Add(time.Minute)
	cut := mock.Now()
	h.Record(ctx, KindSecurity, "connections", "open", errors.New("denied"))
	h.Record(ctx, KindIO, "connections", "dial", errors.New("io"))

	if got := len(h.History(Filter{})); got != 3 {
		t.Fatalf("unfiltered history = %d records, want 3", got)
	}
	if got := len(h.History(Filter{Kind: KindIO})); got != 2 {
		t.Errorf("kind filter = %d records, want 2", got)
	}
	if got := len(h.History(Filter{MinSeverity: SeverityError})); got != 1 {
		t.Errorf("severity filter = %d records, want 1", got)
	}
	if got := len(h.History(Filter{Component: "connections"})); got != 2 {
		t.Errorf("component filter = %d records, want 2", got)
	}
	if got := len(h.History(Filter{Since: cut})); got != 2 {
		t.Errorf("since filter = %d records, want 2", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHandler(WithHistoryLimit(5))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		h.Record(ctx, KindIO, "test", "op", errors.New("x"))
	}
	if got := len(h.History(Filter{})); got != 5 {
		t.Errorf("history = %d records, want 5", got)
	}
}

func TestPrune(t *testing.T) {
	mock := clock.NewMock()
	h := NewHandler(WithClock(mock))
	ctx := context.Background()

	h.Record(ctx, KindIO, "test", "op", errors.New("old"))
	mock.Add(2 * time.Hour)
	h.Record(ctx, KindIO, "test", "op", errors.New("new"))

	if removed := h.Prune(time.Hour); removed != 1 {
		t.Fatalf("pruned %d records, want 1", removed)
	}
	rest := h.History(Filter{})
	if len(rest) != 1 || rest[0].Err.Error() != "new" {
		t.Errorf("unexpected survivors: %v", rest)
	}
}
