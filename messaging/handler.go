package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeshaw/envdecode"

	"github.com/machinectx/mcp-go/contexts"
	"github.com/machinectx/mcp-go/faults"
	"github.com/machinectx/mcp-go/internal/logctx"
	"github.com/machinectx/mcp-go/mcp"
	"github.com/machinectx/mcp-go/security"
	"github.com/machinectx/mcp-go/state"
)

// Config controls delivery limits and retry behavior. Defaults can be
// loaded via envdecode. The retry delay is constant between attempts; the
// shape is fixed here by configuration, not hardcoded at call sites.
type Config struct {
	// MaxMessageSize in payload bytes. ENV: MCP_MAX_MESSAGE_SIZE
	MaxMessageSize uint32 `env:"MCP_MAX_MESSAGE_SIZE,default=1048576"`
	// MessageTimeout bounds one delivery attempt. ENV: MCP_MESSAGE_TIMEOUT
	MessageTimeout time.Duration `env:"MCP_MESSAGE_TIMEOUT,default=5s"`
	// RetryAttempts after the initial attempt. ENV: MCP_RETRY_ATTEMPTS
	RetryAttempts uint32 `env:"MCP_RETRY_ATTEMPTS,default=3"`
	// RetryDelay between attempts. ENV: MCP_RETRY_DELAY
	RetryDelay time.Duration `env:"MCP_RETRY_DELAY,default=500ms"`
}

// ConfigFromEnv populates a Config from the environment; struct tag
// defaults fill anything unset.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}

// Transport delivers one framed message to the remote peer and returns once
// the peer acknowledges it, or with an error when delivery fails or the
// context expires. Transport bindings (TCP, WebSocket) live outside the
// core and implement this.
type Transport interface {
	Deliver(ctx context.Context, msg *mcp.ProtocolMessage) error
}

// route holds the per-connection send state. Sends serialize on mu, which
// preserves submission order; cancel tears down in-flight work when the
// connection closes.
type route struct {
	mu        sync.Mutex
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
}

// Handler is the message dispatch component. Safe for concurrent use.
type Handler struct {
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger
	faults   *faults.Handler
	security *security.Manager
	contexts *contexts.Manager
	state    *state.Manager

	mu     sync.RWMutex
	routes map[string]*route
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// NewHandler wires the message handler to its collaborators. All
// dependencies are explicit; there is no ambient state.
func NewHandler(cfg Config, sec *security.Manager, st *state.Manager, ctxs *contexts.Manager, fh *faults.Handler, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		clock:    clock.New(),
		log:      slog.Default(),
		faults:   fh,
		security: sec,
		state:    st,
		contexts: ctxs,
		routes:   make(map[string]*route),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs the transport for a connection. Subsequent Sends to
// connID flow through it until Unregister.
func (h *Handler) Register(connID string, t Transport) {
	rctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if old, ok := h.routes[connID]; ok {
		old.cancel()
	}
	h.routes[connID] = &route{transport: t, ctx: rctx, cancel: cancel}
	h.mu.Unlock()
}

// Unregister removes the connection's route and cancels its in-flight
// deliveries and retry waits immediately.
func (h *Handler) Unregister(connID string) {
	h.mu.Lock()
	r, ok := h.routes[connID]
	delete(h.routes, connID)
	h.mu.Unlock()
	if ok {
		r.cancel()
	}
}

func (h *Handler) route(connID string) (*route, error) {
	h.mu.RLock()
	r, ok := h.routes[connID]
	h.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrNoRoute, ConnectionID: connID}
	}
	return r, nil
}

// Send delivers msg on the connection, retrying per configuration.
//
// An oversized message fails with ErrTooLarge before any delivery attempt.
// Each attempt is bounded by MessageTimeout; transient failures wait
// RetryDelay and try again, up to RetryAttempts retries, then fail with
// ErrRetriesExhausted. Security and protocol errors abort immediately.
func (h *Handler) Send(ctx context.Context, connID string, msg *mcp.ProtocolMessage) error {
	if err := msg.Validate(); err != nil {
		h.faults.Record(ctx, faults.KindProtocol, "messaging", "send", err)
		return err
	}
	if uint32(msg.Size()) > h.cfg.MaxMessageSize {
		return &Error{Kind: ErrTooLarge, ConnectionID: connID}
	}
	r, err := h.route(connID)
	if err != nil {
		return err
	}

	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Type: msg.Type.String(), Method: string(msg.Method)})

	// Serializing on the route mutex keeps deliveries and their retries in
	// submission order for this connection.
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := uint32(0); ; attempt++ {
		err := h.deliverOnce(ctx, r, msg)
		if err == nil {
			return nil
		}
		if permanent(err) {
			h.faults.Record(ctx, faults.KindMessage, "messaging", "send", err)
			return err
		}
		h.faults.Record(ctx, faults.KindIO, "messaging", "deliver", err)
		if attempt == h.cfg.RetryAttempts {
			h.log.Warn("message retries exhausted",
				slog.String("conn_id", connID),
				slog.Uint64("attempts", uint64(attempt)+1),
			)
			return &Error{Kind: ErrRetriesExhausted, ConnectionID: connID, Detail: err.Error()}
		}
		if err := h.waitRetry(ctx, r); err != nil {
			return err
		}
	}
}

func (h *Handler) deliverOnce(ctx context.Context, r *route, msg *mcp.ProtocolMessage) error {
	// The attempt dies with the connection (r.ctx) and is bounded by the
	// configured timeout; the caller's ctx cancels it as well.
	dctx, cancel := context.WithTimeout(r.ctx, h.cfg.MessageTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return r.transport.Deliver(dctx, msg)
}

func (h *Handler) waitRetry(ctx context.Context, r *route) error {
	t := h.clock.Timer(h.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return &Error{Kind: ErrTimeout, Detail: "connection closed during retry wait"}
	}
}

// permanent reports whether err must not be retried.
func permanent(err error) bool {
	var se *security.Error
	var pe *mcp.ProtocolError
	return errors.As(err, &se) || errors.As(err, &pe)
}

// Dispatch routes an inbound message. Context-sync messages merge into the
// current context, state-transition messages append a recovery point, and
// heartbeats are a no-op here (connection liveness is tracked by the
// connection manager). Anything else is a protocol violation.
//
// The sender's subject needs an explicit grant for the method it invokes;
// permission checks are deny-by-default.
func (h *Handler) Dispatch(ctx context.Context, connID string, msg *mcp.ProtocolMessage) error {
	if err := msg.Validate(); err != nil {
		h.faults.Record(ctx, faults.KindProtocol, "messaging", "dispatch", err)
		return err
	}
	if msg.Type == mcp.MessageTypeHeartbeat {
		return nil
	}

	if subj := msg.Security.Subject; !h.security.CheckPermission(subj, string(msg.Method)) {
		err := &security.Error{Kind: security.ErrPermissionDenied, Subject: subj, Detail: string(msg.Method)}
		h.faults.Record(ctx, faults.KindSecurity, "messaging", "dispatch", err)
		return err
	}

	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Type: msg.Type.String(), Method: string(msg.Method)})

	switch msg.Method {
	case mcp.ContextSyncMethod:
		var p mcp.ContextSyncPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return &mcp.ProtocolError{Kind: mcp.ProtocolMalformed, Detail: "context sync payload"}
		}
		_, err := h.contexts.SyncWith(ctx, contexts.Snapshot{
			ID:         p.SnapshotID,
			ContextID:  p.ContextID,
			Originator: p.Originator,
			Timestamp:  p.Timestamp,
			Version:    p.Version,
			Data:       p.Data,
		})
		return err
	case mcp.StateTransitionMethod:
		var p mcp.StateTransitionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return &mcp.ProtocolError{Kind: mcp.ProtocolMalformed, Detail: "state transition payload"}
		}
		_, err := h.state.TransitionState(ctx, p.Name, p.Data, p.Metadata)
		return err
	case mcp.PingMethod:
		return nil
	default:
		err := &mcp.ProtocolError{Kind: mcp.ProtocolUnknownType, Detail: string(msg.Method)}
		h.faults.Record(ctx, faults.KindProtocol, "messaging", "dispatch", err)
		return err
	}
}
