// Package mcpcore assembles the machine context protocol core: port
// allocation, security, session state with recovery points, context
// synchronization, message dispatch, and connection lifecycle management.
//
// Each subsystem is usable on its own; Core wires them together the way a
// typical deployment does and owns their background loops.
package mcpcore

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/machinectx/mcp-go/connections"
	"github.com/machinectx/mcp-go/contexts"
	"github.com/machinectx/mcp-go/faults"
	"github.com/machinectx/mcp-go/internal/logctx"
	"github.com/machinectx/mcp-go/messaging"
	"github.com/machinectx/mcp-go/monitor"
	"github.com/machinectx/mcp-go/ports"
	"github.com/machinectx/mcp-go/security"
	"github.com/machinectx/mcp-go/state"
	"github.com/machinectx/mcp-go/state/memorystore"
)

// Config aggregates the per-subsystem configurations.
type Config struct {
	Ports       ports.Config
	Messaging   messaging.Config
	Connections connections.Config
	Sync        contexts.SyncConfig
}

// ConfigFromEnv loads every subsystem configuration from the environment,
// with struct tag defaults filling anything unset.
func ConfigFromEnv() Config {
	return Config{
		Ports:       ports.ConfigFromEnv(),
		Messaging:   messaging.ConfigFromEnv(),
		Connections: connections.ConfigFromEnv(),
		Sync:        contexts.SyncConfigFromEnv(),
	}
}

// Core is the assembled protocol core.
type Core struct {
	cfg Config
	log *slog.Logger

	Faults      *faults.Handler
	Security    *security.Manager
	Ports       *ports.Manager
	State       *state.Manager
	Contexts    *contexts.Manager
	Messaging   *messaging.Handler
	Connections *connections.Manager
	Monitor     *monitor.Monitor
}

// CoreOption configures a Core.
type CoreOption func(*coreOptions)

type coreOptions struct {
	log    *slog.Logger
	store  state.RecoveryStore
	policy *ports.Policy
}

// WithLogger sets the logger shared by every subsystem. It is wrapped in
// the context-enriching handler so connection, context, and message
// attributes attach to records automatically.
func WithLogger(log *slog.Logger) CoreOption {
	return func(o *coreOptions) { o.log = log }
}

// WithRecoveryStore selects the store backing recovery points and context
// snapshots. Defaults to the in-memory store; production deployments pass
// the redis-backed one.
func WithRecoveryStore(store state.RecoveryStore) CoreOption {
	return func(o *coreOptions) { o.store = store }
}

// WithPortPolicy installs the allow/deny policy consulted on every port
// allocation.
func WithPortPolicy(p *ports.Policy) CoreOption {
	return func(o *coreOptions) { o.policy = p }
}

// NewCore wires the full protocol core. The dialer establishes outbound
// transports for admitted connections.
func NewCore(cfg Config, dialer connections.Dialer, opts ...CoreOption) (*Core, error) {
	o := &coreOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	log := slog.New(logctx.Handler{Handler: o.log.Handler()})
	store := o.store
	if store == nil {
		store = memorystore.New()
	}

	fh := faults.NewHandler(faults.WithLogger(log))
	sec := security.NewManager()
	var portOpts []ports.Option
	if o.policy != nil {
		portOpts = append(portOpts, ports.WithPolicy(o.policy))
	}
	pm, err := ports.NewManager(cfg.Ports, portOpts...)
	if err != nil {
		return nil, err
	}
	st := state.NewManager(store, state.WithLogger(log), state.WithFaultHandler(fh))
	ctxs := contexts.NewManager(store, contexts.WithLogger(log), contexts.WithFaultHandler(fh))
	msgs := messaging.NewHandler(cfg.Messaging, sec, st, ctxs, fh, messaging.WithLogger(log))
	conns := connections.NewManager(cfg.Connections, pm, sec, msgs, fh, dialer, connections.WithLogger(log))

	return &Core{
		cfg:         cfg,
		log:         log,
		Faults:      fh,
		Security:    sec,
		Ports:       pm,
		State:       st,
		Contexts:    ctxs,
		Messaging:   msgs,
		Connections: conns,
		Monitor:     monitor.New(conns, pm, st, ctxs, fh),
	}, nil
}

// Run drives the background loops until ctx is done: the connection
// keep-alive sweeper and the context maintenance loop. It returns the
// first loop error, which is ctx.Err() on a clean shutdown.
func (c *Core) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Connections.Run(gctx) })
	g.Go(func() error { return c.Contexts.RunMaintenance(gctx, c.cfg.Sync) })
	return g.Wait()
}
