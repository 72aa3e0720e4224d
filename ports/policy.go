package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Policy is the allow/deny list consulted before a port is handed out.
// Deny entries win over allow entries; an empty allow list admits every
// subject not explicitly denied. Safe for concurrent use and for live
// replacement via Reload/Watch.
type Policy struct {
	mu    sync.RWMutex
	allow map[string]struct{}
	deny  map[string]struct{}
}

// policyFile is the on-disk representation loaded by LoadPolicyFile.
type policyFile struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// NewPolicy builds a Policy from explicit lists.
func NewPolicy(allow, deny []string) *Policy {
	p := &Policy{}
	p.set(allow, deny)
	return p
}

func (p *Policy) set(allow, deny []string) {
	a := make(map[string]struct{}, len(allow))
	for _, s := range allow {
		a[s] = struct{}{}
	}
	d := make(map[string]struct{}, len(deny))
	for _, s := range deny {
		d[s] = struct{}{}
	}
	p.mu.Lock()
	p.allow = a
	p.deny = d
	p.mu.Unlock()
}

// Allows reports whether subject may be handed a port.
func (p *Policy) Allows(subject string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, denied := p.deny[subject]; denied {
		return false
	}
	if len(p.allow) == 0 {
		return true
	}
	_, ok := p.allow[subject]
	return ok
}

// LoadPolicyFile reads a JSON policy file and returns a Policy backed by it.
func LoadPolicyFile(path string) (*Policy, error) {
	p := &Policy{}
	if err := p.Reload(path); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the policy contents from the file at path. On error the
// previous contents stay in effect.
func (p *Policy) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	var pf policyFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse policy %s: %w", path, err)
	}
	p.set(pf.Allow, pf.Deny)
	return nil
}

// Watch hot-reloads the policy whenever the file at path changes. It blocks
// until ctx is done or the watcher fails. A reload that fails to parse keeps
// the previous policy and logs the error.
func (p *Policy) Watch(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory so atomic rename-into-place updates are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(path); err != nil {
				log.Warn("port policy reload failed", slog.String("path", path), slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("port policy watcher error", slog.String("err", err.Error()))
		}
	}
}
