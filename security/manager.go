package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// KeyStatus tracks a key through its lifecycle.
type KeyStatus int

const (
	KeyIssued KeyStatus = iota
	KeyActive
	KeyRevoked
)

func (s KeyStatus) String() string {
	switch s {
	case KeyIssued:
		return "issued"
	case KeyActive:
		return "active"
	case KeyRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// KeyInfo is the public view of a registered key.
type KeyInfo struct {
	ID       string
	Subject  string
	Status   KeyStatus
	IssuedAt time.Time
}

type keyEntry struct {
	info KeyInfo
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Manager is the security authority for the connection stack. Safe for
// concurrent use.
type Manager struct {
	clock clock.Clock

	mu    sync.RWMutex
	keys  map[string]*keyEntry           // kid -> key
	perms map[string]map[string]struct{} // subject -> granted actions
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager builds an empty Manager. Keys and grants are added explicitly;
// there is no ambient configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock: clock.New(),
		keys:  make(map[string]*keyEntry),
		perms: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterKey mints a new active Ed25519 key for subject and returns its
// info together with a signed credential the subject presents on connect.
func (m *Manager) RegisterKey(subject string) (KeyInfo, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyInfo{}, "", fmt.Errorf("generate key: %w", err)
	}
	entry := &keyEntry{
		info: KeyInfo{
			ID:       uuid.NewString(),
			Subject:  subject,
			Status:   KeyActive,
			IssuedAt: m.clock.Now(),
		},
		priv: priv,
		pub:  pub,
	}

	cred, err := m.mintCredential(entry)
	if err != nil {
		return KeyInfo{}, "", err
	}

	m.mu.Lock()
	m.keys[entry.info.ID] = entry
	m.mu.Unlock()
	return entry.info, cred, nil
}

func (m *Manager) mintCredential(entry *keyEntry) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": entry.info.Subject,
		"iat": entry.info.IssuedAt.Unix(),
	})
	tok.Header["kid"] = entry.info.ID
	cred, err := tok.SignedString(entry.priv)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return cred, nil
}

// Verify checks a credential presented by subject. The kid header selects
// the key; the signature, subject claim, and key status must all hold. A
// credential signed by a revoked key fails with ErrRevoked even if the
// verification began before the revocation.
func (m *Manager) Verify(subject, credential string) (KeyInfo, error) {
	parsed, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, &Error{Kind: ErrAuthFailed, Subject: subject, Detail: "unexpected signing method"}
		}
		kid, _ := t.Header["kid"].(string)
		entry, err := m.lookup(kid)
		if err != nil {
			return nil, err
		}
		return entry.pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return KeyInfo{}, se
		}
		return KeyInfo{}, &Error{Kind: ErrAuthFailed, Subject: subject, Detail: err.Error()}
	}

	kid, _ := parsed.Header["kid"].(string)
	entry, lookupErr := m.lookup(kid)
	if lookupErr != nil {
		return KeyInfo{}, lookupErr
	}

	// Re-check status after signature verification so a rotation that
	// landed mid-verify still fails closed.
	m.mu.RLock()
	status := entry.info.Status
	m.mu.RUnlock()
	if status == KeyRevoked {
		return KeyInfo{}, &Error{Kind: ErrRevoked, Subject: subject}
	}

	claims, _ := parsed.Claims.(jwt.MapClaims)
	sub, _ := claims["sub"].(string)
	if sub != subject || entry.info.Subject != subject {
		return KeyInfo{}, &Error{Kind: ErrAuthFailed, Subject: subject, Detail: "subject mismatch"}
	}
	return entry.info, nil
}

func (m *Manager) lookup(kid string) (*keyEntry, error) {
	if kid == "" {
		return nil, &Error{Kind: ErrAuthFailed, Detail: "missing kid header"}
	}
	m.mu.RLock()
	entry, ok := m.keys[kid]
	m.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrUnknownKey, Detail: "kid " + kid}
	}
	if entry.info.Status == KeyRevoked {
		return nil, &Error{Kind: ErrRevoked, Subject: entry.info.Subject}
	}
	return entry, nil
}

// RotateKey atomically revokes the key identified by kid and mints a
// replacement for the same subject. Credentials signed by the old key fail
// with ErrRevoked from the moment RotateKey returns.
func (m *Manager) RotateKey(kid string) (KeyInfo, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyInfo{}, "", fmt.Errorf("generate key: %w", err)
	}

	m.mu.Lock()
	old, ok := m.keys[kid]
	if !ok {
		m.mu.Unlock()
		return KeyInfo{}, "", &Error{Kind: ErrUnknownKey, Detail: "kid " + kid}
	}
	old.info.Status = KeyRevoked
	entry := &keyEntry{
		info: KeyInfo{
			ID:       uuid.NewString(),
			Subject:  old.info.Subject,
			Status:   KeyActive,
			IssuedAt: m.clock.Now(),
		},
		priv: priv,
		pub:  pub,
	}
	m.keys[entry.info.ID] = entry
	m.mu.Unlock()

	cred, err := m.mintCredential(entry)
	if err != nil {
		return KeyInfo{}, "", err
	}
	return entry.info, cred, nil
}

// RevokeKey marks the key revoked. All subsequent verifications against it
// fail with ErrRevoked.
func (m *Manager) RevokeKey(kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.keys[kid]
	if !ok {
		return &Error{Kind: ErrUnknownKey, Detail: "kid " + kid}
	}
	entry.info.Status = KeyRevoked
	return nil
}

// Grant allows subject to perform action.
func (m *Manager) Grant(subject, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions, ok := m.perms[subject]
	if !ok {
		actions = make(map[string]struct{})
		m.perms[subject] = actions
	}
	actions[action] = struct{}{}
}

// RevokeGrant withdraws a previously granted action.
func (m *Manager) RevokeGrant(subject, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if actions, ok := m.perms[subject]; ok {
		delete(actions, action)
	}
}

// CheckPermission reports whether subject may perform action. Deny by
// default: only an explicit grant returns true.
func (m *Manager) CheckPermission(subject, action string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actions, ok := m.perms[subject]
	if !ok {
		return false
	}
	_, granted := actions[action]
	return granted
}
