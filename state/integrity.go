package state

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Integrity seals recovery-point data so later verification can detect
// tampering or corruption. Two implementations exist: a plain checksum and
// a signed (JWS) variant. The choice is made once at construction; there is
// no per-call "is crypto configured?" branching.
type Integrity interface {
	// Seal produces an opaque seal over data.
	Seal(data map[string]any) (string, error)
	// Check verifies that seal matches data.
	Check(data map[string]any, seal string) error
}

func checksum(data map[string]any) (string, error) {
	// json.Marshal sorts map keys, giving a canonical byte form.
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ChecksumIntegrity seals with an unsigned SHA-256 checksum. Detects
// corruption but not deliberate tampering.
type ChecksumIntegrity struct{}

func (ChecksumIntegrity) Seal(data map[string]any) (string, error) {
	return checksum(data)
}

func (ChecksumIntegrity) Check(data map[string]any, seal string) error {
	sum, err := checksum(data)
	if err != nil {
		return err
	}
	if sum != seal {
		return &Error{Kind: ErrIntegrity, Detail: "checksum mismatch"}
	}
	return nil
}

// JWSIntegrity seals the checksum inside a compact Ed25519 JWS, so a seal
// cannot be recomputed by whoever can write to the store.
type JWSIntegrity struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewJWSIntegrity builds a signer around an Ed25519 key pair.
func NewJWSIntegrity(kid string, priv ed25519.PrivateKey) *JWSIntegrity {
	return &JWSIntegrity{kid: kid, priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (j *JWSIntegrity) Seal(data map[string]any) (string, error) {
	sum, err := checksum(data)
	if err != nil {
		return "", err
	}
	opts := (&jose.SignerOptions{}).WithHeader("kid", j.kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: j.priv}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	jws, err := signer.Sign([]byte(sum))
	if err != nil {
		return "", fmt.Errorf("sign checksum: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize jws: %w", err)
	}
	return compact, nil
}

func (j *JWSIntegrity) Check(data map[string]any, seal string) error {
	jws, err := jose.ParseSigned(seal, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return &Error{Kind: ErrIntegrity, Detail: "unparseable seal"}
	}
	payload, err := jws.Verify(j.pub)
	if err != nil {
		return &Error{Kind: ErrIntegrity, Detail: "seal signature invalid"}
	}
	sum, err := checksum(data)
	if err != nil {
		return err
	}
	if string(payload) != sum {
		return &Error{Kind: ErrIntegrity, Detail: "checksum mismatch"}
	}
	return nil
}

var (
	_ Integrity = ChecksumIntegrity{}
	_ Integrity = (*JWSIntegrity)(nil)
)
