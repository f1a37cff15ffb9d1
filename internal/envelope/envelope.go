// Package envelope implements the monotonic-nonce HMAC-SHA256 anti-replay
// seal applied to upload and diagnostics payloads before they leave the
// device.
package envelope

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ecowatt/agent/internal/kvstore"
)

// PSKSize is the required HMAC pre-shared key length.
const PSKSize = 32

// DefaultBaseline is the nonce's starting sequence value when no persisted
// value exists yet.
const DefaultBaseline uint32 = 10000

const nonceKey = "security/nonce"

// ErrPSKUninitialized is returned by Seal when the envelope was constructed
// without a key of the required length.
var ErrPSKUninitialized = errors.New("envelope: psk uninitialized")

// ErrNonceUnreadable is returned when the persisted nonce cannot be parsed.
var ErrNonceUnreadable = errors.New("envelope: persisted nonce unreadable")

// Sealed is the wire representation of a sealed payload.
type Sealed struct {
	Nonce     uint32 `json:"nonce"`
	Payload   string `json:"payload"`
	MAC       string `json:"mac"`
	Encrypted bool   `json:"encrypted"`
}

// Envelope seals payloads with HMAC-SHA256 over a strictly monotonic 32-bit
// nonce, persisting the nonce durably before each seal is returned so a
// restart can never reissue one already sent.
type Envelope struct {
	mu     sync.Mutex
	psk    []byte
	store  kvstore.Store
	nonce  uint32
	loaded bool
}

// New constructs an Envelope. psk must be exactly PSKSize bytes. The current
// nonce is not loaded until the first Seal/current call touches the store.
func New(psk []byte, store kvstore.Store) *Envelope {
	e := &Envelope{store: store}
	if len(psk) == PSKSize {
		e.psk = append([]byte(nil), psk...)
	}
	return e
}

// currentNonce returns the in-memory nonce, lazily hydrating it from the
// store (falling back to DefaultBaseline) the first time it's needed.
func (e *Envelope) currentNonce(ctx context.Context) (uint32, error) {
	if e.loaded {
		return e.nonce, nil
	}
	v, ok, err := kvstore.GetUint32(ctx, e.store, nonceKey)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNonceUnreadable, err)
	}
	if !ok {
		e.nonce = DefaultBaseline
	} else {
		e.nonce = v
	}
	e.loaded = true
	return e.nonce, nil
}

// SetNonce explicitly pins the nonce, writing through to both memory and the
// store.
func (e *Envelope) SetNonce(ctx context.Context, v uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := kvstore.SetUint32(ctx, e.store, nonceKey, v); err != nil {
		return err
	}
	e.nonce = v
	e.loaded = true
	return nil
}

// Seal produces the sealed JSON envelope for payload. The nonce is persisted
// before the envelope is returned; on any failure the nonce is left
// untouched.
func (e *Envelope) Seal(ctx context.Context, payload []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.psk) != PSKSize {
		return nil, ErrPSKUninitialized
	}

	n, err := e.currentNonce(ctx)
	if err != nil {
		return nil, err
	}
	issued := n + 1

	var nonceBytes [4]byte
	binary.BigEndian.PutUint32(nonceBytes[:], issued)

	mac := hmac.New(sha256.New, e.psk)
	mac.Write(nonceBytes[:])
	mac.Write(payload)
	sum := mac.Sum(nil)

	sealed := Sealed{
		Nonce:     issued,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		MAC:       hex.EncodeToString(sum),
		Encrypted: false,
	}

	out, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}

	if err := kvstore.SetUint32(ctx, e.store, nonceKey, issued); err != nil {
		return nil, fmt.Errorf("envelope: persist nonce: %w", err)
	}
	e.nonce = issued

	return out, nil
}

// Verify checks a Sealed envelope's MAC against psk and returns the decoded
// plaintext payload. It does not enforce nonce freshness; replay rejection
// is the receiving backend's concern.
func Verify(psk []byte, sealed Sealed) ([]byte, error) {
	if len(psk) != PSKSize {
		return nil, ErrPSKUninitialized
	}
	payload, err := base64.StdEncoding.DecodeString(sealed.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode payload: %w", err)
	}
	wantMAC, err := hex.DecodeString(sealed.MAC)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode mac: %w", err)
	}

	var nonceBytes [4]byte
	binary.BigEndian.PutUint32(nonceBytes[:], sealed.Nonce)

	mac := hmac.New(sha256.New, psk)
	mac.Write(nonceBytes[:])
	mac.Write(payload)
	got := mac.Sum(nil)

	if !hmac.Equal(got, wantMAC) {
		return nil, errors.New("envelope: mac mismatch")
	}
	return payload, nil
}
