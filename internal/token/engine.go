package token

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/replay"
)

// maxNonceTTL caps how long a consumed request nonce is remembered.
// The effective TTL is min(maxNonceTTL, time remaining to expiry).
const maxNonceTTL = 300 * time.Second

// IssueInput carries the material for issuing one capability token.
type IssueInput struct {
	Issuer         string
	Subject        string
	Capsules       []string
	Capabilities   []string // defaults to [read-projection]
	Projection     Projection
	ExpiresAt      time.Time // zero means no expiry caveat
	Purpose        string
	MaxAccesses    int  // 0 means unlimited
	BindProjection bool // add a projection-hash caveat
}

// Engine issues and verifies capability tokens. The replay cache and
// access counters are the only shared mutable state; both are guarded.
type Engine struct {
	signer Signer
	replay *replay.Cache
	now    func() time.Time

	mu       sync.Mutex
	accesses map[string]int
}

// NewEngine creates an engine with the given signer.
func NewEngine(signer Signer) *Engine {
	return &Engine{
		signer:   signer,
		replay:   replay.NewCache(),
		now:      time.Now,
		accesses: make(map[string]int),
	}
}

// NewEngineAt creates an engine with injected clock and replay cache.
func NewEngineAt(signer Signer, cache *replay.Cache, now func() time.Time) *Engine {
	return &Engine{
		signer:   signer,
		replay:   cache,
		now:      now,
		accesses: make(map[string]int),
	}
}

// Issue creates and signs a new capability token.
func (e *Engine) Issue(input IssueInput) (*Token, error) {
	if input.Issuer == "" {
		return nil, errors.NewValidation("issuer", "required")
	}
	if input.Subject == "" {
		return nil, errors.NewValidation("subject", "required")
	}
	if len(input.Capsules) == 0 {
		return nil, errors.NewValidation("capsules", "at least one capsule id required")
	}
	for _, id := range input.Capsules {
		if !capsule.ValidID(id) {
			return nil, errors.NewValidation("capsules", "not a capsule URN: "+id)
		}
	}

	capabilities := input.Capabilities
	if len(capabilities) == 0 {
		capabilities = []string{CapabilityReadProjection}
	}

	t := &Token{
		ID:           "token:uuid:" + uuid.NewString(),
		Issuer:       input.Issuer,
		Subject:      input.Subject,
		KeyEpoch:     e.signer.Epoch(),
		Capsules:     input.Capsules,
		Capabilities: capabilities,
		Projection:   input.Projection,
	}

	if !input.ExpiresAt.IsZero() {
		t.Caveats = append(t.Caveats, Caveat{
			Type:  CaveatExpiry,
			Value: capsule.FormatTimestamp(input.ExpiresAt),
		})
	}
	if input.Purpose != "" {
		t.Caveats = append(t.Caveats, Caveat{Type: CaveatPurpose, Value: input.Purpose})
	}
	if input.MaxAccesses > 0 {
		t.Caveats = append(t.Caveats, Caveat{
			Type:  CaveatMaxAccesses,
			Value: strconv.Itoa(input.MaxAccesses),
		})
	}
	if input.BindProjection {
		h, err := input.Projection.Hash()
		if err != nil {
			return nil, err
		}
		t.Caveats = append(t.Caveats, Caveat{Type: CaveatProjectionHash, Value: h})
	}

	payload, err := t.SigningPayload()
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.Sign(payload)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	t.Signature = sig
	return t, nil
}

// VerifyRequest verifies one read request against a token: signature,
// expiry, replay protection, projection binding, and access count.
// Successful verification consumes the nonce for the computed TTL, so
// a captured, replayed request is a no-op.
func (e *Engine) VerifyRequest(t *Token, requested Projection, requestNonce string) error {
	if requestNonce == "" {
		return errors.NewInvalidRequest("request nonce is required")
	}

	payload, err := t.SigningPayload()
	if err != nil {
		return err
	}
	if err := e.signer.Verify(payload, t.Signature); err != nil {
		return err
	}

	now := e.now()
	ttl := maxNonceTTL
	if expiryStr, ok := t.Caveat(CaveatExpiry); ok {
		expiry, perr := time.Parse(time.RFC3339Nano, expiryStr)
		if perr != nil {
			return errors.NewValidation("caveats.expiry", "not a valid timestamp")
		}
		remaining := expiry.Sub(now)
		if remaining <= 0 {
			return errors.NewTokenExpired(t.ID)
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	if e.replay.IsUsed(t.ID, requestNonce) {
		return errors.NewReplayNonce(t.ID)
	}

	if boundHash, ok := t.Caveat(CaveatProjectionHash); ok {
		requestedHash, herr := requested.Hash()
		if herr != nil {
			return herr
		}
		if requestedHash != boundHash {
			return errors.NewProjectionMismatch(t.ID)
		}
	}

	if maxStr, ok := t.Caveat(CaveatMaxAccesses); ok {
		max, perr := strconv.Atoi(maxStr)
		if perr != nil || max <= 0 {
			return errors.NewValidation("caveats.max-accesses", "not a positive integer")
		}
		e.mu.Lock()
		used := e.accesses[t.ID]
		if used >= max {
			e.mu.Unlock()
			return errors.NewCaveatViolation(CaveatMaxAccesses, "token access limit reached")
		}
		e.accesses[t.ID] = used + 1
		e.mu.Unlock()
	}

	e.replay.MarkUsed(t.ID, requestNonce, now.Add(ttl))
	return nil
}

// Read verifies a request and, on success, applies the requested
// projection to the capsule. The capsule must be in the token's scope.
func (e *Engine) Read(t *Token, c *capsule.Capsule, requested Projection, requestNonce string) (map[string]any, error) {
	if !t.Covers(c.ID) {
		return nil, errors.NewCaveatViolation("capsules", "capsule not in token scope")
	}
	if err := e.VerifyRequest(t, requested, requestNonce); err != nil {
		return nil, err
	}
	return Apply(c, requested)
}
