// Package signing verifies a tool's signature set against a trust policy.
//
// Every signature is checked independently: a bad value, an unknown
// algorithm or a missing key makes that signature invalid and is recorded,
// but never stops the others from being checked. The only error Verify
// returns is a failure of the key resolver itself.
package signing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/policy"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/metrics"
)

var ErrVerification = errors.New("signature verification could not run")

// Failure classifies why a result is invalid.
type Failure string

const (
	FailureNone         Failure = ""
	FailureNoSignatures Failure = "no_signatures"
	FailureKeyMissing   Failure = "key_missing"
	FailureInvalid      Failure = "invalid"
)

// SignatureCheck is the outcome for one signature.
type SignatureCheck struct {
	Key       string    `json:"key"`
	Signer    string    `json:"signer"`
	KeyID     string    `json:"keyId,omitempty"`
	Algorithm string    `json:"algorithm"`
	Role      tool.Role `json:"role"`
	Valid     bool      `json:"valid"`
	Trusted   bool      `json:"trusted"`
	// Counted is Valid && Trusted.
	Counted    bool   `json:"counted"`
	KeyMissing bool   `json:"keyMissing,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result is the verdict for one tool under one policy.
type Result struct {
	IsValid             bool             `json:"isValid"`
	Policy              string           `json:"policy"`
	ValidSignatureCount int              `json:"validSignatureCount"`
	TotalSignatureCount int              `json:"totalSignatureCount"`
	VerifiedSigners     []string         `json:"verifiedSigners"`
	Errors              []string         `json:"errors,omitempty"`
	Signatures          []SignatureCheck `json:"signatures,omitempty"`
	Failure             Failure          `json:"failure,omitempty"`
}

// Engine verifies signatures with pluggable per-algorithm verifiers.
type Engine struct {
	keys   KeyResolver
	logger zerolog.Logger

	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewEngine returns an Engine with the ed25519 and SSH verifiers registered.
func NewEngine(keys KeyResolver, logger zerolog.Logger) *Engine {
	e := &Engine{
		keys:      keys,
		logger:    logger.With().Str("component", "signing").Logger(),
		verifiers: make(map[string]Verifier),
	}
	e.Register(Ed25519Verifier{})
	e.Register(SSHVerifier{})
	return e
}

// Register installs v for each of its algorithms, replacing earlier ones.
func (e *Engine) Register(v Verifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, alg := range v.Algorithms() {
		e.verifiers[strings.ToLower(alg)] = v
	}
}

func (e *Engine) verifier(alg string) (Verifier, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.verifiers[strings.ToLower(alg)]
	return v, ok
}

// Verify evaluates def's signatures against pol.
func (e *Engine) Verify(ctx context.Context, def *tool.Definition, pol policy.VerificationPolicy) (Result, error) {
	res := Result{
		Policy:              pol.Name,
		TotalSignatureCount: len(def.Signatures),
		VerifiedSigners:     []string{},
	}

	if res.TotalSignatureCount == 0 {
		if pol.AllowUnsigned {
			e.logger.Warn().Str("tool", def.Name).Str("policy", pol.Name).Msg("unsigned tool allowed by policy")
			res.IsValid = true
			return res, nil
		}
		res.Failure = FailureNoSignatures
		res.Errors = []string{"tool has no signatures"}
		metrics.RecordVerification(pol.Name, false)
		return res, nil
	}

	keys := make([]string, 0, len(def.Signatures))
	for k := range def.Signatures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rolesSeen := map[tool.Role]bool{}
	for _, key := range keys {
		check, err := e.checkOne(ctx, def, key, def.Signatures[key], pol)
		if err != nil {
			return Result{}, err
		}
		res.Signatures = append(res.Signatures, check)
		switch {
		case check.Counted:
			res.ValidSignatureCount++
			res.VerifiedSigners = append(res.VerifiedSigners, check.Signer)
			rolesSeen[check.Role] = true
		case check.Error != "":
			res.Errors = append(res.Errors, fmt.Sprintf("signature %q: %s", key, check.Error))
		}
	}

	need := pol.EffectiveMinimum()
	if res.ValidSignatureCount < need {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"policy %s requires %d valid signature(s), found %d", pol.Name, need, res.ValidSignatureCount))
	}
	for _, role := range pol.RequireRoles {
		if !rolesSeen[role] {
			res.Errors = append(res.Errors, fmt.Sprintf("policy %s requires a valid %s signature", pol.Name, role))
		}
	}

	res.IsValid = res.ValidSignatureCount >= need && !missingRole(pol.RequireRoles, rolesSeen)
	if !res.IsValid {
		res.Failure = classify(res)
	}

	metrics.RecordVerification(pol.Name, res.IsValid)
	e.logger.Debug().
		Str("tool", def.Name).
		Str("policy", pol.Name).
		Int("valid", res.ValidSignatureCount).
		Int("total", res.TotalSignatureCount).
		Bool("is_valid", res.IsValid).
		Msg("signatures verified")
	return res, nil
}

func (e *Engine) checkOne(ctx context.Context, def *tool.Definition, key string, sig tool.Signature, pol policy.VerificationPolicy) (SignatureCheck, error) {
	check := SignatureCheck{
		Key:       key,
		Signer:    sig.Signer,
		KeyID:     sig.KeyID,
		Algorithm: sig.Algorithm,
		Role:      sig.EffectiveRole(),
	}

	fields := CoveredFields(sig)
	if !covers(fields, "name") || !covers(fields, "command") {
		check.Error = "signature must cover name and command"
		return check, nil
	}

	v, ok := e.verifier(sig.Algorithm)
	if !ok {
		check.Error = fmt.Sprintf("%s: %q", ErrUnknownAlgorithm, sig.Algorithm)
		return check, nil
	}

	pub, err := e.keys.ResolveKey(ctx, sig.Signer, sig.KeyID)
	if errors.Is(err, ErrKeyNotFound) {
		check.KeyMissing = true
		check.Error = err.Error()
		return check, nil
	}
	if err != nil {
		return SignatureCheck{}, fmt.Errorf("%w: resolve key for %q: %v", ErrVerification, sig.Signer, err)
	}

	msg, err := CanonicalBytes(def, fields)
	if err != nil {
		check.Error = err.Error()
		return check, nil
	}
	if err := v.Verify(pub, msg, sig.Value); err != nil {
		check.Error = err.Error()
		return check, nil
	}

	check.Valid = true
	// The allowlist holds fingerprints of the key that verified, never the
	// id the signature claims.
	id, idErr := KeyID(pub)
	check.Trusted = idErr == nil && pol.Trusts(id)
	check.Counted = check.Trusted
	if !check.Trusted {
		check.Error = "key is not in the trusted key list"
	}
	return check, nil
}

func classify(res Result) Failure {
	anyValid := false
	allMissing := len(res.Signatures) > 0
	for _, c := range res.Signatures {
		if c.Valid {
			anyValid = true
		}
		if !c.KeyMissing {
			allMissing = false
		}
	}
	if !anyValid && allMissing {
		return FailureKeyMissing
	}
	return FailureInvalid
}

func missingRole(required []tool.Role, seen map[tool.Role]bool) bool {
	for _, r := range required {
		if !seen[r] {
			return true
		}
	}
	return false
}

func covers(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
