// Package credential mints opaque entity IDs and API keys, and hashes
// and verifies raw keys against the slow-hash/fast-fingerprint pair
// agents are authenticated by.
package credential

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"

	"github.com/pinchwork/pinchwork/internal/idgen"
)

// Prefixes for opaque entity IDs, matching the marketplace's entity kinds.
const (
	PrefixAgent      = "ag_"
	PrefixTask       = "tk_"
	PrefixLedger     = "le_"
	PrefixMatch      = "mt_"
	PrefixAPIKey     = "pk_"
	fingerprintBytes = 8 // 16 hex chars, matching original_source's sha256[:16]
)

// NewID mints an opaque, URL-safe ID with the given prefix.
func NewID(prefix string) string {
	return idgen.WithPrefix(prefix)
}

// NewAgentID mints an agent ID.
func NewAgentID() string { return NewID(PrefixAgent) }

// NewTaskID mints a task ID.
func NewTaskID() string { return NewID(PrefixTask) }

// NewLedgerID mints a ledger entry ID.
func NewLedgerID() string { return NewID(PrefixLedger) }

// NewMatchID mints a task-match ID.
func NewMatchID() string { return NewID(PrefixMatch) }

// referralCodeBytes controls referral code length: 6 bytes of hex gives a
// human-typeable 12-char code with enough entropy to avoid accidental collision.
const referralCodeBytes = 6

// NewReferralCode mints an agent's shareable referral code — distinct
// from its entity ID so it can be handed out publicly without leaking
// the ID used internally for lookups.
func NewReferralCode() string {
	return idgen.Hex(referralCodeBytes)
}

// NewAPIKey mints a raw API key with at least 192 bits of entropy from
// a cryptographic RNG. The raw key is surfaced to the caller exactly
// once, at registration time; only its hash and fingerprint are stored.
func NewAPIKey() string {
	return PrefixAPIKey + idgen.Hex(24)
}

// HashKey runs the deliberately slow KDF over a raw API key for storage,
// and separately computes its fast-lookup fingerprint. The hash is never
// indexed; the fingerprint is, so authentication can find the candidate
// row in O(1) before paying bcrypt's cost to confirm it.
func HashKey(raw string) (storedHash string, fingerprint string, err error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return string(hashed), Fingerprint(raw), nil
}

// VerifyKey reports whether raw matches storedHash, in the bcrypt
// library's constant-time comparison.
func VerifyKey(raw, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(raw)) == nil
}

// Fingerprint computes the fast, collision-resistant lookup digest of a
// raw API key. It is not a security boundary by itself — VerifyKey's
// slow hash is — it only narrows authentication to a single row.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:fingerprintBytes*2]
}
