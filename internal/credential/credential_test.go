package credential

import (
	"strings"
	"testing"
)

func TestNewAPIKey_Format(t *testing.T) {
	key := NewAPIKey()
	if !strings.HasPrefix(key, PrefixAPIKey) {
		t.Errorf("expected key to start with %s, got %s", PrefixAPIKey, key[:3])
	}
	if len(key) < 32 {
		t.Errorf("expected key with at least 192 bits of entropy, got length %d", len(key))
	}
}

func TestNewID_Prefixes(t *testing.T) {
	if id := NewAgentID(); !strings.HasPrefix(id, PrefixAgent) {
		t.Errorf("expected agent id prefix %s, got %s", PrefixAgent, id)
	}
	if id := NewTaskID(); !strings.HasPrefix(id, PrefixTask) {
		t.Errorf("expected task id prefix %s, got %s", PrefixTask, id)
	}
	if id := NewLedgerID(); !strings.HasPrefix(id, PrefixLedger) {
		t.Errorf("expected ledger id prefix %s, got %s", PrefixLedger, id)
	}
	if id := NewMatchID(); !strings.HasPrefix(id, PrefixMatch) {
		t.Errorf("expected match id prefix %s, got %s", PrefixMatch, id)
	}
}

func TestHashKey_VerifyRoundTrip(t *testing.T) {
	raw := NewAPIKey()

	hash, fp, err := HashKey(raw)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}
	if hash == raw {
		t.Error("stored hash must not equal the raw key")
	}
	if fp != Fingerprint(raw) {
		t.Error("fingerprint from HashKey must match Fingerprint(raw)")
	}

	if !VerifyKey(raw, hash) {
		t.Error("VerifyKey should accept the raw key against its own hash")
	}
	if VerifyKey("wrong-key", hash) {
		t.Error("VerifyKey should reject a mismatched key")
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	raw := "pk_sometestkey"
	if Fingerprint(raw) != Fingerprint(raw) {
		t.Error("Fingerprint must be deterministic for the same input")
	}
	if Fingerprint(raw) == Fingerprint(raw+"x") {
		t.Error("Fingerprint should differ for different inputs")
	}
}

func TestHashKey_DifferentSaltsPerCall(t *testing.T) {
	raw := NewAPIKey()

	hash1, _, err := HashKey(raw)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}
	hash2, _, err := HashKey(raw)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}
	if hash1 == hash2 {
		t.Error("bcrypt should salt each hash independently")
	}
	if !VerifyKey(raw, hash1) || !VerifyKey(raw, hash2) {
		t.Error("both independently-salted hashes must verify the same raw key")
	}
}
