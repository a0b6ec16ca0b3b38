// Package auth implements API key verification for both warden services.
// The gateway checks membership in a static key set; the engine resolves
// a key to its tenant. All comparisons are constant-time.
package auth

import "crypto/subtle"

// KeySet holds the gateway's accepted API keys.
type KeySet struct {
	keys [][]byte
}

// NewKeySet builds a set from the configured keys.
func NewKeySet(keys []string) *KeySet {
	s := &KeySet{keys: make([][]byte, len(keys))}
	for i, k := range keys {
		s.keys[i] = []byte(k)
	}
	return s
}

// Contains reports whether candidate is one of the configured keys.
// Each comparison inspects every byte over the longer length, so a
// candidate of the wrong length costs the same as a near miss.
func (s *KeySet) Contains(candidate string) bool {
	provided := []byte(candidate)
	for _, expected := range s.keys {
		if timingSafeEq(expected, provided) {
			return true
		}
	}
	return false
}

// timingSafeEq compares a and b without early exit. A length mismatch
// sets a difference bit but every position is still visited.
func timingSafeEq(a, b []byte) bool {
	maxLen := max(len(a), len(b))
	diff := byte(len(a) ^ len(b))
	for i := range maxLen {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		diff |= av ^ bv
	}
	return diff == 0
}

// TenantKeys maps engine API keys to tenant ids.
type TenantKeys struct {
	pairs []tenantKey
}

type tenantKey struct {
	key    []byte
	tenant string
}

// NewTenantKeys builds the resolver from a key -> tenant table.
func NewTenantKeys(byKey map[string]string) *TenantKeys {
	t := &TenantKeys{pairs: make([]tenantKey, 0, len(byKey))}
	for key, tenant := range byKey {
		t.pairs = append(t.pairs, tenantKey{key: []byte(key), tenant: tenant})
	}
	return t
}

// Resolve returns the tenant owning candidate, if any.
func (t *TenantKeys) Resolve(candidate string) (string, bool) {
	provided := []byte(candidate)
	for _, p := range t.pairs {
		if subtle.ConstantTimeCompare(p.key, provided) == 1 {
			return p.tenant, true
		}
	}
	return "", false
}
