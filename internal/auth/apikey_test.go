package auth

import "testing"

func TestKeySetContains(t *testing.T) {
	t.Parallel()

	set := NewKeySet([]string{"dev-key", "prod-key-longer"})

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"first key", "dev-key", true},
		{"second key", "prod-key-longer", true},
		{"near miss", "dev-kez", false},
		{"wrong length", "dev-key-x", false},
		{"empty candidate", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := set.Contains(tt.candidate); got != tt.want {
				t.Errorf("Contains(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestKeySetEmpty(t *testing.T) {
	t.Parallel()

	if NewKeySet(nil).Contains("anything") {
		t.Error("empty set must reject every candidate")
	}
}

func TestTimingSafeEq(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"equal", "secret", "secret", true},
		{"both empty", "", "", true},
		{"one byte off", "secret", "secreu", false},
		{"prefix", "secret", "secr", false},
		{"longer candidate", "secr", "secret", false},
		{"empty vs nonempty", "", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := timingSafeEq([]byte(tt.a), []byte(tt.b)); got != tt.want {
				t.Errorf("timingSafeEq(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestTenantKeysResolve(t *testing.T) {
	t.Parallel()

	keys := NewTenantKeys(map[string]string{
		"dev-key":  "default",
		"acme-key": "acme",
	})

	tenant, ok := keys.Resolve("acme-key")
	if !ok || tenant != "acme" {
		t.Errorf("Resolve(acme-key) = %q, %v", tenant, ok)
	}

	tenant, ok = keys.Resolve("dev-key")
	if !ok || tenant != "default" {
		t.Errorf("Resolve(dev-key) = %q, %v", tenant, ok)
	}

	if _, ok := keys.Resolve("unknown"); ok {
		t.Error("unknown key must not resolve")
	}
	if _, ok := keys.Resolve(""); ok {
		t.Error("empty key must not resolve")
	}
}
