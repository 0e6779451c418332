package shared

import "testing"

func TestRedact(t *testing.T) {
	in := `worker_token=abcdef0123456789abcdef0123456789 and bearer eyJhbGciOiJI.sig.sig`
	out := Redact(in)
	if out == in {
		t.Fatalf("expected redaction to change string, got unchanged: %q", out)
	}
	if containsSubstr(out, "abcdef0123456789abcdef0123456789") {
		t.Fatalf("token leaked in redacted output: %q", out)
	}
}

func TestShouldRedactKey(t *testing.T) {
	cases := map[string]bool{
		"Authorization": true,
		"api_key":       true,
		"worker_token":  true,
		"project_name":  false,
		"status":        false,
	}
	for key, want := range cases {
		if got := ShouldRedactKey(key); got != want {
			t.Errorf("ShouldRedactKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
