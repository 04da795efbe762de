package guard

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAccepts(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"https://example.com",
		"https://example.com/path?q=1",
		"http://example.com:8080/x",
		"https://8.8.8.8",
		"https://172.32.0.1",
		"https://10allowed.example.com",
	} {
		u, err := Validate(raw)
		if err != nil {
			t.Fatalf("Validate(%q) unexpected error: %v", raw, err)
		}
		if u == nil || u.Host == "" {
			t.Fatalf("Validate(%q) returned no parsed URL", raw)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw    string
		reason string
	}{
		{"", "invalid URL"},
		{"example.com", "invalid URL"},
		{"://nope", "invalid URL"},
		{"ftp://example.com", "blocked protocol"},
		{"file:///etc/passwd", "blocked protocol"},
		{"http://localhost", "blocked host"},
		{"http://LOCALHOST/admin", "blocked host"},
		{"https://127.0.0.1", "blocked host"},
		{"https://0.0.0.0", "blocked host"},
		{"https://[::1]", "blocked host"},
		{"https://[::]", "blocked host"},
		{"https://127.0.0.2", "private address blocked"},
		{"https://10.0.0.1", "private address blocked"},
		{"https://10.0.0.1:8443/internal", "private address blocked"},
		{"https://192.168.1.1", "private address blocked"},
		{"https://172.16.0.1", "private address blocked"},
		{"https://172.31.255.254", "private address blocked"},
		{"https://169.254.169.254/latest/meta-data", "private address blocked"},
		{"https://[fe80::1]", "private address blocked"},
		{"https://[fd00::2]", "private address blocked"},
		{"https://[fc00::3]", "private address blocked"},
	}
	for _, tc := range cases {
		u, err := Validate(tc.raw)
		if err == nil {
			t.Fatalf("Validate(%q) accepted, want block %q", tc.raw, tc.reason)
		}
		if u != nil {
			t.Fatalf("Validate(%q) returned a URL alongside an error", tc.raw)
		}
		var blocked *BlockedError
		if !errors.As(err, &blocked) {
			t.Fatalf("Validate(%q) error is %T, want *BlockedError", tc.raw, err)
		}
		if !strings.HasPrefix(blocked.Reason, tc.reason) {
			t.Fatalf("Validate(%q) reason = %q, want prefix %q", tc.raw, blocked.Reason, tc.reason)
		}
	}
}

func TestValidateOutsidePrivateOctetRange(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"https://172.15.0.1", "https://172.200.0.1"} {
		if _, err := Validate(raw); err != nil {
			t.Fatalf("Validate(%q) unexpected block: %v", raw, err)
		}
	}
}
