package bridge

import "testing"

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{
			name: "token in sentence",
			body: "Found a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b for +27821110000.",
			want: "a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b",
			ok:   true,
		},
		{
			name: "uppercase token is canonicalized",
			body: "identity: A7F3B2C1-4D5E-4F60-8A9B-0C1D2E3F4A5B",
			want: "a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b",
			ok:   true,
		},
		{
			name: "bare token",
			body: "a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b",
			want: "a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b",
			ok:   true,
		},
		{
			name: "malformed token rejected",
			body: "a7f3b2c1-4d5e-4f60-8a9b",
			ok:   false,
		},
		{
			name: "no token",
			body: "Working on it...",
			ok:   false,
		},
		{
			name: "empty body",
			body: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractToken(tt.body)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsFailureReply(t *testing.T) {
	failures := []string{
		"The phone number +27821110000 is not registered on Signal",
		"That user is NOT SIGNED UP",
		"Failed to resolve identifier",
		"could not resolve +123",
		"no such user",
	}
	for _, body := range failures {
		if !IsFailureReply(body) {
			t.Errorf("IsFailureReply(%q) = false, want true", body)
		}
	}

	successes := []string{
		"Found a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b",
		"Working on it",
		"",
	}
	for _, body := range successes {
		if IsFailureReply(body) {
			t.Errorf("IsFailureReply(%q) = true, want false", body)
		}
	}
}

func TestMatchesGhost(t *testing.T) {
	token := "a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b"

	if !matchesGhost("@signal_a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b:example.org", token) {
		t.Error("ghost MXID carrying the token should match")
	}
	if !matchesGhost("@signal_A7F3B2C1-4D5E-4F60-8A9B-0C1D2E3F4A5B:example.org", token) {
		t.Error("match should be case-insensitive")
	}
	if matchesGhost("@signalbot:example.org", token) {
		t.Error("unrelated MXID should not match")
	}
	if matchesGhost("@anything:example.org", "") {
		t.Error("empty token must never match")
	}
}
