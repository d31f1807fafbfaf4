package tgrid

import (
	"errors"
	"testing"
)

func TestHeaderEnvelopeRoundTrip(t *testing.T) {
	frame, err := encodeHeaderEnvelope(map[string]interface{}{"token": "secret", "n": 3})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	env, err := decodeHeaderEnvelope(frame)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if env.Version != ProtocolVersion {
		t.Errorf("Expected version %s, got %q", ProtocolVersion, env.Version)
	}
	if len(env.Header) == 0 {
		t.Error("Header lost")
	}

	// nil headers are legal: "no provider exposed" peers still shake
	// hands.
	frame, err = encodeHeaderEnvelope(nil)
	if err != nil {
		t.Fatalf("Failed to encode nil header: %v", err)
	}
	if _, err := decodeHeaderEnvelope(frame); err != nil {
		t.Errorf("Failed to decode nil header: %v", err)
	}

	if _, err := decodeHeaderEnvelope([]byte("OPENING")); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got %v", err)
	}
}

func TestCheckVersion(t *testing.T) {
	cases := []struct {
		constraint string
		announced  string
		ok         bool
	}{
		{"", "9.9.9", true},
		{"^1", "", true}, // pre-versioning peers stay connectable
		{"^1", "1.0.0", true},
		{"^1", "1.4.2", true},
		{"^1", "2.0.0", false},
		{"^2", ProtocolVersion, false},
	}
	for _, c := range cases {
		err := checkVersion(c.constraint, c.announced)
		if c.ok && err != nil {
			t.Errorf("checkVersion(%q, %q): unexpected error %v", c.constraint, c.announced, err)
		}
		if !c.ok && err == nil {
			t.Errorf("checkVersion(%q, %q): expected rejection", c.constraint, c.announced)
		}
	}

	if err := checkVersion("^1", "not-a-version"); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got %v", err)
	}
}
