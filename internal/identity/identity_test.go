package identity

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		user, session, agent string
	}{
		{"alice", "sess-1", "agent-1"},
		{"u-42", "0b1c2d", "a"},
		{"user@example.com", "refactor", "claude.2"},
	}

	for _, tc := range cases {
		token, err := Encode(tc.user, tc.session, tc.agent)
		if err != nil {
			t.Fatalf("Encode(%q, %q, %q): %v", tc.user, tc.session, tc.agent, err)
		}

		id, err := Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q): %v", token, err)
		}
		if !id.MultiAgent {
			t.Errorf("Decode(%q): expected multi-agent identity", token)
		}
		if id.UserID != tc.user || id.SessionID != tc.session || id.AgentID != tc.agent {
			t.Errorf("round trip mismatch: got (%q, %q, %q), want (%q, %q, %q)",
				id.UserID, id.SessionID, id.AgentID, tc.user, tc.session, tc.agent)
		}
		if id.Token() != token {
			t.Errorf("Token() = %q, want %q", id.Token(), token)
		}
	}
}

func TestDecodeSingleAgent(t *testing.T) {
	id, err := Decode("plain-user")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if id.MultiAgent {
		t.Error("expected single-agent identity")
	}
	if id.UserID != "plain-user" {
		t.Errorf("UserID = %q, want %q", id.UserID, "plain-user")
	}
	if id.Token() != "plain-user" {
		t.Errorf("Token() = %q, want %q", id.Token(), "plain-user")
	}
}

func TestEncodeRejectsReservedSeparator(t *testing.T) {
	cases := []struct {
		name                 string
		user, session, agent string
	}{
		{"separator in user", "bad__user", "s", "a"},
		{"separator in session", "u", "bad__session", "a"},
		{"separator in agent", "u", "s", "bad__agent"},
		{"empty user", "", "s", "a"},
		{"empty session", "u", "", "a"},
		{"empty agent", "u", "s", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.user, tc.session, tc.agent)
			if !errors.Is(err, ErrInvalidIdentity) {
				t.Errorf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}

func TestDecodeMalformedToken(t *testing.T) {
	cases := []string{
		"__session__s__a",     // empty user
		"u__session__",        // missing session and agent
		"u__session__s",       // missing agent separator
		"u__session____agent", // empty session
	}

	for _, token := range cases {
		if _, err := Decode(token); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("Decode(%q): expected ErrInvalidIdentity, got %v", token, err)
		}
	}
}
