// Package identity implements the virtual identity codec.
//
// A virtual identity bundles (real user, session, agent) into a single
// opaque token so that session-scoped agents can flow through APIs that
// only understand a flat user identifier. Memory-backend calls always
// receive the real user id, keeping retrieval scoped to the actual user
// no matter which agent issued the call.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Marker separates the components of a session-scoped identity token.
// Wire format: <real_user_id>__session__<session_id>__<agent_id>
const (
	sessionMarker = "__session__"
	fieldSep      = "__"
)

// ErrInvalidIdentity indicates a component that cannot be encoded or a
// token that carries the session marker but is malformed.
var ErrInvalidIdentity = errors.New("invalid virtual identity")

// Identity is the decoded form of an identity token.
// For single-agent callers only UserID is set.
type Identity struct {
	MultiAgent bool
	UserID     string
	SessionID  string
	AgentID    string
}

// Token re-encodes the identity into its wire form. For single-agent
// identities this is just the user id.
func (id Identity) Token() string {
	if !id.MultiAgent {
		return id.UserID
	}
	return id.UserID + sessionMarker + id.SessionID + fieldSep + id.AgentID
}

// Encode builds a session-scoped identity token. Components must be
// non-empty and must not contain the reserved separator sequence.
func Encode(userID, sessionID, agentID string) (string, error) {
	for _, part := range []struct{ name, value string }{
		{"user id", userID},
		{"session id", sessionID},
		{"agent id", agentID},
	} {
		if part.value == "" {
			return "", fmt.Errorf("%w: empty %s", ErrInvalidIdentity, part.name)
		}
		if strings.Contains(part.value, fieldSep) {
			return "", fmt.Errorf("%w: %s %q contains reserved separator", ErrInvalidIdentity, part.name, part.value)
		}
	}
	return userID + sessionMarker + sessionID + fieldSep + agentID, nil
}

// Decode parses an identity token. Decode is total: any token without
// the session marker is a plain single-agent user id. A token that
// carries the marker but is malformed returns ErrInvalidIdentity rather
// than silently falling back to another user's scope.
func Decode(token string) (Identity, error) {
	idx := strings.Index(token, sessionMarker)
	if idx < 0 {
		return Identity{UserID: token}, nil
	}

	userID := token[:idx]
	rest := token[idx+len(sessionMarker):]
	sessionID, agentID, ok := strings.Cut(rest, fieldSep)
	if !ok || userID == "" || sessionID == "" || agentID == "" {
		return Identity{}, fmt.Errorf("%w: malformed token %q", ErrInvalidIdentity, token)
	}

	return Identity{
		MultiAgent: true,
		UserID:     userID,
		SessionID:  sessionID,
		AgentID:    agentID,
	}, nil
}
