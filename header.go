package tgrid

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is stamped into every handshake envelope this side
// sends. Peers that predate the field ignore it.
const ProtocolVersion = "1.0.0"

// headerEnvelope is the first frame of every handshake: the opaque
// user header plus the sender's protocol version.
type headerEnvelope struct {
	Header  json.RawMessage `json:"header"`
	Version string          `json:"version,omitempty"`
}

// encodeHeaderEnvelope wraps a user header value for the handshake.
func encodeHeaderEnvelope(header interface{}) ([]byte, error) {
	raw, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return json.Marshal(headerEnvelope{Header: raw, Version: ProtocolVersion})
}

// decodeHeaderEnvelope parses a handshake frame.
func decodeHeaderEnvelope(frame []byte) (*headerEnvelope, error) {
	var env headerEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: undecodable header envelope: %v", ErrProtocol, err)
	}
	return &env, nil
}

// checkVersion gates a peer's announced version against a semver
// constraint such as "^1". An empty constraint or an envelope without a
// version accepts everything, keeping peers that predate the field
// connectable.
func checkVersion(constraint, announced string) error {
	if constraint == "" || announced == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(announced)
	if err != nil {
		return fmt.Errorf("%w: unparseable peer version %q", ErrProtocol, announced)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: peer version %s outside %s", ErrProtocol, announced, constraint)
	}
	return nil
}
