// Package prefixed_uuid provides UUIDs tagged with a short type prefix, such
// as "rule-6f1c..." for rules and "evt-..." for inbound chat events.
package prefixed_uuid

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefixes in use by the service.
const (
	PrefixRule  = "rule"
	PrefixEvent = "evt"
)

// PrefixedUUID represents a UUID with a prefix string.
type PrefixedUUID struct {
	Prefix string
	UUID   uuid.UUID
}

// New creates a new PrefixedUUID with the given prefix and a generated UUID.
func New(prefix string) PrefixedUUID {
	return PrefixedUUID{Prefix: prefix, UUID: uuid.New()}
}

// FromUUID creates a PrefixedUUID from an existing UUID and prefix.
func FromUUID(prefix string, id uuid.UUID) PrefixedUUID {
	return PrefixedUUID{Prefix: prefix, UUID: id}
}

// FromString parses "prefix-uuid". The prefix must not contain "-".
func FromString(s string) (PrefixedUUID, error) {
	prefix, rest, ok := strings.Cut(s, "-")
	if !ok || prefix == "" {
		return PrefixedUUID{}, fmt.Errorf("invalid prefixed UUID format: %s", s)
	}

	parsed, err := uuid.Parse(rest)
	if err != nil {
		return PrefixedUUID{}, fmt.Errorf("invalid UUID: %w", err)
	}
	return PrefixedUUID{Prefix: prefix, UUID: parsed}, nil
}

// Parse is FromString that also requires a specific prefix.
func Parse(prefix, s string) (PrefixedUUID, error) {
	p, err := FromString(s)
	if err != nil {
		return PrefixedUUID{}, err
	}
	if p.Prefix != prefix {
		return PrefixedUUID{}, fmt.Errorf("expected prefix %q, got %q", prefix, p.Prefix)
	}
	return p, nil
}

func (p PrefixedUUID) String() string {
	return p.Prefix + "-" + p.UUID.String()
}

// IsZero reports whether p is the zero value.
func (p PrefixedUUID) IsZero() bool {
	return p.Prefix == "" && p.UUID == uuid.Nil
}

func (p PrefixedUUID) Equal(other PrefixedUUID) bool {
	return p.Prefix == other.Prefix && p.UUID == other.UUID
}

// MarshalJSON encodes p as a JSON string.
func (p PrefixedUUID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes p from a JSON string.
func (p *PrefixedUUID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid JSON string format: %w", err)
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
