// Package rank implements the four-step role ladder that governs
// authorization and request escalation.
package rank

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a position on the ladder. The zero value is not a valid role.
type Role uint8

const (
	Private Role = iota + 1
	Sergeant
	Lieutenant
	General
)

// ErrInvalidRole is returned by Parse for names outside the ladder.
var ErrInvalidRole = errors.New("invalid role")

// All lists every role from lowest to highest.
var All = []Role{Private, Sergeant, Lieutenant, General}

var names = map[Role]string{
	Private:    "Private",
	Sergeant:   "Sergeant",
	Lieutenant: "Lieutenant",
	General:    "General",
}

func (r Role) String() string {
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Rank returns the ordinal of r, 1 for Private through 4 for General.
// Invalid roles rank 0.
func (r Role) Rank() int {
	if !r.Valid() {
		return 0
	}
	return int(r)
}

// Valid reports whether r is one of the four ladder roles.
func (r Role) Valid() bool {
	return r >= Private && r <= General
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() >= other.Rank() && r.Valid()
}

// NextAbove returns the role directly above r. General has nothing above it.
func (r Role) NextAbove() (Role, bool) {
	if !r.Valid() || r == General {
		return 0, false
	}
	return r + 1, true
}

// IsValidName reports whether name is a ladder role name (case-insensitive).
func IsValidName(name string) bool {
	_, err := Parse(name)
	return err == nil
}

// Parse converts a role name to a Role. Matching ignores case.
func Parse(name string) (Role, error) {
	for _, r := range All {
		if strings.EqualFold(name, names[r]) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, name)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
