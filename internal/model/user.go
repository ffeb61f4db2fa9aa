package model

import (
	"fmt"
	"strings"
	"time"
)

const MaxUserGroups = 4

// VerifyMode is the credential policy a door applies to a user.
type VerifyMode uint8

const (
	VerifyCard       VerifyMode = 0
	VerifyPIN        VerifyMode = 1
	VerifyCardOrPIN  VerifyMode = 2
	VerifyCardAndPIN VerifyMode = 3

	// VerifyNone appears only on events that involve no credential.
	VerifyNone VerifyMode = 0xFF
)

var verifyNames = map[VerifyMode]string{
	VerifyCard:       "card_only",
	VerifyPIN:        "pin_only",
	VerifyCardOrPIN:  "card_or_pin",
	VerifyCardAndPIN: "card_and_pin",
	VerifyNone:       "none",
}

func (v VerifyMode) String() string {
	if name, ok := verifyNames[v]; ok {
		return name
	}
	return fmt.Sprintf("verify(%d)", uint8(v))
}

// Valid reports whether v is a user-assignable mode.
func (v VerifyMode) Valid() bool {
	return v <= VerifyCardAndPIN
}

func ParseVerifyMode(raw string) (VerifyMode, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return VerifyCard, nil
	}
	for mode, name := range verifyNames {
		if name == key && mode.Valid() {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown verify mode %q", raw)
}

func (v VerifyMode) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText also accepts "none" so event records decode; users still reject it on encode.
func (v *VerifyMode) UnmarshalText(b []byte) error {
	if string(b) == verifyNames[VerifyNone] {
		*v = VerifyNone
		return nil
	}
	m, err := ParseVerifyMode(string(b))
	if err != nil {
		return err
	}
	*v = m
	return nil
}

type UserStatus uint8

const (
	StatusActive UserStatus = iota
	StatusInactive
	StatusExpired
)

func (s UserStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func ParseUserStatus(raw string) (UserStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "active":
		return StatusActive, nil
	case "inactive":
		return StatusInactive, nil
	case "expired":
		return StatusExpired, nil
	default:
		return 0, fmt.Errorf("unknown user status %q", raw)
	}
}

func (s UserStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *UserStatus) UnmarshalText(b []byte) error {
	v, err := ParseUserStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// User is one credential holder. Card is a decimal card number, PIN a digit string.
type User struct {
	ID         uint32     `json:"id"`
	Name       string     `json:"name"`
	Card       string     `json:"card,omitempty"`
	PIN        string     `json:"pin,omitempty"`
	Verify     VerifyMode `json:"verify"`
	Groups     []uint16   `json:"groups"`
	ValidFrom  time.Time  `json:"valid_from,omitzero"`
	ValidUntil time.Time  `json:"valid_until,omitzero"`
	Status     UserStatus `json:"status"`
}

// CanonicalCard drops leading zeros so a card string matches the number the
// panel stores. An all-zero card is no card.
func CanonicalCard(card string) string {
	return strings.TrimLeft(card, "0")
}

// HasGroup reports whether the user is a member of group id.
func (u User) HasGroup(id uint16) bool {
	for _, g := range u.Groups {
		if g == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with u.
func (u User) Clone() User {
	out := u
	out.Groups = append([]uint16(nil), u.Groups...)
	return out
}

// ActiveAt reports whether the user may pass at t according to status and validity window.
func (u User) ActiveAt(t time.Time) bool {
	if u.Status != StatusActive {
		return false
	}
	if !u.ValidFrom.IsZero() && t.Before(u.ValidFrom) {
		return false
	}
	if !u.ValidUntil.IsZero() && t.After(u.ValidUntil) {
		return false
	}
	return true
}
