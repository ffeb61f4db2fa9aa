package records

import (
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/c3sync/internal/model"
)

const (
	userNameLen       = 20
	userPINLen        = 8
	userVersionOffset = 58
)

// UserRecord is a decoded panel-resident user and the version stamp stored with it.
type UserRecord struct {
	User  model.User
	Stamp uint32
}

// UserVersion returns the content version EncodeUser would stamp on u.
func UserVersion(u model.User) (uint32, error) {
	b, err := EncodeUser(u)
	if err != nil {
		return 0, err
	}
	return le32(b[userVersionOffset:]), nil
}

func EncodeUser(u model.User) ([]byte, error) {
	if u.ID == 0 {
		return nil, outOfRange(TableUser, "id", 0)
	}
	if !u.Verify.Valid() {
		return nil, outOfRange(TableUser, "verify", int64(u.Verify))
	}
	if u.Status > model.StatusExpired {
		return nil, outOfRange(TableUser, "status", int64(u.Status))
	}
	if len(u.Groups) > model.MaxUserGroups {
		return nil, outOfRange(TableUser, "groups", int64(len(u.Groups)))
	}
	card, err := parseDigits(TableUser, "card", u.Card, 20)
	if err != nil {
		return nil, err
	}
	if _, err := parseDigits(TableUser, "pin", u.PIN, userPINLen); err != nil {
		return nil, err
	}
	switch u.Verify {
	case model.VerifyCard, model.VerifyCardAndPIN:
		if card == 0 {
			return nil, fmt.Errorf("%w: user %d verify=%s requires a card", ErrInvalidField, u.ID, u.Verify)
		}
	}
	switch u.Verify {
	case model.VerifyPIN, model.VerifyCardAndPIN:
		if u.PIN == "" {
			return nil, fmt.Errorf("%w: user %d verify=%s requires a pin", ErrInvalidField, u.ID, u.Verify)
		}
	}
	from, err := unixField("valid_from", u.ValidFrom)
	if err != nil {
		return nil, err
	}
	until, err := unixField("valid_until", u.ValidUntil)
	if err != nil {
		return nil, err
	}
	if from != 0 && until != 0 && until < from {
		return nil, fmt.Errorf("%w: user %d validity window ends before it starts", ErrInvalidField, u.ID)
	}

	b := make([]byte, UserSize)
	put32(b[0:4], u.ID)
	put64(b[4:12], card)
	putString(b[12:32], u.Name)
	copy(b[32:40], u.PIN)
	b[40] = byte(u.Verify)
	b[41] = byte(u.Status)
	for i, g := range u.Groups {
		if g == 0 {
			return nil, outOfRange(TableUser, "groups", 0)
		}
		put16(b[42+i*2:44+i*2], g)
	}
	put32(b[50:54], from)
	put32(b[54:58], until)
	put32(b[userVersionOffset:userVersionOffset+4], stamp(b, userVersionOffset))
	return b, nil
}

// DecodeUser range-validates one user record before exposing it.
func DecodeUser(b []byte) (UserRecord, error) {
	if len(b) != UserSize {
		return UserRecord{}, fmt.Errorf("%w: user=%d", ErrRecordSize, len(b))
	}
	id := le32(b[0:4])
	if id == 0 {
		return UserRecord{}, outOfRange(TableUser, "id", 0)
	}
	verify := model.VerifyMode(b[40])
	if !verify.Valid() {
		return UserRecord{}, outOfRange(TableUser, "verify", int64(b[40]))
	}
	status := model.UserStatus(b[41])
	if status > model.StatusExpired {
		return UserRecord{}, outOfRange(TableUser, "status", int64(b[41]))
	}
	pin := getString(b[32:40])
	if _, err := parseDigits(TableUser, "pin", pin, userPINLen); err != nil {
		return UserRecord{}, err
	}
	u := model.User{
		ID:     id,
		Name:   getString(b[12:32]),
		PIN:    pin,
		Verify: verify,
		Status: status,
		Groups: []uint16{},
	}
	if card := le64(b[4:12]); card != 0 {
		u.Card = strconv.FormatUint(card, 10)
	}
	for i := 0; i < model.MaxUserGroups; i++ {
		if g := le16(b[42+i*2:]); g != 0 {
			u.Groups = append(u.Groups, g)
		}
	}
	if v := le32(b[50:54]); v != 0 {
		u.ValidFrom = time.Unix(int64(v), 0).UTC()
	}
	if v := le32(b[54:58]); v != 0 {
		u.ValidUntil = time.Unix(int64(v), 0).UTC()
	}
	return UserRecord{User: u, Stamp: le32(b[userVersionOffset:])}, nil
}

func unixField(field string, t time.Time) (uint32, error) {
	if t.IsZero() {
		return 0, nil
	}
	s := t.Unix()
	if s <= 0 || s > int64(^uint32(0)) {
		return 0, outOfRange(TableUser, field, s)
	}
	return uint32(s), nil
}
