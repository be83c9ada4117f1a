// Package domain contains entity without logic, just meta-data
package domain

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strconv"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// UserID is the opaque numeric identity minted once per login session.
type UserID uint32

func (id UserID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return UserID(n), nil
}

type User struct {
	ID    UserID `json:"id"`
	Name  string `json:"name"`
	Token string `json:"-"`
}

// NewUser mints a fresh random identity for this session.
// The signaling token is attached later, after the token service call.
func NewUser(name string) (*User, error) {
	if len(name) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	return &User{ID: UserID(binary.BigEndian.Uint32(buf[:])), Name: name}, nil
}
