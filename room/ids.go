package room

import (
	"fmt"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	IDLength       = 5
	UserIDAlphabet = "1234567890"
	RoomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
)

// IDGenerator hands out user and room ids. Ids are random, not unique: a collision is possible and is not retried.
type IDGenerator interface {
	NewUserID() string
	NewRoomID() string
}

type nanoIDGenerator struct {
	user func() string
	room func() string
}

// NewIDGenerator returns an IDGenerator drawing IDLength characters uniformly from UserIDAlphabet and
// RoomIDAlphabet.
func NewIDGenerator() (IDGenerator, error) {
	user, err := nanoid.CustomASCII(UserIDAlphabet, IDLength)
	if err != nil {
		return nil, fmt.Errorf("could not create user id generator: %w", err)
	}
	room, err := nanoid.CustomASCII(RoomIDAlphabet, IDLength)
	if err != nil {
		return nil, fmt.Errorf("could not create room id generator: %w", err)
	}
	return &nanoIDGenerator{user: user, room: room}, nil
}

func (g *nanoIDGenerator) NewUserID() string {
	return g.user()
}

func (g *nanoIDGenerator) NewRoomID() string {
	return g.room()
}

// IsRoomID reports whether s could have been produced by NewRoomID.
func IsRoomID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for _, c := range s {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
