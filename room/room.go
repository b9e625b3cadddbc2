package room

import "time"

// Conn is the registry's view of a live connection. The transport issues the id when the connection is accepted;
// membership is keyed on it, never on the transport object. Send must not block: implementations queue the frame
// and report an error when they cannot.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Member is a connection that joined a room under a user id.
type Member struct {
	Conn   Conn
	UserID string
}

// Room is a set of members in join order, which is also the broadcast order.
type Room struct {
	ID        string
	Members   []Member
	CreatedAt time.Time
}

func (rm *Room) indexOf(connID string) int {
	for i, m := range rm.Members {
		if m.Conn.ID() == connID {
			return i
		}
	}
	return -1
}

func (rm *Room) hasUser(userID string) bool {
	for _, m := range rm.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
