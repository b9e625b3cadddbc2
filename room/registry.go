package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/tcriess/roomrelay/globals"
	"github.com/tcriess/roomrelay/types"
)

// DefaultExpiry is how long a newly created room may stay empty before it is reclaimed.
const DefaultExpiry = 10 * time.Minute

const (
	msgRoomJoined = "Room joined"
	msgRoomLeft   = "Room left"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRegistryClosed = errors.New("registry closed")
)

// JoinResult is the state of a room right after a successful join.
type JoinResult struct {
	RoomID string
	Count  int
}

// LeaveResult describes the member removed by RemoveByConnection. Count is the number of members left; zero means
// the room was deleted.
type LeaveResult struct {
	RoomID string
	UserID string
	Count  int
}

// Stats is a snapshot of the registry size.
type Stats struct {
	Rooms         int
	Members       int
	PendingExpiry int
}

// Registry owns all rooms, the user lookups and the expiry timers. Its state is only ever touched by the goroutine
// executing Run; every exported method hands an operation to that goroutine and waits for it to complete, so
// operations are serialized against each other and against expiring timers.
type Registry struct {
	logger hclog.Logger
	clock  clockwork.Clock
	expiry time.Duration
	ids    IDGenerator

	ops     chan func()
	stopped chan struct{}

	rooms         map[string]*Room
	userToRoom    map[string]string
	userNames     map[string]string
	connToRoom    map[string]string
	pendingExpiry map[string]*pendingTimer
	timerSeq      uint64
}

type Option func(*Registry)

// WithClock replaces the wall clock used for expiry timers.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithExpiry sets the grace period of newly created rooms.
func WithExpiry(d time.Duration) Option {
	return func(r *Registry) { r.expiry = d }
}

// WithIDGenerator replaces the random room id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(r *Registry) { r.ids = ids }
}

func WithLogger(logger hclog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry. Nothing is processed until Run is started.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		logger:        globals.AppLogger.Named("registry"),
		clock:         clockwork.NewRealClock(),
		expiry:        DefaultExpiry,
		ops:           make(chan func()),
		stopped:       make(chan struct{}),
		rooms:         make(map[string]*Room),
		userToRoom:    make(map[string]string),
		userNames:     make(map[string]string),
		connToRoom:    make(map[string]string),
		pendingExpiry: make(map[string]*pendingTimer),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ids == nil {
		ids, err := NewIDGenerator()
		if err != nil {
			return nil, err
		}
		r.ids = ids
	}
	if r.expiry <= 0 {
		return nil, fmt.Errorf("expiry must be positive, got %s", r.expiry)
	}
	return r, nil
}

// Run executes registry operations until ctx is cancelled. It must be started exactly once. On exit all pending
// expiry timers are stopped and later calls fail with ErrRegistryClosed.
func (r *Registry) Run(ctx context.Context) {
	r.logger.Info("registry running", "expiry", r.expiry)
	defer close(r.stopped)
	defer r.cancelAllExpiries()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry stopped", "rooms", len(r.rooms))
			return
		case op := <-r.ops:
			r.execute(op)
		}
	}
}

// Done is closed once Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.stopped
}

func (r *Registry) execute(op func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("recovered from panic in registry operation", "panic", rec)
		}
	}()
	op()
}

// do runs fn on the registry goroutine and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.ops <- func() {
		defer close(done)
		fn()
	}:
	case <-r.stopped:
		return ErrRegistryClosed
	}
	<-done
	return nil
}

// submit queues fn without waiting for it to run.
func (r *Registry) submit(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.stopped:
	}
}

// CreateRoom adds an empty room under a fresh id and arms its expiry timer.
func (r *Registry) CreateRoom() (string, error) {
	var roomID string
	err := r.do(func() {
		roomID = r.ids.NewRoomID()
		if _, exists := r.rooms[roomID]; exists {
			r.logger.Warn("generated room id is already taken, handing out the existing room", "room", roomID)
			return
		}
		r.rooms[roomID] = &Room{ID: roomID, CreatedAt: r.clock.Now()}
		r.armExpiry(roomID)
		r.logger.Debug("room created", "room", roomID)
	})
	return roomID, err
}

// JoinRoom adds conn to the room as userID and tells every member, the joiner included, the new member count.
// A connection already in another room leaves that room first; joining the same room again only refreshes the
// user id and display name.
func (r *Registry) JoinRoom(roomID, userID, displayName string, conn Conn) (JoinResult, error) {
	var result JoinResult
	var opErr error
	err := r.do(func() {
		rm, ok := r.rooms[roomID]
		if !ok {
			opErr = fmt.Errorf("join %q: %w", roomID, ErrRoomNotFound)
			return
		}
		if current, ok := r.connToRoom[conn.ID()]; ok && current != roomID {
			r.removeMember(conn.ID())
		}
		if idx := rm.indexOf(conn.ID()); idx >= 0 {
			previous := rm.Members[idx].UserID
			rm.Members[idx].UserID = userID
			if previous != userID {
				r.forgetUser(rm, previous)
			}
		} else {
			rm.Members = append(rm.Members, Member{Conn: conn, UserID: userID})
		}
		r.connToRoom[conn.ID()] = roomID
		r.userToRoom[userID] = roomID
		r.userNames[userID] = displayName

		result = JoinResult{RoomID: roomID, Count: len(rm.Members)}
		r.logger.Debug("user joined room", "room", roomID, "user", userID, "count", result.Count)
		r.broadcast(rm, types.FrameResponse, types.ResponsePayload{
			Action:    types.ActionJoinRoom,
			RoomID:    roomID,
			RoomCount: result.Count,
			Status:    types.StatusSuccess,
			Message:   msgRoomJoined,
		})
	})
	if err != nil {
		return JoinResult{}, err
	}
	return result, opErr
}

// RemoveByConnection evicts the member owning connID. The remaining members are told the new count; a room left
// empty is deleted right away. A nil result means the connection was in no room.
func (r *Registry) RemoveByConnection(connID string) (*LeaveResult, error) {
	var result *LeaveResult
	err := r.do(func() {
		result = r.removeMember(connID)
	})
	return result, err
}

// RouteChatMessage sends a chat frame to every member of the sender's room, the sender included, and returns the
// number of members it was handed to. Messages from users in no room are dropped.
func (r *Registry) RouteChatMessage(userID, text string) (int, error) {
	var sent int
	err := r.do(func() {
		roomID, ok := r.userToRoom[userID]
		if !ok {
			r.logger.Debug("dropping chat message from user in no room", "user", userID)
			return
		}
		rm, ok := r.rooms[roomID]
		if !ok {
			return
		}
		sent = r.broadcast(rm, types.FrameChat, types.ChatPayload{
			UserID:   userID,
			UserName: r.userNames[userID],
			Message:  text,
		})
	})
	return sent, err
}

// RoomSize returns the member count of a room and whether it exists.
func (r *Registry) RoomSize(roomID string) (int, bool, error) {
	var count int
	var exists bool
	err := r.do(func() {
		if rm, ok := r.rooms[roomID]; ok {
			count, exists = len(rm.Members), true
		}
	})
	return count, exists, err
}

func (r *Registry) Stats() (Stats, error) {
	var stats Stats
	err := r.do(func() {
		stats.Rooms = len(r.rooms)
		stats.Members = len(r.connToRoom)
		stats.PendingExpiry = len(r.pendingExpiry)
	})
	return stats, err
}

func (r *Registry) removeMember(connID string) *LeaveResult {
	roomID, ok := r.connToRoom[connID]
	if !ok {
		return nil
	}
	delete(r.connToRoom, connID)
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	idx := rm.indexOf(connID)
	if idx < 0 {
		return nil
	}
	member := rm.Members[idx]
	rm.Members = append(rm.Members[:idx], rm.Members[idx+1:]...)
	r.forgetUser(rm, member.UserID)

	result := &LeaveResult{RoomID: roomID, UserID: member.UserID, Count: len(rm.Members)}
	r.logger.Debug("user left room", "room", roomID, "user", member.UserID, "count", result.Count)
	if result.Count == 0 {
		r.deleteRoom(roomID)
		r.logger.Info("room deleted, last member left", "room", roomID)
		return result
	}
	r.broadcast(rm, types.FrameResponse, types.ResponsePayload{
		Action:    types.ActionLeaveRoom,
		RoomID:    roomID,
		RoomCount: result.Count,
		Status:    types.StatusSuccess,
		Message:   msgRoomLeft,
	})
	return result
}

// forgetUser drops the lookups of a user that no longer has a member in rm, unless they already point elsewhere.
func (r *Registry) forgetUser(rm *Room, userID string) {
	if r.userToRoom[userID] != rm.ID || rm.hasUser(userID) {
		return
	}
	delete(r.userToRoom, userID)
	delete(r.userNames, userID)
}

func (r *Registry) deleteRoom(roomID string) {
	r.cancelExpiry(roomID)
	delete(r.rooms, roomID)
}

// broadcast hands one encoded frame to every member in join order. A failing member is logged and skipped; it stays
// in the room until its connection reports the disconnect.
func (r *Registry) broadcast(rm *Room, frameType string, payload interface{}) int {
	frame, err := types.Encode(frameType, payload)
	if err != nil {
		r.logger.Error("could not encode frame", "type", frameType, "error", err)
		return 0
	}
	sent := 0
	for _, m := range rm.Members {
		if err := safeSend(m.Conn, frame); err != nil {
			r.logger.Warn("could not deliver frame", "room", rm.ID, "user", m.UserID, "conn", m.Conn.ID(), "type", frameType, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func safeSend(conn Conn, frame []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return conn.Send(frame)
}
