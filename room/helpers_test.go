package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/roomrelay/types"
)

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// recordingConn keeps every frame it is sent. Setting fail makes Send return that error instead.
type recordingConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	fail   error
}

func newConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ID() string {
	return c.id
}

func (c *recordingConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *recordingConn) setFail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func (c *recordingConn) received(t *testing.T) []wireFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		f := wireFrame{}
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func (c *recordingConn) last(t *testing.T) wireFrame {
	t.Helper()
	frames := c.received(t)
	require.NotEmpty(t, frames, "conn %s received nothing", c.id)
	return frames[len(frames)-1]
}

func responseOf(t *testing.T, f wireFrame) types.ResponsePayload {
	t.Helper()
	require.Equal(t, types.FrameResponse, f.Type)
	p := types.ResponsePayload{}
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p
}

func chatOf(t *testing.T, f wireFrame) types.ChatPayload {
	t.Helper()
	require.Equal(t, types.FrameChat, f.Type)
	p := types.ChatPayload{}
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p
}

// fixedIDs hands out the queued ids in order, then falls back to the real generator.
type fixedIDs struct {
	mu    sync.Mutex
	users []string
	rooms []string
	next  IDGenerator
}

func (g *fixedIDs) NewUserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.users) == 0 {
		return g.next.NewUserID()
	}
	id := g.users[0]
	g.users = g.users[1:]
	return id
}

func (g *fixedIDs) NewRoomID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.rooms) == 0 {
		return g.next.NewRoomID()
	}
	id := g.rooms[0]
	g.rooms = g.rooms[1:]
	return id
}

func newFixedIDs(t *testing.T, rooms ...string) *fixedIDs {
	t.Helper()
	next, err := NewIDGenerator()
	require.NoError(t, err)
	return &fixedIDs{rooms: rooms, next: next}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(hclog.NewNullLogger())}, opts...)
	reg, err := NewRegistry(opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-reg.Done()
	})
	return reg
}

func mustCreateRoom(t *testing.T, reg *Registry) string {
	t.Helper()
	roomID, err := reg.CreateRoom()
	require.NoError(t, err)
	return roomID
}
