package room

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/roomrelay/types"
)

func newTestRouter(t *testing.T, ids IDGenerator, opts ...RouterOption) (*Router, *Registry) {
	t.Helper()
	reg := newTestRegistry(t, WithIDGenerator(ids))
	opts = append([]RouterOption{WithRouterLogger(hclog.NewNullLogger())}, opts...)
	return NewRouter(reg, ids, opts...), reg
}

func send(t *testing.T, rt *Router, conn Conn, frameType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"type": frameType, "payload": payload})
	require.NoError(t, err)
	rt.Handle(conn, raw)
}

func TestRoomLifecycleScenario(t *testing.T) {
	rt, _ := newTestRouter(t, newFixedIDs(t, "AB12C"))
	ann, bo := newConn("ann"), newConn("bo")

	send(t, rt, ann, types.RequestCreateRoom, nil)
	created := ann.last(t)
	require.Equal(t, types.FrameSetRoomID, created.Type)
	assert.JSONEq(t, `{"roomId":"AB12C"}`, string(created.Payload))

	send(t, rt, ann, types.RequestJoin, map[string]string{"userId": "1", "roomId": "AB12C", "userName": "Ann"})
	assert.JSONEq(t, `{"action":"joinroom","roomId":"AB12C","roomCount":1,"status":"success","message":"Room joined"}`,
		string(ann.last(t).Payload))

	send(t, rt, bo, types.RequestJoin, map[string]string{"userId": "2", "roomId": "AB12C", "userName": "Bo"})
	for _, c := range []*recordingConn{ann, bo} {
		joined := responseOf(t, c.last(t))
		assert.Equal(t, types.ActionJoinRoom, joined.Action)
		assert.Equal(t, 2, joined.RoomCount)
	}

	send(t, rt, ann, types.RequestChat, map[string]string{"userId": "1", "message": "hi"})
	for _, c := range []*recordingConn{ann, bo} {
		f := c.last(t)
		assert.Equal(t, types.FrameChat, f.Type)
		assert.JSONEq(t, `{"userId":"1","userName":"Ann","message":"hi"}`, string(f.Payload))
	}

	rt.Disconnect(ann)
	left := responseOf(t, bo.last(t))
	assert.Equal(t, types.ActionLeaveRoom, left.Action)
	assert.Equal(t, 1, left.RoomCount)

	rt.Disconnect(bo)
	late := newConn("late")
	send(t, rt, late, types.RequestJoin, map[string]string{"userId": "3", "roomId": "AB12C"})
	assert.Equal(t, types.ResponsePayload{
		Action:  types.ActionJoinRoom,
		Status:  types.StatusError,
		Message: "Couldn't join Room, invalid Room ID",
	}, responseOf(t, late.last(t)))
}

func TestGetUserID(t *testing.T) {
	ids, err := NewIDGenerator()
	require.NoError(t, err)
	rt, _ := newTestRouter(t, ids)
	conn := newConn("c1")

	send(t, rt, conn, types.RequestGetUserID, nil)
	f := conn.last(t)
	require.Equal(t, types.FrameSetUserID, f.Type)
	payload := types.UserIDPayload{}
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Len(t, payload.UserID, IDLength)
	assert.Empty(t, strings.Trim(payload.UserID, UserIDAlphabet))
}

func TestCreateRoomRepliesToSenderOnly(t *testing.T) {
	rt, reg := newTestRouter(t, newFixedIDs(t, "AB12C", "XY34Z"))
	member, creator := newConn("member"), newConn("creator")
	_, err := reg.JoinRoom(mustCreateRoom(t, reg), "11111", "", member)
	require.NoError(t, err)
	member.reset()

	send(t, rt, creator, types.RequestCreateRoom, nil)
	assert.JSONEq(t, `{"roomId":"XY34Z"}`, string(creator.last(t).Payload))
	assert.Empty(t, member.received(t))
}

func TestHandleRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		message string
	}{
		{"not json", `{"type":`, "Invalid request format"},
		{"not an object", `["join"]`, "Invalid request format"},
		{"missing type", `{"payload":{}}`, "Invalid request format"},
		{"type not a string", `{"type":42}`, "Invalid request format"},
		{"payload not an object", `{"type":"join","payload":"AB12C"}`, "Invalid request format"},
		{"unknown type", `{"type":"leave","payload":{}}`, "Unknown request type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := NewIDGenerator()
			require.NoError(t, err)
			rt, _ := newTestRouter(t, ids)
			conn := newConn("c1")

			rt.Handle(conn, []byte(tt.raw))
			frames := conn.received(t)
			require.Len(t, frames, 1)
			assert.Equal(t, types.ResponsePayload{Status: types.StatusError, Message: tt.message}, responseOf(t, frames[0]))
			assert.NotContains(t, string(frames[0].Payload), "action")

			// the connection keeps working
			send(t, rt, conn, types.RequestGetUserID, nil)
			assert.Equal(t, types.FrameSetUserID, conn.last(t).Type)
		})
	}
}

func TestJoinWithoutUserID(t *testing.T) {
	rt, reg := newTestRouter(t, newFixedIDs(t, "AB12C"))
	mustCreateRoom(t, reg)
	conn := newConn("c1")

	send(t, rt, conn, types.RequestJoin, map[string]string{"roomId": "AB12C"})
	assert.Equal(t, types.ResponsePayload{
		Action:  types.ActionJoinRoom,
		Status:  types.StatusError,
		Message: "Couldn't join Room, missing user ID",
	}, responseOf(t, conn.last(t)))

	count, _, err := reg.RoomSize("AB12C")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestJoinDecodesNumericIDs(t *testing.T) {
	rt, reg := newTestRouter(t, newFixedIDs(t, "12345"))
	roomID := mustCreateRoom(t, reg)
	require.Equal(t, "12345", roomID)
	conn := newConn("c1")

	rt.Handle(conn, []byte(`{"type":"join","payload":{"userId":42,"roomId":12345}}`))
	joined := responseOf(t, conn.last(t))
	assert.Equal(t, types.StatusSuccess, joined.Status)
	assert.Equal(t, "12345", joined.RoomID)

	rt.Handle(conn, []byte(`{"type":"chat","payload":{"userId":42,"message":"answer"}}`))
	chat := chatOf(t, conn.last(t))
	assert.Equal(t, "42", chat.UserID)
	assert.Equal(t, "answer", chat.Message)
}

func TestChatWithoutRoomIsDropped(t *testing.T) {
	ids, err := NewIDGenerator()
	require.NoError(t, err)
	rt, _ := newTestRouter(t, ids)
	conn := newConn("c1")

	send(t, rt, conn, types.RequestChat, map[string]string{"userId": "11111", "message": "anyone?"})
	assert.Empty(t, conn.received(t))
}

func TestGuestNames(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		check   func(t *testing.T, userName string)
	}{
		{"disabled", false, func(t *testing.T, userName string) {
			assert.Empty(t, userName)
		}},
		{"enabled", true, func(t *testing.T, userName string) {
			assert.True(t, strings.HasSuffix(userName, " (guest)"), userName)
			assert.Greater(t, len(userName), len(" (guest)"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, reg := newTestRouter(t, newFixedIDs(t, "AB12C"), WithGuestNames(tt.enabled))
			mustCreateRoom(t, reg)
			conn := newConn("c1")

			send(t, rt, conn, types.RequestJoin, map[string]string{"userId": "1", "roomId": "AB12C"})
			send(t, rt, conn, types.RequestChat, map[string]string{"userId": "1", "message": "hi"})
			tt.check(t, chatOf(t, conn.last(t)).UserName)
		})
	}
}

func TestExplicitUserNameWinsOverGuestName(t *testing.T) {
	rt, reg := newTestRouter(t, newFixedIDs(t, "AB12C"), WithGuestNames(true))
	mustCreateRoom(t, reg)
	conn := newConn("c1")

	send(t, rt, conn, types.RequestJoin, map[string]string{"userId": "1", "roomId": "AB12C", "userName": "Ann"})
	send(t, rt, conn, types.RequestChat, map[string]string{"userId": "1", "message": "hi"})
	assert.Equal(t, "Ann", chatOf(t, conn.last(t)).UserName)
}
