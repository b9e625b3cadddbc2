package types

import "encoding/json"

// Inbound request types.
const (
	RequestGetUserID  = "getUserId"
	RequestCreateRoom = "createRoom"
	RequestJoin       = "join"
	RequestChat       = "chat"
)

// Outbound frame types.
const (
	FrameSetUserID = "setUserId"
	FrameSetRoomID = "setRoomId"
	FrameResponse  = "response"
	FrameChat      = "chat"
)

// Values of ResponsePayload.Action and ResponsePayload.Status.
const (
	ActionJoinRoom  = "joinroom"
	ActionLeaveRoom = "leaveroom"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Frame is what is actually sent via the websocket connection, in both directions. Inbound frames are decoded
// through a generic map instead (see room.Router), so Payload is only ever marshalled here.
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Encode serializes a frame of the given type.
func Encode(frameType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Frame{Type: frameType, Payload: payload})
}
