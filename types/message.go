package types

// The payloads transferred from the client to here. They are decoded with mapstructure.WeakDecode, so numeric ids
// sent by sloppy clients end up as strings.

// JoinRequest asks to add the sending connection to an existing room.
type JoinRequest struct {
	RoomID   string `mapstructure:"roomId"`
	UserID   string `mapstructure:"userId"`
	UserName string `mapstructure:"userName"`
}

// ChatRequest carries a chat line from a user to its current room.
type ChatRequest struct {
	UserID  string `mapstructure:"userId"`
	Message string `mapstructure:"message"`
}

// The payloads transferred from here to the clients.

type UserIDPayload struct {
	UserID string `json:"userId"`
}

type RoomIDPayload struct {
	RoomID string `json:"roomId"`
}

// ResponsePayload reports the outcome of a join, a leave, or a rejected request. Action, RoomID and RoomCount are
// left out of the generic "Invalid request format" error.
type ResponsePayload struct {
	Action    string `json:"action,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	RoomCount int    `json:"roomCount,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// ChatPayload is a chat line as fanned out to every member of a room, the sender included.
type ChatPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Message  string `json:"message"`
}
