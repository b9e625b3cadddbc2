package room

import (
	"encoding/json"
	"errors"

	"github.com/folkengine/goname"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/roomrelay/globals"
	"github.com/tcriess/roomrelay/types"
)

const (
	msgInvalidRequest = "Invalid request format"
	msgUnknownRequest = "Unknown request type"
	msgInvalidRoomID  = "Couldn't join Room, invalid Room ID"
	msgMissingUserID  = "Couldn't join Room, missing user ID"
)

var errPayloadNotObject = errors.New("payload is not an object")

// Router turns inbound frames into registry operations. It holds no state of its own.
type Router struct {
	registry   *Registry
	ids        IDGenerator
	logger     hclog.Logger
	guestNames bool
}

type RouterOption func(*Router)

// WithGuestNames makes joins without a userName show up under a generated fantasy name.
func WithGuestNames(enabled bool) RouterOption {
	return func(rt *Router) { rt.guestNames = enabled }
}

func WithRouterLogger(logger hclog.Logger) RouterOption {
	return func(rt *Router) { rt.logger = logger }
}

func NewRouter(registry *Registry, ids IDGenerator, opts ...RouterOption) *Router {
	rt := &Router{
		registry: registry,
		ids:      ids,
		logger:   globals.AppLogger.Named("router"),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Handle processes one inbound frame from conn. Bad input is answered with an error response to conn only; it
// never tears down the connection.
func (rt *Router) Handle(conn Conn, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.logger.Error("recovered from panic while handling frame", "conn", conn.ID(), "panic", rec)
			rt.replyError(conn, "", msgInvalidRequest)
		}
	}()

	request := make(map[string]interface{})
	if err := json.Unmarshal(raw, &request); err != nil {
		rt.logger.Debug("could not unmarshal frame", "conn", conn.ID(), "error", err)
		rt.replyError(conn, "", msgInvalidRequest)
		return
	}
	requestType, _ := request["type"].(string)

	switch requestType {
	case types.RequestGetUserID:
		rt.reply(conn, types.FrameSetUserID, types.UserIDPayload{UserID: rt.ids.NewUserID()})

	case types.RequestCreateRoom:
		roomID, err := rt.registry.CreateRoom()
		if err != nil {
			rt.logger.Error("could not create room", "error", err)
			return
		}
		rt.reply(conn, types.FrameSetRoomID, types.RoomIDPayload{RoomID: roomID})

	case types.RequestJoin:
		req := types.JoinRequest{}
		if err := decodePayload(request, &req); err != nil {
			rt.logger.Debug("could not decode join payload", "conn", conn.ID(), "error", err)
			rt.replyError(conn, "", msgInvalidRequest)
			return
		}
		rt.join(conn, req)

	case types.RequestChat:
		req := types.ChatRequest{}
		if err := decodePayload(request, &req); err != nil {
			rt.logger.Debug("could not decode chat payload", "conn", conn.ID(), "error", err)
			rt.replyError(conn, "", msgInvalidRequest)
			return
		}
		if _, err := rt.registry.RouteChatMessage(req.UserID, req.Message); err != nil {
			rt.logger.Error("could not route chat message", "user", req.UserID, "error", err)
		}

	case "":
		rt.logger.Debug("frame without type", "conn", conn.ID())
		rt.replyError(conn, "", msgInvalidRequest)

	default:
		rt.logger.Debug("unknown request type", "conn", conn.ID(), "type", requestType)
		rt.replyError(conn, "", msgUnknownRequest)
	}
}

// Disconnect evicts conn from its room, if any.
func (rt *Router) Disconnect(conn Conn) {
	result, err := rt.registry.RemoveByConnection(conn.ID())
	if err != nil {
		rt.logger.Error("could not remove connection", "conn", conn.ID(), "error", err)
		return
	}
	if result != nil {
		rt.logger.Debug("connection left room", "conn", conn.ID(), "room", result.RoomID, "user", result.UserID, "count", result.Count)
	}
}

func (rt *Router) join(conn Conn, req types.JoinRequest) {
	if req.UserID == "" {
		rt.replyError(conn, types.ActionJoinRoom, msgMissingUserID)
		return
	}
	if !IsRoomID(req.RoomID) {
		rt.logger.Debug("join with malformed room id", "conn", conn.ID(), "room", req.RoomID)
	}
	name := req.UserName
	if name == "" && rt.guestNames {
		name = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}
	_, err := rt.registry.JoinRoom(req.RoomID, req.UserID, name, conn)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		rt.replyError(conn, types.ActionJoinRoom, msgInvalidRoomID)
	case err != nil:
		rt.logger.Error("could not join room", "room", req.RoomID, "user", req.UserID, "error", err)
	}
}

func (rt *Router) reply(conn Conn, frameType string, payload interface{}) {
	frame, err := types.Encode(frameType, payload)
	if err != nil {
		rt.logger.Error("could not encode reply", "type", frameType, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		rt.logger.Warn("could not send reply", "conn", conn.ID(), "type", frameType, "error", err)
	}
}

func (rt *Router) replyError(conn Conn, action, message string) {
	rt.reply(conn, types.FrameResponse, types.ResponsePayload{
		Action:  action,
		Status:  types.StatusError,
		Message: message,
	})
}

// decodePayload weakly decodes the "payload" object of a request into out. A missing payload leaves out untouched.
func decodePayload(request map[string]interface{}, out interface{}) error {
	raw, ok := request["payload"]
	if !ok || raw == nil {
		return nil
	}
	if _, isObject := raw.(map[string]interface{}); !isObject {
		return errPayloadNotObject
	}
	return mapstructure.WeakDecode(raw, out)
}
