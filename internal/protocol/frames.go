// Package protocol defines the JSON frames exchanged over the relay's
// WebSocket connection, with decoding and validation of inbound frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/gochat-relay/internal/er"
)

// Frame types.
const (
	TypeAuth           = "auth"
	TypeMessage        = "message"
	TypeGetOnlineUsers = "getOnlineUsers"
	TypeOnlineUsers    = "onlineUsers"
	TypeError          = "error"
)

// Auth statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error frame messages.
const (
	MsgInvalidRequest    = "Invalid request"
	MsgAuthRequired      = "Authentication required"
	MsgSendFailed        = "Failed to send message"
	MsgRateLimited       = "Rate limit exceeded"
	MsgAuthTimeout       = "Authentication timeout"
	MsgSessionSuperseded = "Signed in from another connection"
	MsgInvalidToken      = "Invalid token"
	MsgTokenExpired      = "Token expired"
)

// MaxTextLength bounds the text of a single message, in runes.
const MaxTextLength = 4096

// MaxFrameSize is the largest inbound frame a valid message can produce:
// every rune of the text written as an escaped surrogate pair
// ("\ud83d\ude00", 12 bytes), plus room for the type, receiver and
// JSON punctuation. Transport read limits must not be smaller.
const MaxFrameSize = MaxTextLength*12 + 1024

var validate = validator.New()

type envelope struct {
	Type string `json:"type"`
}

// AuthRequest is the first frame a client sends, and again after every
// reconnect.
type AuthRequest struct {
	Type  string `json:"type"`
	Token string `json:"token" validate:"required"`
}

// MessageRequest asks the relay to persist and route a direct message.
type MessageRequest struct {
	Type     string `json:"type"`
	Receiver string `json:"receiver" validate:"required,alphanum,max=32"`
	Text     string `json:"text" validate:"required,max=4096"`
}

// OnlineUsersRequest pulls the current presence list.
type OnlineUsersRequest struct {
	Type string `json:"type"`
}

// AuthResponse reports the outcome of an auth frame.
type AuthResponse struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

// MessageFrame carries a persisted message to its receiver and back to
// its sender.
type MessageFrame struct {
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// OnlineUsersFrame lists every online identity except the recipient's.
type OnlineUsersFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// ErrorFrame reports a recoverable failure; the connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerFrame is the union of every frame the server sends. Clients
// decode into it and switch on Type.
type ServerFrame struct {
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Username  string    `json:"username,omitempty"`
	Message   string    `json:"message,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Receiver  string    `json:"receiver,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Users     []string  `json:"users,omitempty"`
}

// DecodeClientFrame parses one inbound frame and returns *AuthRequest,
// *MessageRequest or *OnlineUsersRequest. Anything malformed, unknown or
// failing validation yields an error wrapping er.ErrProtocol.
func DecodeClientFrame(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, er.Wrap("Protocol", er.ErrProtocol, err)
	}

	var frame any
	switch env.Type {
	case TypeAuth:
		frame = &AuthRequest{}
	case TypeMessage:
		frame = &MessageRequest{}
	case TypeGetOnlineUsers:
		return &OnlineUsersRequest{Type: env.Type}, nil
	default:
		return nil, er.Wrap("Protocol", er.ErrProtocol, fmt.Errorf("unknown frame type %q", env.Type))
	}

	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, er.Wrap("Protocol", er.ErrProtocol, err)
	}
	if err := validate.Struct(frame); err != nil {
		return nil, er.Wrap("Protocol", er.ErrProtocol, err)
	}
	return frame, nil
}

// DecodeServerFrame parses one outbound frame on the client side.
func DecodeServerFrame(raw []byte) (ServerFrame, error) {
	var frame ServerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ServerFrame{}, er.Wrap("Protocol", er.ErrProtocol, err)
	}
	if frame.Type == "" {
		return ServerFrame{}, er.Wrap("Protocol", er.ErrProtocol, fmt.Errorf("missing frame type"))
	}
	return frame, nil
}

// ValidateIdentity applies the receiver rules to an identity taken from
// outside a frame, such as a URL path.
func ValidateIdentity(identity string) error {
	if err := validate.Var(identity, "required,alphanum,max=32"); err != nil {
		return er.Wrap("Protocol", er.ErrProtocol, err)
	}
	return nil
}

func NewAuthRequest(token string) AuthRequest {
	return AuthRequest{Type: TypeAuth, Token: token}
}

func NewMessageRequest(receiver, text string) MessageRequest {
	return MessageRequest{Type: TypeMessage, Receiver: receiver, Text: text}
}

func NewOnlineUsersRequest() OnlineUsersRequest {
	return OnlineUsersRequest{Type: TypeGetOnlineUsers}
}

func NewAuthSuccess(username string) AuthResponse {
	return AuthResponse{Type: TypeAuth, Status: StatusSuccess, Username: username}
}

func NewAuthError(message string) AuthResponse {
	return AuthResponse{Type: TypeAuth, Status: StatusError, Message: message}
}

func NewMessageFrame(sender, receiver, text string, at time.Time) MessageFrame {
	return MessageFrame{Type: TypeMessage, Sender: sender, Receiver: receiver, Text: text, Timestamp: at}
}

// NewOnlineUsersFrame never encodes users as null.
func NewOnlineUsersFrame(users []string) OnlineUsersFrame {
	if users == nil {
		users = []string{}
	}
	return OnlineUsersFrame{Type: TypeOnlineUsers, Users: users}
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// Encode marshals any frame for the wire.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
