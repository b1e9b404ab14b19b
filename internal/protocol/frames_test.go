package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/er"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    any
		wantErr bool
	}{
		{"auth", `{"type":"auth","token":"abc"}`, &AuthRequest{Type: TypeAuth, Token: "abc"}, false},
		{"message", `{"type":"message","receiver":"alice","text":"hi"}`, &MessageRequest{Type: TypeMessage, Receiver: "alice", Text: "hi"}, false},
		{"online users", `{"type":"getOnlineUsers"}`, &OnlineUsersRequest{Type: TypeGetOnlineUsers}, false},
		{"invalid json", `{"type":`, nil, true},
		{"not an object", `"auth"`, nil, true},
		{"unknown type", `{"type":"typing"}`, nil, true},
		{"missing type", `{"token":"abc"}`, nil, true},
		{"auth without token", `{"type":"auth"}`, nil, true},
		{"message without receiver", `{"type":"message","text":"hi"}`, nil, true},
		{"message without text", `{"type":"message","receiver":"alice"}`, nil, true},
		{"receiver with separator", `{"type":"message","receiver":"a:b","text":"hi"}`, nil, true},
		{"wrong field type", `{"type":"message","receiver":42,"text":"hi"}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			got, err := DecodeClientFrame([]byte(tt.raw))
			if tt.wantErr {
				req.ErrorIs(err, er.ErrProtocol)
				req.Nil(got)
				return
			}
			req.NoError(err)
			req.Equal(tt.want, got)
		})
	}
}

func TestDecodeClientFrameRejectsOversizedText(t *testing.T) {
	raw := `{"type":"message","receiver":"bob","text":"` + strings.Repeat("x", MaxTextLength+1) + `"}`

	_, err := DecodeClientFrame([]byte(raw))

	require.ErrorIs(t, err, er.ErrProtocol)
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		wantErr  bool
	}{
		{"plain", "alice", false},
		{"digits", "bob42", false},
		{"empty", "", true},
		{"key separator", "alice:bob", true},
		{"punctuation", "not-alnum", true},
		{"too long", strings.Repeat("a", 33), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentity(tt.identity)
			if tt.wantErr {
				require.ErrorIs(t, err, er.ErrProtocol)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOnlineUsersFrameNeverNull(t *testing.T) {
	req := require.New(t)

	payload, err := Encode(NewOnlineUsersFrame(nil))

	req.NoError(err)
	req.JSONEq(`{"type":"onlineUsers","users":[]}`, string(payload))
}

func TestAuthResponseShapes(t *testing.T) {
	req := require.New(t)

	ok, err := Encode(NewAuthSuccess("alice"))
	req.NoError(err)
	req.JSONEq(`{"type":"auth","status":"success","username":"alice"}`, string(ok))

	failed, err := Encode(NewAuthError(MsgInvalidToken))
	req.NoError(err)
	req.JSONEq(`{"type":"auth","status":"error","message":"Invalid token"}`, string(failed))
}

func TestDecodeServerFrameMessage(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload, err := Encode(NewMessageFrame("bob", "alice", "hi", at))
	req.NoError(err)

	frame, err := DecodeServerFrame(payload)

	req.NoError(err)
	req.Equal(TypeMessage, frame.Type)
	req.Equal("bob", frame.Sender)
	req.Equal("alice", frame.Receiver)
	req.Equal("hi", frame.Text)
	req.True(at.Equal(frame.Timestamp))
}

func TestDecodeServerFrameRequiresType(t *testing.T) {
	_, err := DecodeServerFrame([]byte(`{"users":["a"]}`))

	require.ErrorIs(t, err, er.ErrProtocol)
}
