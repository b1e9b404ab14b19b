package server

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/gochat-relay/internal/er"
	"github.com/Tyrowin/gochat-relay/internal/mocks"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

type sessionFixture struct {
	hub      *Hub
	verifier *mocks.MockTokenVerifier
	messages *mocks.MockMessageStore
}

func newSessionFixture(t *testing.T, mutate ...func(*Config)) *sessionFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	verifier := mocks.NewMockTokenVerifier(ctrl)
	messages := mocks.NewMockMessageStore(ctrl)

	cfg := *NewConfig()
	cfg.AuthTimeout = 0
	for _, m := range mutate {
		m(&cfg)
	}

	hub := NewHub(cfg, verifier, messages, logs.GetLoggerFromLevel(slog.LevelDebug))
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return &sessionFixture{hub: hub, verifier: verifier, messages: messages}
}

// connected returns a session with no socket; its outbound frames are
// read straight from the send queue.
func (f *sessionFixture) connected() *Session {
	return newSession(nil, f.hub, "test")
}

func (f *sessionFixture) authenticated(t *testing.T, token, identity string) *Session {
	t.Helper()
	s := f.connected()
	f.verifier.EXPECT().VerifyToken(token).Return(identity, nil)
	s.handleFrame(mustEncode(t, protocol.NewAuthRequest(token)))

	frame := nextFrame(t, s)
	require.Equal(t, protocol.StatusSuccess, frame.Status)
	return s
}

func (f *sessionFixture) acceptAppends() {
	f.messages.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m store.Message) (store.Message, error) {
			m.ID = uuid.New()
			return m, nil
		}).AnyTimes()
}

func mustEncode(t *testing.T, frame any) []byte {
	t.Helper()
	payload, err := protocol.Encode(frame)
	require.NoError(t, err)
	return payload
}

func nextRaw(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case raw := <-s.GetSendChan():
		return raw
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func nextFrame(t *testing.T, s *Session) protocol.ServerFrame {
	t.Helper()
	frame, err := protocol.DecodeServerFrame(nextRaw(t, s))
	require.NoError(t, err)
	return frame
}

func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.GetSendChan():
		t.Fatalf("unexpected frame %s", raw)
	default:
	}
}

func TestSessionMessageBeforeAuthIsRejectedAndNotPersisted(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	s := f.connected()

	s.handleFrame(mustEncode(t, protocol.NewMessageRequest("alice", "hi")))

	frame := nextFrame(t, s)
	req.Equal(protocol.TypeError, frame.Type)
	req.Equal(protocol.MsgAuthRequired, frame.Message)
	req.Equal(StateConnected, s.State())
}

func TestSessionAuthSuccessRegistersAndNotifies(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	s := f.connected()
	f.verifier.EXPECT().VerifyToken("tok-alice").Return("alice", nil)

	s.handleFrame(mustEncode(t, protocol.NewAuthRequest("tok-alice")))

	frame := nextFrame(t, s)
	req.Equal(protocol.TypeAuth, frame.Type)
	req.Equal(protocol.StatusSuccess, frame.Status)
	req.Equal("alice", frame.Username)

	identity, ok := s.Identity()
	req.True(ok)
	req.Equal("alice", identity)
	peer, online := f.hub.registry.Lookup("alice")
	req.True(online)
	req.Equal(Peer(s), peer)

	select {
	case <-f.hub.presence.Pending():
	default:
		t.Fatal("presence change was not signalled")
	}
}

func TestSessionAuthFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{name: "invalid", err: er.ErrInvalidToken, message: protocol.MsgInvalidToken},
		{name: "expired", err: er.ErrTokenExpired, message: protocol.MsgTokenExpired},
		{name: "wrapped expired", err: er.Wrap("Auth", er.ErrTokenExpired, errors.New("exp")), message: protocol.MsgTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newSessionFixture(t)
			s := f.connected()
			f.verifier.EXPECT().VerifyToken("bad").Return("", tt.err)

			s.handleFrame(mustEncode(t, protocol.NewAuthRequest("bad")))

			frame := nextFrame(t, s)
			req.Equal(protocol.TypeAuth, frame.Type)
			req.Equal(protocol.StatusError, frame.Status)
			req.Equal(tt.message, frame.Message)
			req.Equal(StateConnected, s.State())
			req.Zero(f.hub.registry.Len())
		})
	}
}

func TestSessionInvalidFramesKeepState(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"type":"dance"}`,
		`{"type":"message","receiver":"bob"}`,
		`{"type":"message","receiver":"bo:b","text":"hi"}`,
		`{"type":"auth"}`,
		`{}`,
	}

	for _, raw := range inputs {
		t.Run(raw, func(t *testing.T) {
			req := require.New(t)
			f := newSessionFixture(t)
			s := f.connected()

			s.handleFrame([]byte(raw))

			frame := nextFrame(t, s)
			req.Equal(protocol.TypeError, frame.Type)
			req.Equal(protocol.MsgInvalidRequest, frame.Message)
			req.Equal(StateConnected, s.State())
		})
	}
}

func TestSessionRelayDeliversIdenticalFramesToBothEnds(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	bob := f.authenticated(t, "tok-bob", "bob")
	alice := f.authenticated(t, "tok-alice", "alice")

	var stored store.Message
	f.messages.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m store.Message) (store.Message, error) {
			m.ID = uuid.New()
			stored = m
			return m, nil
		})

	bob.handleFrame(mustEncode(t, protocol.NewMessageRequest("alice", "Hi Alice")))

	toAlice := nextRaw(t, alice)
	echo := nextRaw(t, bob)
	req.Equal(toAlice, echo)

	frame, err := protocol.DecodeServerFrame(toAlice)
	req.NoError(err)
	req.Equal(protocol.TypeMessage, frame.Type)
	req.Equal("bob", frame.Sender)
	req.Equal("alice", frame.Receiver)
	req.Equal("Hi Alice", frame.Text)
	req.True(stored.Timestamp.Equal(frame.Timestamp))
	req.Equal("bob", stored.Sender)
}

func TestSessionRelayToOfflineReceiverPersistsAndEchoes(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	bob := f.authenticated(t, "tok-bob", "bob")
	f.messages.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m store.Message) (store.Message, error) {
			req.Equal("carol", m.Receiver)
			return m, nil
		})

	bob.handleFrame(mustEncode(t, protocol.NewMessageRequest("carol", "later")))

	frame := nextFrame(t, bob)
	req.Equal(protocol.TypeMessage, frame.Type)
	req.Equal("carol", frame.Receiver)
	requireNoFrame(t, bob)
}

func TestSessionRelayPersistenceFailureDeliversNothing(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	bob := f.authenticated(t, "tok-bob", "bob")
	alice := f.authenticated(t, "tok-alice", "alice")
	f.messages.EXPECT().Append(gomock.Any(), gomock.Any()).
		Return(store.Message{}, er.Wrap("Store", er.ErrPersistence, errors.New("disk full")))

	bob.handleFrame(mustEncode(t, protocol.NewMessageRequest("alice", "lost")))

	frame := nextFrame(t, bob)
	req.Equal(protocol.TypeError, frame.Type)
	req.Equal(protocol.MsgSendFailed, frame.Message)
	requireNoFrame(t, bob)
	requireNoFrame(t, alice)
	req.Equal(StateAuthenticated, bob.State())
}

func TestSessionMessageToSelfIsEchoedOnce(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.acceptAppends()
	alice := f.authenticated(t, "tok-alice", "alice")

	alice.handleFrame(mustEncode(t, protocol.NewMessageRequest("alice", "note to self")))

	frame := nextFrame(t, alice)
	req.Equal("alice", frame.Sender)
	req.Equal("alice", frame.Receiver)
	requireNoFrame(t, alice)
}

func TestSessionReauthSameIdentityIsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	alice := f.authenticated(t, "tok-alice", "alice")
	f.verifier.EXPECT().VerifyToken("tok-alice").Return("alice", nil)

	alice.handleFrame(mustEncode(t, protocol.NewAuthRequest("tok-alice")))

	frame := nextFrame(t, alice)
	req.Equal(protocol.StatusSuccess, frame.Status)
	requireNoFrame(t, alice)
	req.Equal(1, f.hub.registry.Len())
	peer, _ := f.hub.registry.Lookup("alice")
	req.Equal(Peer(alice), peer)
}

func TestSessionReauthAsOtherIdentityReleasesPrevious(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	s := f.authenticated(t, "tok-alice", "alice")
	f.verifier.EXPECT().VerifyToken("tok-bob").Return("bob", nil)

	s.handleFrame(mustEncode(t, protocol.NewAuthRequest("tok-bob")))

	nextFrame(t, s)
	req.Equal([]string{"bob"}, f.hub.registry.Identities())
}

func TestSessionDoubleLoginEvictsOlderSession(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	first := f.authenticated(t, "tok-1", "alice")
	second := f.authenticated(t, "tok-2", "alice")

	peer, _ := f.hub.registry.Lookup("alice")
	req.Equal(Peer(second), peer)

	frame := nextFrame(t, first)
	req.Equal(protocol.TypeError, frame.Type)
	req.Equal(protocol.MsgSessionSuperseded, frame.Message)
	select {
	case <-first.quit:
	default:
		t.Fatal("superseded session was not stopped")
	}

	// Frames on the superseded session are ignored.
	first.handleFrame(mustEncode(t, protocol.NewOnlineUsersRequest()))
	requireNoFrame(t, first)

	// Its teardown must not remove the replacement.
	first.teardown()
	peer, online := f.hub.registry.Lookup("alice")
	req.True(online)
	req.Equal(Peer(second), peer)
}

func TestSessionOnlineUsersRequiresAuthAndExcludesSelf(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	anon := f.connected()
	anon.handleFrame(mustEncode(t, protocol.NewOnlineUsersRequest()))
	req.Equal(protocol.MsgAuthRequired, nextFrame(t, anon).Message)

	f.authenticated(t, "tok-carol", "carol")
	alice := f.authenticated(t, "tok-alice", "alice")
	f.authenticated(t, "tok-bob", "bob")

	alice.handleFrame(mustEncode(t, protocol.NewOnlineUsersRequest()))

	frame := nextFrame(t, alice)
	req.Equal(protocol.TypeOnlineUsers, frame.Type)
	req.Equal([]string{"bob", "carol"}, frame.Users)
}

func TestSessionTeardownReleasesIdentity(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	alice := f.authenticated(t, "tok-alice", "alice")
	<-f.hub.presence.Pending()

	alice.teardown()
	alice.teardown()

	req.Equal(StateClosed, alice.State())
	_, ok := alice.Identity()
	req.False(ok)
	req.Zero(f.hub.registry.Len())
	req.False(alice.Deliver([]byte("late")))
	select {
	case <-f.hub.presence.Pending():
	default:
		t.Fatal("presence change was not signalled")
	}

	alice.handleFrame(mustEncode(t, protocol.NewOnlineUsersRequest()))
	requireNoFrame(t, alice)
}

func TestSessionDeliverDropsWhenQueueFull(t *testing.T) {
	f := newSessionFixture(t, func(c *Config) { c.SendBufferSize = 1 })
	s := f.connected()

	require.True(t, s.Deliver([]byte("one")))
	require.False(t, s.Deliver([]byte("two")))
}

func TestSessionAuthTimeoutClosesUnauthenticated(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	s := f.connected()

	s.armAuthTimeout(20 * time.Millisecond)

	frame := nextFrame(t, s)
	req.Equal(protocol.TypeError, frame.Type)
	req.Equal(protocol.MsgAuthTimeout, frame.Message)
	req.Eventually(func() bool {
		select {
		case <-s.quit:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSessionAuthTimeoutDisarmedByAuth(t *testing.T) {
	f := newSessionFixture(t)
	s := f.connected()
	s.armAuthTimeout(30 * time.Millisecond)
	f.verifier.EXPECT().VerifyToken("tok").Return("alice", nil)
	s.handleFrame(mustEncode(t, protocol.NewAuthRequest("tok")))
	nextFrame(t, s)

	time.Sleep(60 * time.Millisecond)
	requireNoFrame(t, s)
	select {
	case <-s.quit:
		t.Fatal("authenticated session was stopped")
	default:
	}
}

func TestSessionAuthFrameAfterTimeoutIsIgnored(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	s := f.connected()

	s.expireAuth()
	req.Equal(protocol.MsgAuthTimeout, nextFrame(t, s).Message)

	// The verifier has no expectation, so reaching it fails the test.
	s.handleFrame(mustEncode(t, protocol.NewAuthRequest("tok")))

	requireNoFrame(t, s)
	req.Equal(StateConnected, s.State())
	req.Zero(f.hub.registry.Len())
}

func TestSessionTimeoutDuringVerificationWins(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	s := f.connected()
	f.verifier.EXPECT().VerifyToken("tok").DoAndReturn(func(string) (string, error) {
		s.expireAuth()
		return "alice", nil
	})

	s.handleFrame(mustEncode(t, protocol.NewAuthRequest("tok")))

	req.Equal(protocol.MsgAuthTimeout, nextFrame(t, s).Message)
	requireNoFrame(t, s)
	req.Equal(StateConnected, s.State())
	req.Zero(f.hub.registry.Len())
	select {
	case <-s.quit:
	default:
		t.Fatal("timed out session was not stopped")
	}
}

func TestSessionRateLimitRepliesError(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	})
	s := f.connected()

	req.True(s.checkRateLimit())
	req.False(s.checkRateLimit())

	frame := nextFrame(t, s)
	req.Equal(protocol.TypeError, frame.Type)
	req.Equal(protocol.MsgRateLimited, frame.Message)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "authenticated", StateAuthenticated.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "unknown", State(42).String())
}
