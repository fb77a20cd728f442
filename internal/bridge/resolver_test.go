package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
	"github.com/roelfdiedericks/sigcourier/internal/config"
)

const (
	testControlRoom = "!control:example.org"
	testBot         = "@signalbot:example.org"
	testSelf        = "@courier:example.org"
	testToken       = "a7f3b2c1-4d5e-4f60-8a9b-0c1d2e3f4a5b"
)

// fakeMessenger is a hand-written Messenger: rooms, members, per-room
// history (newest first) and activity timestamps, all mutable from test
// hooks.
type fakeMessenger struct {
	mu       sync.Mutex
	userID   string
	rooms    []string
	members  map[string][]string
	history  map[string][]types.Message // newest first
	activity map[string]time.Time

	sent    []string // "roomID|text"
	sendErr error
	onSend  func(roomID, text string)

	polls       int // RecentMessages calls on the control room
	joinedCalls int
	onJoined    func(call int)
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		userID:   testSelf,
		rooms:    []string{testControlRoom},
		members:  map[string][]string{testControlRoom: {testSelf, testBot}},
		history:  make(map[string][]types.Message),
		activity: make(map[string]time.Time),
	}
}

func (f *fakeMessenger) SendText(ctx context.Context, roomID, text string) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, roomID+"|"+text)
	hook := f.onSend
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if hook != nil {
		hook(roomID, text)
	}
	return fmt.Sprintf("$evt%d", len(f.sent)), nil
}

func (f *fakeMessenger) RecentMessages(ctx context.Context, roomID string, limit int) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if roomID == testControlRoom {
		f.polls++
	}
	msgs := f.history[roomID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeMessenger) LastActivity(ctx context.Context, roomID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.activity[roomID]; ok {
		return ts, nil
	}
	if msgs := f.history[roomID]; len(msgs) > 0 {
		return msgs[0].Timestamp, nil
	}
	return time.Time{}, nil
}

func (f *fakeMessenger) JoinedRooms(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinedCalls++
	if f.onJoined != nil {
		f.onJoined(f.joinedCalls)
	}
	out := make([]string, len(f.rooms))
	copy(out, f.rooms)
	return out, nil
}

func (f *fakeMessenger) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.members[roomID]
	if !ok {
		return nil, fmt.Errorf("not joined to %s", roomID)
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

func (f *fakeMessenger) UserID() string {
	return f.userID
}

// pushBotReply prepends a control-room message from the bridge bot.
func (f *fakeMessenger) pushBotReply(body string, ts time.Time) {
	f.pushReply(testBot, body, ts)
}

func (f *fakeMessenger) pushReply(sender, body string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := types.Message{
		RoomID:    testControlRoom,
		Sender:    sender,
		Body:      body,
		Timestamp: ts,
	}
	f.history[testControlRoom] = append([]types.Message{msg}, f.history[testControlRoom]...)
}

func (f *fakeMessenger) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func fastBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		ControlRoomID:      testControlRoom,
		BotUserID:          testBot,
		SettleDelayMs:      1,
		PollAttempts:       3,
		PollIntervalMs:     1,
		ResolveRetries:     1,
		LocateRetryDelayMs: 1,
		HistoryLimit:       20,
	}
}

func TestResolveHappyPath(t *testing.T) {
	f := newFakeMessenger()
	f.onSend = func(roomID, text string) {
		if strings.HasPrefix(text, "resolve-identifier ") {
			f.pushBotReply("Found "+strings.ToUpper(testToken)+" for +27821110000", time.Now().Add(100*time.Millisecond))
		}
	}

	r := NewResolver(f, fastBridgeConfig())
	ident, err := r.Resolve(context.Background(), "+27821110000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ident.Token != testToken {
		t.Errorf("token = %q, want %q (canonical lowercase)", ident.Token, testToken)
	}

	sent := f.sentCommands()
	if len(sent) != 1 || sent[0] != testControlRoom+"|resolve-identifier +27821110000" {
		t.Errorf("sent = %v, want a single resolve-identifier to the control room", sent)
	}
}

func TestResolveIgnoresStaleReplies(t *testing.T) {
	f := newFakeMessenger()
	// A perfectly good token reply, but from an hour ago.
	f.pushBotReply("Found "+testToken, time.Now().Add(-time.Hour))

	r := NewResolver(f, fastBridgeConfig())
	_, err := r.Resolve(context.Background(), "+27821110000")
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("err = %v, want ErrNoReply: stale replies must not be accepted", err)
	}
}

func TestResolveIgnoresOtherSenders(t *testing.T) {
	f := newFakeMessenger()
	f.onSend = func(roomID, text string) {
		f.pushReply("@rando:example.org", "Found "+testToken, time.Now().Add(100*time.Millisecond))
	}

	r := NewResolver(f, fastBridgeConfig())
	_, err := r.Resolve(context.Background(), "+27821110000")
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("err = %v, want ErrNoReply: only the bot's replies count", err)
	}
}

func TestResolveNotRegistered(t *testing.T) {
	f := newFakeMessenger()
	f.onSend = func(roomID, text string) {
		f.pushBotReply("The phone number +27821110000 is not registered on Signal", time.Now().Add(100*time.Millisecond))
	}

	r := NewResolver(f, fastBridgeConfig())
	_, err := r.Resolve(context.Background(), "+27821110000")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestResolveFailureReplyQuotingTokenIsFailure(t *testing.T) {
	f := newFakeMessenger()
	f.onSend = func(roomID, text string) {
		// An error reply that quotes a token from an earlier exchange must
		// not be mistaken for a successful resolution.
		f.pushBotReply("failed to resolve: last known identity was "+testToken, time.Now().Add(100*time.Millisecond))
	}

	r := NewResolver(f, fastBridgeConfig())
	ident, err := r.Resolve(context.Background(), "+27821110000")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
	if ident != nil {
		t.Errorf("ident = %+v, want nil for a failure reply", ident)
	}
}

func TestResolveUnconfigured(t *testing.T) {
	f := newFakeMessenger()
	cfg := fastBridgeConfig()
	cfg.ControlRoomID = ""

	r := NewResolver(f, cfg)
	_, err := r.Resolve(context.Background(), "+27821110000")
	if !errors.Is(err, ErrBridgeNotConfigured) {
		t.Fatalf("err = %v, want ErrBridgeNotConfigured", err)
	}
	if len(f.sentCommands()) != 0 {
		t.Error("no command may be sent when the bridge is unconfigured")
	}
}

func TestResolveBotAbsentFromControlRoom(t *testing.T) {
	f := newFakeMessenger()
	f.members[testControlRoom] = []string{testSelf} // bot missing

	r := NewResolver(f, fastBridgeConfig())
	_, err := r.Resolve(context.Background(), "+27821110000")
	if !errors.Is(err, ErrBridgeNotConfigured) {
		t.Fatalf("err = %v, want ErrBridgeNotConfigured", err)
	}
	if len(f.sentCommands()) != 0 {
		t.Error("no command may be sent when the bot is absent")
	}
}

func TestResolveKeepsPollingUntilReply(t *testing.T) {
	f := newFakeMessenger()
	issued := time.Now()
	f.onSend = func(roomID, text string) {
		// Reply lands late: only visible from the second poll on.
		go func() {
			time.Sleep(5 * time.Millisecond)
			f.pushBotReply("Found "+testToken, issued.Add(200*time.Millisecond))
		}()
	}

	cfg := fastBridgeConfig()
	cfg.PollAttempts = 10
	cfg.PollIntervalMs = 5

	r := NewResolver(f, cfg)
	ident, err := r.Resolve(context.Background(), "+27821110000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ident.Token != testToken {
		t.Errorf("token = %q, want %q", ident.Token, testToken)
	}
	f.mu.Lock()
	polls := f.polls
	f.mu.Unlock()
	if polls < 1 {
		t.Errorf("polls = %d, want at least one history poll", polls)
	}
}

func TestResolveFirstEligibleReplyDecides(t *testing.T) {
	f := newFakeMessenger()
	f.onSend = func(roomID, text string) {
		now := time.Now()
		// Oldest eligible reply is a failure; a token arrives later. The
		// failure decides because it came first.
		f.pushBotReply("failed to resolve +27821110000", now.Add(50*time.Millisecond))
		f.pushBotReply("Found "+testToken, now.Add(150*time.Millisecond))
	}

	r := NewResolver(f, fastBridgeConfig())
	_, err := r.Resolve(context.Background(), "+27821110000")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered from the first eligible reply", err)
	}
}

func TestResolveOverlappingExchangesBindOwnReplies(t *testing.T) {
	f := newFakeMessenger()
	tokenA := "11111111-2222-4333-8444-555555555555"
	tokenB := "66666666-7777-4888-9999-aaaaaaaaaaaa"
	f.onSend = func(roomID, text string) {
		switch {
		case strings.HasSuffix(text, "+27821110001"):
			f.pushBotReply("Found "+tokenA, time.Now().Add(10*time.Millisecond))
		case strings.HasSuffix(text, "+27821110002"):
			f.pushBotReply("Found "+tokenB, time.Now().Add(10*time.Millisecond))
		}
	}

	r := NewResolver(f, fastBridgeConfig())

	identA, err := r.Resolve(context.Background(), "+27821110001")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if identA.Token != tokenA {
		t.Errorf("first token = %q, want %q", identA.Token, tokenA)
	}

	// The first exchange's reply is still the newest control-room message
	// when the second exchange starts. Its timestamp predates the second
	// issue time, so the second call must wait for its own answer.
	time.Sleep(20 * time.Millisecond)

	identB, err := r.Resolve(context.Background(), "+27821110002")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if identB.Token != tokenB {
		t.Errorf("second token = %q, want %q: a reply from the earlier exchange was accepted", identB.Token, tokenB)
	}
}

func TestResolveCancelledContext(t *testing.T) {
	f := newFakeMessenger()
	cfg := fastBridgeConfig()
	cfg.SettleDelayMs = 5000 // would block without cancellation

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(f, cfg)
	_, err := r.Resolve(ctx, "+27821110000")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
