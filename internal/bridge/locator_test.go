package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	testGhost = "@signal_" + testToken + ":example.org"
	testAdmin = "!admin:example.org"
)

// addDM registers a two-member room with the given counterpart and activity.
func (f *fakeMessenger) addDM(roomID, counterpart string, activity time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomID)
	f.members[roomID] = []string{f.userID, counterpart}
	f.activity[roomID] = activity
}

func testIdentity() *ResolvedIdentity {
	return &ResolvedIdentity{Token: testToken, Raw: "Found " + testToken}
}

func TestLocateHappyPath(t *testing.T) {
	f := newFakeMessenger()
	f.addDM("!dm1:example.org", testGhost, time.Now().Add(time.Second))

	l := NewLocator(f, fastBridgeConfig())
	room, err := l.Locate(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if room != "!dm1:example.org" {
		t.Errorf("room = %q, want !dm1:example.org", room)
	}

	sent := f.sentCommands()
	if len(sent) != 1 || !strings.HasSuffix(sent[0], "|start-chat "+testToken) {
		t.Errorf("sent = %v, want a single start-chat to the control room", sent)
	}
}

func TestLocateBotCounterpartQualifies(t *testing.T) {
	f := newFakeMessenger()
	f.addDM("!dm1:example.org", testBot, time.Now().Add(time.Second))

	l := NewLocator(f, fastBridgeConfig())
	room, err := l.Locate(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if room != "!dm1:example.org" {
		t.Errorf("room = %q, want the bot DM", room)
	}
}

func TestLocatePrefersMostRecent(t *testing.T) {
	f := newFakeMessenger()
	base := time.Now().Add(time.Second)
	f.addDM("!older:example.org", testGhost, base.Add(10*time.Millisecond))
	f.addDM("!newer:example.org", testGhost, base.Add(20*time.Millisecond))

	l := NewLocator(f, fastBridgeConfig())
	room, err := l.Locate(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if room != "!newer:example.org" {
		t.Errorf("room = %q, want the most recently active candidate", room)
	}
}

func TestLocateTieIsAmbiguous(t *testing.T) {
	f := newFakeMessenger()
	ts := time.Now().Add(time.Second)
	f.addDM("!dm1:example.org", testGhost, ts)
	f.addDM("!dm2:example.org", testGhost, ts)

	l := NewLocator(f, fastBridgeConfig())
	_, err := l.Locate(context.Background(), testIdentity())
	if !errors.Is(err, ErrAmbiguousChannel) {
		t.Fatalf("err = %v, want ErrAmbiguousChannel on an exact recency tie", err)
	}
}

func TestLocateStaleRoomsNeverQualify(t *testing.T) {
	f := newFakeMessenger()
	// Right shape, but last active an hour ago: left over from an earlier
	// delivery, must not be picked.
	f.addDM("!stale:example.org", testGhost, time.Now().Add(-time.Hour))

	l := NewLocator(f, fastBridgeConfig())
	_, err := l.Locate(context.Background(), testIdentity())
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}

	f.mu.Lock()
	joined := f.joinedCalls
	f.mu.Unlock()
	if joined != 2 {
		t.Errorf("joinedCalls = %d, want exactly 2 enumeration passes", joined)
	}
}

func TestLocateRetryFindsLateRoom(t *testing.T) {
	f := newFakeMessenger()
	// The bridge is slow: the DM room only exists by the second pass.
	f.onJoined = func(call int) {
		if call == 1 {
			go func() {
				f.addDM("!late:example.org", testGhost, time.Now().Add(time.Second))
			}()
		}
	}

	cfg := fastBridgeConfig()
	cfg.LocateRetryDelayMs = 20

	l := NewLocator(f, cfg)
	room, err := l.Locate(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if room != "!late:example.org" {
		t.Errorf("room = %q, want the late-appearing DM", room)
	}
}

func TestLocateExcludesControlAndAdminRooms(t *testing.T) {
	f := newFakeMessenger()
	future := time.Now().Add(time.Second)
	// The control room already matches the two-member shape.
	f.activity[testControlRoom] = future
	// So does the admin room.
	f.addDM(testAdmin, testBot, future)

	l := NewLocator(f, fastBridgeConfig(), testAdmin)
	_, err := l.Locate(context.Background(), testIdentity())
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound: excluded rooms can never be candidates", err)
	}
}

func TestLocateIgnoresWrongShapeRooms(t *testing.T) {
	f := newFakeMessenger()
	future := time.Now().Add(time.Second)

	// Three members: not a DM.
	f.mu.Lock()
	f.rooms = append(f.rooms, "!group:example.org")
	f.members["!group:example.org"] = []string{testSelf, testBot, "@third:example.org"}
	f.activity["!group:example.org"] = future
	f.mu.Unlock()

	// Two members, but the counterpart is unrelated.
	f.addDM("!other:example.org", "@colleague:example.org", future)

	l := NewLocator(f, fastBridgeConfig())
	_, err := l.Locate(context.Background(), testIdentity())
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestLocateUnconfigured(t *testing.T) {
	f := newFakeMessenger()
	cfg := fastBridgeConfig()
	cfg.BotUserID = ""

	l := NewLocator(f, cfg)
	_, err := l.Locate(context.Background(), testIdentity())
	if !errors.Is(err, ErrBridgeNotConfigured) {
		t.Fatalf("err = %v, want ErrBridgeNotConfigured", err)
	}
	if len(f.sentCommands()) != 0 {
		t.Error("no command may be sent when the bridge is unconfigured")
	}
}
