package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeControl records every call-control request.
type fakeControl struct {
	mu      sync.Mutex
	accepts []string
	hangups []string
	joins   [][2]string
}

func done() <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	close(ch)
	return ch
}

func (f *fakeControl) AcceptCall(voiceID string) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, voiceID)
	return done()
}

func (f *fakeControl) HangupCall(voiceID string) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, voiceID)
	return done()
}

func (f *fakeControl) JoinRoom(voiceID, roomID string) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, [2]string{voiceID, roomID})
	return done()
}

func (f *fakeControl) counts() (accepts, hangups, joins int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepts), len(f.hangups), len(f.joins)
}

// fakePublisher collects published status lines.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakePublisher) Publish(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
}

func (f *fakePublisher) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	copy(out, f.msgs)
	return out
}

type harness struct {
	handler   *Handler
	tracker   *Tracker
	control   *fakeControl
	publisher *fakePublisher
	timedOut  chan struct{}
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		tracker:   NewTracker(),
		control:   &fakeControl{},
		publisher: &fakePublisher{},
		timedOut:  make(chan struct{}, 1),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.handler = NewHandler(h.tracker, h.control, h.publisher, HandlerConfig{
		RoomID:      "room-42",
		JoinTimeout: timeout,
		OnTimeout:   func() { h.timedOut <- struct{}{} },
	}, logger)
	t.Cleanup(h.handler.Close)
	return h
}

func (h *harness) deliver(n Notification) {
	h.handler.Handle(context.Background(), n)
}

func TestHandler_EndToEndScenario(t *testing.T) {
	h := newHarness(t, time.Hour)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V1", To: "+1555"})
	accepts, hangups, joins := h.control.counts()
	if accepts != 1 || h.control.accepts[0] != "V1" {
		t.Fatalf("accepts = %v, want [V1]", h.control.accepts)
	}
	if hangups != 0 || joins != 0 {
		t.Fatalf("unexpected hangups=%d joins=%d after incomingcall", hangups, joins)
	}
	if got := h.publisher.messages(); len(got) != 1 || got[0] != "[V1] Received an inbound Call" {
		t.Fatalf("messages = %v", got)
	}
	if rec := h.tracker.Snapshot(); rec.VoiceID != "V1" || rec.Destination != "+1555" || rec.Phase != PhaseRinging || !rec.Active {
		t.Fatalf("snapshot = %+v", rec)
	}

	if h.handler.TimeoutArmed() {
		t.Fatal("timeout armed before joined")
	}
	h.deliver(Notification{State: StateJoined})
	if !h.handler.TimeoutArmed() {
		t.Fatal("expected timeout armed after joined")
	}
	if got := h.publisher.messages(); got[1] != "[V1] Call joined Video Room" {
		t.Fatalf("second message = %q", got[1])
	}

	h.deliver(Notification{PlayState: PlayStateFinished})
	accepts, hangups, joins = h.control.counts()
	if joins != 1 || h.control.joins[0] != [2]string{"V1", "room-42"} {
		t.Fatalf("joins = %v, want [[V1 room-42]]", h.control.joins)
	}
	if accepts != 1 || hangups != 0 {
		t.Fatalf("accepts=%d hangups=%d, want 1 and 0", accepts, hangups)
	}
	if got := h.publisher.messages(); len(got) != 3 || got[2] != "[V1] Received playfinished event" {
		t.Fatalf("messages = %v", got)
	}
}

func TestHandler_ConnectedDoesNotJoinRoom(t *testing.T) {
	h := newHarness(t, time.Hour)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V1"})
	h.deliver(Notification{State: StateConnected})

	if _, _, joins := h.control.counts(); joins != 0 {
		t.Fatalf("connected triggered %d JoinRoom calls, want 0", joins)
	}
	if h.tracker.Phase() != PhaseConnected {
		t.Errorf("phase = %s, want connected", h.tracker.Phase())
	}
	if got := h.publisher.messages(); got[len(got)-1] != "[V1] Call is connected" {
		t.Errorf("last message = %q", got[len(got)-1])
	}
}

func TestHandler_PlayFinishedJoinsRegardlessOfPhase(t *testing.T) {
	h := newHarness(t, time.Hour)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V9"})
	h.deliver(Notification{State: StateDisconnected})
	h.deliver(Notification{PlayState: PlayStateFinished})

	if _, _, joins := h.control.counts(); joins != 1 || h.control.joins[0][0] != "V9" {
		t.Fatalf("joins = %v, want one for V9", h.control.joins)
	}
}

func TestHandler_StateAndPlayStateBothFire(t *testing.T) {
	h := newHarness(t, time.Hour)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V2"})
	h.deliver(Notification{State: StateConnected, PlayState: PlayStateFinished})

	got := h.publisher.messages()
	want := []string{
		"[V2] Received an inbound Call",
		"[V2] Call is connected",
		"[V2] Received playfinished event",
	}
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
	if _, _, joins := h.control.counts(); joins != 1 {
		t.Errorf("joins = %d, want 1", joins)
	}
}

func TestHandler_NoOpNotifications(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
	}{
		{"empty", Notification{}},
		{"only voice id", Notification{VoiceID: "V1", To: "+1"}},
		{"unknown state", Notification{State: "ringback"}},
		{"unknown playstate", Notification{PlayState: "playstarted"}},
		{"wrong case", Notification{State: "Connected"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Hour)

			// Repeated delivery must be identically inert.
			h.deliver(tt.n)
			h.deliver(tt.n)

			if msgs := h.publisher.messages(); len(msgs) != 0 {
				t.Errorf("messages = %v, want none", msgs)
			}
			if a, hu, j := h.control.counts(); a+hu+j != 0 {
				t.Errorf("actions accept=%d hangup=%d join=%d, want none", a, hu, j)
			}
			if h.tracker.Phase() != PhaseIdle {
				t.Errorf("phase = %s, want idle", h.tracker.Phase())
			}
		})
	}
}

func TestHandler_TimeoutHangsUpAndSignals(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V1"})
	h.deliver(Notification{State: StateJoined})

	select {
	case <-h.timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback did not run")
	}

	_, hangups, _ := h.control.counts()
	if hangups != 1 || h.control.hangups[0] != "V1" {
		t.Fatalf("hangups = %v, want [V1]", h.control.hangups)
	}
	if rec := h.tracker.Snapshot(); rec.Phase != PhaseTimeout || rec.Active {
		t.Errorf("snapshot = %+v, want inactive timeout phase", rec)
	}
	if h.handler.TimeoutArmed() {
		t.Error("timeout still armed after firing")
	}
}

func TestHandler_DisconnectCancelsTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V1"})
	h.deliver(Notification{State: StateJoined})
	h.deliver(Notification{State: StateDisconnected})

	if h.handler.TimeoutArmed() {
		t.Fatal("timeout still armed after disconnect")
	}

	select {
	case <-h.timedOut:
		t.Fatal("timeout fired after disconnect")
	case <-time.After(100 * time.Millisecond):
	}
	if _, hangups, _ := h.control.counts(); hangups != 0 {
		t.Errorf("hangups = %d, want 0", hangups)
	}
	if got := h.publisher.messages(); got[len(got)-1] != "[V1] Call is disconnected" {
		t.Errorf("last message = %q", got[len(got)-1])
	}
	if h.tracker.Snapshot().Active {
		t.Error("call still active after disconnect")
	}
}

func TestHandler_SecondIncomingCallOverwrites(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V1", To: "+1"})
	h.deliver(Notification{State: StateJoined})
	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V2", To: "+2"})

	if h.handler.TimeoutArmed() {
		t.Error("previous call's timeout survived a new inbound call")
	}
	rec := h.tracker.Snapshot()
	if rec.VoiceID != "V2" || rec.Destination != "+2" || rec.Phase != PhaseRinging {
		t.Errorf("snapshot = %+v, want V2 ringing", rec)
	}
	if accepts, _, _ := h.control.counts(); accepts != 2 {
		t.Errorf("accepts = %d, want 2", accepts)
	}
}

func TestHandler_CloseCancelsTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V1"})
	h.deliver(Notification{State: StateJoined})
	h.handler.Close()

	select {
	case <-h.timedOut:
		t.Fatal("timeout fired after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandler_NotificationCounts(t *testing.T) {
	h := newHarness(t, time.Hour)

	h.deliver(Notification{State: StateIncomingCall, VoiceID: "V1"})
	h.deliver(Notification{State: StateConnected, PlayState: PlayStateFinished})
	h.deliver(Notification{State: "ringback"})
	h.deliver(Notification{})

	counts := h.handler.NotificationCounts()
	want := map[string]uint64{
		StateIncomingCall: 1,
		StateConnected:    1,
		PlayStateFinished: 1,
		"ignored":         1,
		"empty":           1,
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("counts[%q] = %d, want %d", k, counts[k], v)
		}
	}
}
