package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Controller issues call-control actions to the voice provider. Each call
// returns immediately; the channel yields the outcome once the remote
// request finishes and may be ignored.
type Controller interface {
	AcceptCall(voiceID string) <-chan error
	HangupCall(voiceID string) <-chan error
	JoinRoom(voiceID, roomID string) <-chan error
}

// Publisher delivers status lines to live stream observers.
type Publisher interface {
	Publish(text string)
}

// Status lines published to observers, prefixed with the voice id.
const (
	msgInbound      = "Received an inbound Call"
	msgDisconnected = "Call is disconnected"
	msgConnected    = "Call is connected"
	msgJoined       = "Call joined Video Room"
	msgPlayFinished = "Received playfinished event"
)

// Counter keys reported by NotificationCounts.
const (
	countEmpty   = "empty"
	countIgnored = "ignored"
)

// HandlerConfig holds the handler's fixed parameters.
type HandlerConfig struct {
	// RoomID is the video room the caller joins after the announcement.
	RoomID string

	// JoinTimeout is how long a call may stay in the room before it is
	// hung up.
	JoinTimeout time.Duration

	// OnTimeout runs after the join timeout hangs up the call. The process
	// uses it to start shutdown. May be nil.
	OnTimeout func()
}

// Handler drives the tracked call from provider notifications. Notifications
// are processed one at a time in the order Handle is called; the join
// timeout takes the same lock, so it never interleaves with a notification.
type Handler struct {
	mu         sync.Mutex
	tracker    *Tracker
	control    Controller
	publisher  Publisher
	supervisor *Supervisor
	roomID     string
	onTimeout  func()
	counts     map[string]uint64
	logger     *slog.Logger
}

// NewHandler creates a handler for tracker.
func NewHandler(tracker *Tracker, control Controller, publisher Publisher, cfg HandlerConfig, logger *slog.Logger) *Handler {
	h := &Handler{
		tracker:   tracker,
		control:   control,
		publisher: publisher,
		roomID:    cfg.RoomID,
		onTimeout: cfg.OnTimeout,
		counts:    make(map[string]uint64),
		logger:    logger.With("subsystem", "call_handler"),
	}
	h.supervisor = NewSupervisor(cfg.JoinTimeout, h.expire)
	return h
}

// Handle applies one notification. The state and playstate signals are
// evaluated independently, so a single notification may trigger both.
// Empty notifications and unrecognised values are ignored.
func (h *Handler) Handle(ctx context.Context, n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n.Empty() {
		h.counts[countEmpty]++
		h.logger.Debug("notification has no state or playstate, ignoring")
		return
	}
	if n.State != "" {
		h.handleState(ctx, n)
	}
	if n.PlayState != "" {
		h.handlePlayState(n)
	}
}

func (h *Handler) handleState(ctx context.Context, n Notification) {
	switch n.State {
	case StateIncomingCall:
		// A new call replaces whatever was tracked, including its deadline.
		h.supervisor.Cancel()
		h.transition(func() error { return h.tracker.Begin(ctx, n.VoiceID, n.To) })
		h.emit(msgInbound)
		h.control.AcceptCall(n.VoiceID)

	case StateDisconnected:
		h.transition(func() error { return h.tracker.Transition(ctx, PhaseDisconnected) })
		if h.supervisor.Cancel() {
			h.logger.Debug("join timeout cancelled", "voice_id", h.tracker.VoiceID())
		}
		h.emit(msgDisconnected)

	case StateConnected:
		// Joining the room waits for the announcement to finish playing.
		h.transition(func() error { return h.tracker.Transition(ctx, PhaseConnected) })
		h.emit(msgConnected)

	case StateJoined:
		h.transition(func() error { return h.tracker.Transition(ctx, PhaseJoined) })
		h.emit(msgJoined)
		h.supervisor.Arm()
		h.logger.Debug("join timeout armed",
			"voice_id", h.tracker.VoiceID(),
			"timeout", h.supervisor.Delay(),
		)

	default:
		h.counts[countIgnored]++
		h.logger.Debug("ignoring unrecognised call state", "state", n.State)
		return
	}
	h.counts[n.State]++
}

func (h *Handler) handlePlayState(n Notification) {
	if n.PlayState != PlayStateFinished {
		h.counts[countIgnored]++
		h.logger.Debug("ignoring unrecognised playstate", "playstate", n.PlayState)
		return
	}
	h.counts[n.PlayState]++
	h.emit(msgPlayFinished)
	h.control.JoinRoom(h.tracker.VoiceID(), h.roomID)
}

func (h *Handler) transition(apply func() error) {
	if err := apply(); err != nil {
		h.logger.Error("call phase transition failed", "voice_id", h.tracker.VoiceID(), "error", err)
	}
}

// emit logs and publishes a status line for the tracked call.
func (h *Handler) emit(text string) {
	voiceID := h.tracker.VoiceID()
	msg := fmt.Sprintf("[%s] %s", voiceID, text)
	h.logger.Info(msg, "voice_id", voiceID)
	h.publisher.Publish(msg)
}

// expire runs when the join timeout elapses.
func (h *Handler) expire() {
	h.mu.Lock()
	phase := h.tracker.Phase()
	if phase == PhaseDisconnected || phase == PhaseTimeout {
		h.mu.Unlock()
		return
	}
	voiceID := h.tracker.VoiceID()
	h.logger.Info(fmt.Sprintf("[%s] Disconnecting the call", voiceID), "voice_id", voiceID)
	h.transition(func() error {
		return h.tracker.Transition(context.Background(), PhaseTimeout)
	})
	h.control.HangupCall(voiceID)
	h.mu.Unlock()

	if h.onTimeout != nil {
		h.onTimeout()
	}
}

// TimeoutArmed reports whether the join timeout is pending.
func (h *Handler) TimeoutArmed() bool {
	return h.supervisor.Armed()
}

// NotificationCounts returns how many notifications were handled, keyed by
// state or playstate value, plus "empty" and "ignored".
func (h *Handler) NotificationCounts() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]uint64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// Close cancels a pending join timeout. Notifications handled afterwards
// are still applied.
func (h *Handler) Close() {
	if h.supervisor.Cancel() {
		h.logger.Info("join timeout cancelled for shutdown")
	}
}
