package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Phase is the lifecycle stage of the tracked call.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRinging      Phase = "ringing"
	PhaseConnected    Phase = "connected"
	PhaseJoined       Phase = "joined"
	PhaseTimeout      Phase = "timeout"
	PhaseDisconnected Phase = "disconnected"
)

var allPhases = []string{
	string(PhaseIdle),
	string(PhaseRinging),
	string(PhaseConnected),
	string(PhaseJoined),
	string(PhaseTimeout),
	string(PhaseDisconnected),
}

// Phase machine events. Every event is accepted from every phase: the
// provider's notifications are not guaranteed to arrive in lifecycle order.
const (
	eventRing       = "ring"
	eventConnect    = "connect"
	eventJoin       = "join"
	eventTimeout    = "timeout"
	eventDisconnect = "disconnect"
)

var phaseEvents = map[Phase]string{
	PhaseRinging:      eventRing,
	PhaseConnected:    eventConnect,
	PhaseJoined:       eventJoin,
	PhaseTimeout:      eventTimeout,
	PhaseDisconnected: eventDisconnect,
}

func newPhaseFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(PhaseIdle),
		fsm.Events{
			{Name: eventRing, Src: allPhases, Dst: string(PhaseRinging)},
			{Name: eventConnect, Src: allPhases, Dst: string(PhaseConnected)},
			{Name: eventJoin, Src: allPhases, Dst: string(PhaseJoined)},
			{Name: eventTimeout, Src: allPhases, Dst: string(PhaseTimeout)},
			{Name: eventDisconnect, Src: allPhases, Dst: string(PhaseDisconnected)},
		},
		nil,
	)
}

// Record is a point-in-time copy of the tracked call.
type Record struct {
	VoiceID     string    `json:"voice_id"`
	Destination string    `json:"destination"`
	Phase       Phase     `json:"phase"`
	Active      bool      `json:"active"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Tracker holds the single call this process manages. VoiceID and
// Destination are set together by Begin; after that only the phase moves.
// A second Begin before termination overwrites the record.
type Tracker struct {
	mu          sync.Mutex
	fsm         *fsm.FSM
	voiceID     string
	destination string
	active      bool
	startedAt   time.Time
	updatedAt   time.Time
}

// NewTracker creates a tracker in the idle phase with no call.
func NewTracker() *Tracker {
	return &Tracker{fsm: newPhaseFSM()}
}

// Begin records a new inbound call and moves it to ringing.
func (t *Tracker) Begin(ctx context.Context, voiceID, destination string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.voiceID = voiceID
	t.destination = destination
	t.active = true
	t.startedAt = now
	t.updatedAt = now
	return t.transitionLocked(ctx, PhaseRinging)
}

// Transition moves the call to phase. Moving to the current phase is not
// an error. Terminal phases mark the call inactive.
func (t *Tracker) Transition(ctx context.Context, phase Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(ctx, phase)
}

func (t *Tracker) transitionLocked(ctx context.Context, phase Phase) error {
	event, ok := phaseEvents[phase]
	if !ok {
		return fmt.Errorf("no transition into phase %q", phase)
	}
	if err := t.fsm.Event(ctx, event); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			return fmt.Errorf("moving call to %s: %w", phase, err)
		}
	}
	t.updatedAt = time.Now()
	if phase == PhaseDisconnected || phase == PhaseTimeout {
		t.active = false
	}
	return nil
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase {
	return Phase(t.fsm.Current())
}

// VoiceID returns the provider's identifier for the tracked call, or an
// empty string before the first inbound call.
func (t *Tracker) VoiceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.voiceID
}

// Snapshot returns a copy of the tracked call.
func (t *Tracker) Snapshot() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Record{
		VoiceID:     t.voiceID,
		Destination: t.destination,
		Phase:       Phase(t.fsm.Current()),
		Active:      t.active,
		StartedAt:   t.startedAt,
		UpdatedAt:   t.updatedAt,
	}
}
