package voiceapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Action names used in logs and stats.
const (
	ActionAccept   = "accept"
	ActionHangup   = "hangup"
	ActionJoinRoom = "join_room"
)

// Actions is the synchronous call-control API the dispatcher drives.
// *Client implements it.
type Actions interface {
	AcceptCall(ctx context.Context, voiceID string) error
	HangupCall(ctx context.Context, voiceID string) error
	JoinRoom(ctx context.Context, voiceID, roomID string) error
}

// ActionStat counts outcomes for one action.
type ActionStat struct {
	Action    string
	Succeeded uint64
	Failed    uint64
}

// Dispatcher runs call-control actions in the background so the call
// handler never waits on the provider. Accept and join-room are idempotent
// and retried with exponential backoff up to the configured number of
// attempts; hangup is attempted once. Failures are logged and reported on
// the returned channel.
type Dispatcher struct {
	actions      Actions
	attempts     int
	initialDelay time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*ActionStat
}

// NewDispatcher creates a dispatcher. attempts below 1 is treated as 1.
func NewDispatcher(actions Actions, attempts int, logger *slog.Logger) *Dispatcher {
	if attempts < 1 {
		attempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		actions:      actions,
		attempts:     attempts,
		initialDelay: 500 * time.Millisecond,
		logger:       logger.With("subsystem", "voice_api"),
		ctx:          ctx,
		cancel:       cancel,
		stats:        make(map[string]*ActionStat),
	}
}

// AcceptCall answers the call in the background.
func (d *Dispatcher) AcceptCall(voiceID string) <-chan error {
	return d.run(ActionAccept, voiceID, true, func(ctx context.Context) error {
		return d.actions.AcceptCall(ctx, voiceID)
	})
}

// HangupCall disconnects the call in the background.
func (d *Dispatcher) HangupCall(voiceID string) <-chan error {
	return d.run(ActionHangup, voiceID, false, func(ctx context.Context) error {
		return d.actions.HangupCall(ctx, voiceID)
	})
}

// JoinRoom bridges the call into roomID in the background.
func (d *Dispatcher) JoinRoom(voiceID, roomID string) <-chan error {
	return d.run(ActionJoinRoom, voiceID, true, func(ctx context.Context) error {
		return d.actions.JoinRoom(ctx, voiceID, roomID)
	}, "room_id", roomID)
}

func (d *Dispatcher) run(action, voiceID string, retry bool, op func(context.Context) error, attrs ...any) <-chan error {
	result := make(chan error, 1)
	logger := d.logger.With(append([]any{"action", action, "voice_id", voiceID}, attrs...)...)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(result)

		start := time.Now()
		var err error
		if retry && d.attempts > 1 {
			err = d.retry(logger, op)
		} else {
			err = op(d.ctx)
		}
		d.record(action, err)

		if err != nil {
			logger.Error("call control action failed",
				"error", err,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		} else {
			logger.Info("call control action completed",
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
		result <- err
	}()
	return result
}

func (d *Dispatcher) retry(logger *slog.Logger, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialDelay

	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		err := op(d.ctx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("call control action failed, retrying", "error", err, "retry_in", next)
		}),
	)
	return err
}

// retryable reports whether err may clear on a later attempt.
func retryable(err error) bool {
	if errors.Is(err, ErrNoVoiceID) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func (d *Dispatcher) record(action string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.stats[action]
	if !ok {
		st = &ActionStat{Action: action}
		d.stats[action] = st
	}
	if err != nil {
		st.Failed++
	} else {
		st.Succeeded++
	}
}

// Stats returns outcome counts for every action dispatched so far.
func (d *Dispatcher) Stats() []ActionStat {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActionStat, 0, len(d.stats))
	for _, st := range d.stats {
		out = append(out, *st)
	}
	return out
}

// Wait blocks until all dispatched actions finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight actions and their retries.
func (d *Dispatcher) Close() {
	d.cancel()
}
