package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrNotObject is returned by ParseNotification for well-formed JSON that
// is not an object. Callers treat it as a no-op notification.
var ErrNotObject = errors.New("notification is not a JSON object")

// Call-progress values carried in the state field.
const (
	StateIncomingCall = "incomingcall"
	StateConnected    = "connected"
	StateJoined       = "joined"
	StateDisconnected = "disconnected"
)

// Media-progress values carried in the playstate field.
const (
	PlayStateFinished = "playfinished"
)

// Notification is one decoded webhook payload from the voice provider.
// Only the fields the handler acts on are kept; unknown keys are dropped.
type Notification struct {
	State     string
	PlayState string
	VoiceID   string
	To        string
	From      string
}

// Empty reports whether the notification carries neither a call-progress
// nor a media-progress signal.
func (n Notification) Empty() bool {
	return n.State == "" && n.PlayState == ""
}

// Field names accepted for each value. The provider documents playstate
// in lowercase but some payloads use camelCase.
var (
	stateKeys     = []string{"state"}
	playStateKeys = []string{"playstate", "playState", "play_state"}
	voiceIDKeys   = []string{"voice_id", "voiceId"}
	toKeys        = []string{"to"}
	fromKeys      = []string{"from"}
)

// ParseNotification decodes a JSON webhook body. Non-string values for
// known keys are ignored rather than rejected.
func ParseNotification(data []byte) (Notification, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Notification{}, fmt.Errorf("decoding notification: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return Notification{}, ErrNotObject
	}
	return Notification{
		State:     stringField(obj, stateKeys),
		PlayState: stringField(obj, playStateKeys),
		VoiceID:   stringField(obj, voiceIDKeys),
		To:        stringField(obj, toKeys),
		From:      stringField(obj, fromKeys),
	}, nil
}

// NotificationFromForm builds a notification from a URL-encoded webhook body.
func NotificationFromForm(values url.Values) Notification {
	get := func(keys []string) string {
		for _, k := range keys {
			if v := values.Get(k); v != "" {
				return v
			}
		}
		return ""
	}
	return Notification{
		State:     get(stateKeys),
		PlayState: get(playStateKeys),
		VoiceID:   get(voiceIDKeys),
		To:        get(toKeys),
		From:      get(fromKeys),
	}
}

func stringField(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
