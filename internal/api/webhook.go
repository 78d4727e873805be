package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/flowpbx/callrelay/internal/call"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// maxNotificationBytes bounds a single webhook payload.
const maxNotificationBytes = 64 << 10

// algorithmHeader marks a payload the provider encrypted. The provider's
// header name is misspelled; Go canonicalises it to this form.
const algorithmHeader = "X-Algoritm"

// handleEvent receives one provider notification and applies it to the
// tracked call. Unparseable bodies are rejected; well-formed payloads that
// carry nothing actionable are acknowledged and ignored.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	logger := slog.With("request_id", chimw.GetReqID(r.Context()))

	if alg := r.Header.Get(algorithmHeader); alg != "" {
		logger.Warn("refusing encrypted notification", "algorithm", alg)
		writeError(w, http.StatusUnsupportedMediaType, "encrypted notifications are not supported")
		return
	}

	body, status, msg := readBody(w, r, maxNotificationBytes)
	if status != 0 {
		writeError(w, status, msg)
		return
	}

	n, err := decodeNotification(r.Header.Get("Content-Type"), body)
	switch {
	case errors.Is(err, call.ErrNotObject):
		logger.Warn("notification is not an object, ignoring")
		writeJSON(w, http.StatusOK, nil)
		return
	case err != nil:
		logger.Warn("malformed notification", "error", err)
		writeError(w, http.StatusBadRequest, "malformed notification")
		return
	}

	logger.Debug("notification received",
		"state", n.State,
		"playstate", n.PlayState,
		"voice_id", n.VoiceID,
	)

	// The call outlives the provider's request.
	s.calls.Handle(context.WithoutCancel(r.Context()), n)
	writeJSON(w, http.StatusOK, nil)
}

// decodeNotification parses body as a form when the provider posts
// urlencoded data and as JSON otherwise. An empty body is an empty
// notification.
func decodeNotification(contentType string, body []byte) (call.Notification, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return call.Notification{}, err
		}
		return call.NotificationFromForm(values), nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return call.Notification{}, nil
	}
	return call.ParseNotification(body)
}
