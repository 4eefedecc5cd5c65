package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"nestsync/services/reconcile"
	"nestsync/services/sleep"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondErr writes err with the status and kind matching its classification.
func (a *API) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{
		"error": err.Error(),
		"kind":  sleep.KindOf(err).String(),
	}
	if errors.Is(err, reconcile.ErrInProgress) {
		body["kind"] = "sync_in_progress"
	}
	var e *sleep.Error
	if errors.As(err, &e) && e.Partner != nil {
		body["partner"] = e.Partner
	}
	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondJSON(w, status, body)
}

func statusFor(err error) int {
	if errors.Is(err, reconcile.ErrInProgress) {
		return http.StatusConflict
	}
	switch sleep.KindOf(err) {
	case sleep.InvalidArgument:
		return http.StatusBadRequest
	case sleep.NotAuthenticated:
		return http.StatusUnauthorized
	case sleep.Forbidden:
		return http.StatusForbidden
	case sleep.NotFound:
		return http.StatusNotFound
	case sleep.AlreadyTracking, sleep.PartnerAlreadyTracking:
		return http.StatusConflict
	case sleep.TransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
