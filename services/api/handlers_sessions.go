package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nestsync/services/auth"
	"nestsync/services/sleep"
	"nestsync/services/tracker"
)

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	account, _ := auth.FromContext(r.Context())

	var babyID *string
	if v := strings.TrimSpace(r.URL.Query().Get("baby_id")); v != "" {
		babyID = &v
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var (
		list []sleep.Session
		err  error
	)
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "visible":
		list, err = a.deps.Sessions.ListVisible(ctx, account)
		if err == nil && babyID != nil {
			list = filterBaby(list, babyID)
		}
	case "mine":
		list, err = a.deps.Sessions.ListForAccount(ctx, account, babyID)
	default:
		err = sleep.Errorf(sleep.InvalidArgument, "list sessions", "unknown scope %q", scope)
	}
	if err != nil {
		a.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func filterBaby(list []sleep.Session, babyID *string) []sleep.Session {
	out := make([]sleep.Session, 0, len(list))
	for _, s := range list {
		if s.SameBaby(babyID) {
			out = append(out, s)
		}
	}
	return out
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BabyID    *string    `json:"baby_id"`
		OwnerID   string     `json:"owner_id"`
		StartTime *time.Time `json:"start_time"`
		Notes     *string    `json:"notes"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	account, _ := auth.FromContext(r.Context())
	sreq := tracker.StartRequest{
		CallerID: account,
		OwnerID:  req.OwnerID,
		BabyID:   req.BabyID,
		Notes:    req.Notes,
	}
	if req.StartTime != nil {
		sreq.StartTime = *req.StartTime
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	session, err := a.deps.Guard.Start(ctx, sreq)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EndTime *time.Time `json:"end_time"`
		Quality string     `json:"quality"`
		Notes   *string    `json:"notes"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	quality, err := sleep.ParseQuality(req.Quality)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	account, _ := auth.FromContext(r.Context())
	sreq := tracker.StopRequest{
		CallerID:  account,
		SessionID: chi.URLParam(r, "id"),
		Quality:   quality,
		Notes:     req.Notes,
	}
	if req.EndTime != nil {
		sreq.EndTime = *req.EndTime
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	session, err := a.deps.Guard.Stop(ctx, sreq)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTime *time.Time `json:"start_time"`
		EndTime   *time.Time `json:"end_time"`
		Quality   *string    `json:"quality"`
		Notes     *string    `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	account, _ := auth.FromContext(r.Context())
	ereq := tracker.EditRequest{
		CallerID:  account,
		SessionID: chi.URLParam(r, "id"),
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Notes:     req.Notes,
	}
	if req.Quality != nil {
		q, err := sleep.ParseQuality(*req.Quality)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		ereq.Quality = &q
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	session, err := a.deps.Guard.Edit(ctx, ereq)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	account, _ := auth.FromContext(r.Context())

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.deps.Guard.Delete(ctx, account, chi.URLParam(r, "id")); err != nil {
		a.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
