package api

import (
	"net/http"
	"strings"

	"nestsync/services/auth"
	"nestsync/services/reconcile"
	"nestsync/services/sleep"
)

func (a *API) handlePartners(w http.ResponseWriter, r *http.Request) {
	account, _ := auth.FromContext(r.Context())

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	partners, err := a.deps.Links.Partners(ctx, account)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"partners": partners})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PartnerID string `json:"partner_id"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	account, _ := auth.FromContext(r.Context())
	ctx := r.Context()

	var (
		results []reconcile.Result
		err     error
	)
	if partner := strings.TrimSpace(req.PartnerID); partner != "" {
		linked, lerr := a.deps.Links.IsPartner(ctx, account, partner)
		switch {
		case lerr != nil:
			err = lerr
		case !linked:
			err = sleep.Errorf(sleep.Forbidden, "sync sessions", "%s is not linked to %s", partner, account)
		default:
			var res reconcile.Result
			res, err = a.deps.Reconciler.Sync(ctx, account, partner)
			if err == nil {
				results = append(results, res)
			}
		}
	} else {
		results, err = a.deps.Reconciler.SyncPartners(ctx, account)
	}
	// Per-partner failures still return the pairs that did run.
	if err != nil && len(results) == 0 {
		a.respondErr(w, err)
		return
	}

	if results == nil {
		results = []reconcile.Result{}
	}
	body := map[string]any{
		"results": results,
		"summary": reconcile.Summarize(results),
	}
	if err != nil {
		body["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, body)
}

func (a *API) handleMigrateShares(w http.ResponseWriter, r *http.Request) {
	account, _ := auth.FromContext(r.Context())

	report, err := a.deps.Migrator.Run(r.Context(), account)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"report": report, "summary": report.Summary()})
}
