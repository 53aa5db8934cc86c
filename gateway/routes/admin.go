package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
	"escrowledger/services/audit"
)

type pauseRequest struct {
	Reason string `json:"reason"`
}

type feeRequest struct {
	FeeBps *uint64 `json:"feeBps"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// pruneRequest selects the cutoff either as unix nanoseconds or as a number
// of days to retain.
type pruneRequest struct {
	Before        uint64 `json:"before,omitempty"`
	RetentionDays uint64 `json:"retentionDays,omitempty"`
}

func (a *api) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := middleware.CallerFrom(r.Context())
	if !a.svc.IsAdmin(caller) {
		writeError(w, ledgererrors.Unauthorized("admin privileges required"))
		return "", false
	}
	return caller, true
}

func (a *api) systemState(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.svc.SystemState())
}

func (a *api) pause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	state, err := a.svc.Pause(middleware.CallerFrom(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) resume(w http.ResponseWriter, r *http.Request) {
	state, err := a.svc.Resume(middleware.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) setFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	if req.FeeBps == nil {
		writeBadRequest(w, "feeBps", errors.New("feeBps is required"))
		return
	}
	state, err := a.svc.SetFeeBps(middleware.CallerFrom(r.Context()), *req.FeeBps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(middleware.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) pruneHistory(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	before := req.Before
	if before == 0 && req.RetentionDays > 0 {
		before = uint64(time.Now().Add(-time.Duration(req.RetentionDays) * 24 * time.Hour).UnixNano())
	}
	if before == 0 {
		writeBadRequest(w, "before", errors.New("before or retentionDays is required"))
		return
	}
	removed, err := a.svc.PruneHistory(middleware.CallerFrom(r.Context()), before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "before": before})
}

func (a *api) adminTransaction(w http.ResponseWriter, r *http.Request, op func(id uint64, caller string) (*escrow.Transaction, error)) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "id", err)
		return
	}
	tx, err := op(id, middleware.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *api) reverse(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	a.adminTransaction(w, r, func(id uint64, caller string) (*escrow.Transaction, error) {
		return a.svc.Reverse(id, caller, req.Reason)
	})
}

func (a *api) review(w http.ResponseWriter, r *http.Request) {
	a.adminTransaction(w, r, a.svc.BeginReview)
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	var resolution escrow.Resolution
	if err := decodeBody(r, &resolution, false); err != nil {
		writeBadRequest(w, "resolution", err)
		return
	}
	a.adminTransaction(w, r, func(id uint64, caller string) (*escrow.Transaction, error) {
		return a.svc.Resolve(id, caller, resolution)
	})
}

func (a *api) settleFee(w http.ResponseWriter, r *http.Request) {
	a.adminTransaction(w, r, a.svc.SettleFee)
}

func (a *api) auditTrail(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	_, limit, err := pagination(r)
	if err != nil {
		writeBadRequest(w, "limit", err)
		return
	}
	records, err := a.audit.Recent(limit)
	if err != nil {
		writeError(w, ledgererrors.Internalf(err, "read audit log"))
		return
	}
	verified, verr := a.audit.VerifyChain()
	if verr != nil {
		a.logger.Error("audit chain verification failed", slog.Any("error", verr))
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":  records,
		"verified": verified,
		"intact":   verr == nil,
	})
}
