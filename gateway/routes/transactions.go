package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowledger/core"
	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

type disputeRequest struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence,omitempty"`
}

func (a *api) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req escrow.CreateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	tx, err := a.svc.CreateTransaction(middleware.CallerFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// parseFilter reads the list filter from the query string:
// status, type, tags (comma separated), minAmount, maxAmount, category,
// createdAfter and createdBefore (unix nanoseconds).
func parseFilter(r *http.Request) (*escrow.Filter, string, error) {
	q := r.URL.Query()
	filter := &escrow.Filter{Category: q.Get("category"), Tags: splitList(q.Get("tags"))}
	for _, name := range splitList(q.Get("status")) {
		kind, err := escrow.ParseStatusKind(name)
		if err != nil {
			return nil, "status", err
		}
		filter.Statuses = append(filter.Statuses, kind)
	}
	for _, name := range splitList(q.Get("type")) {
		t, err := escrow.ParseTxType(name)
		if err != nil {
			return nil, "type", err
		}
		filter.Types = append(filter.Types, t)
	}
	var err error
	if filter.MinAmount, err = queryUint(r, "minAmount"); err != nil {
		return nil, "minAmount", err
	}
	if filter.MaxAmount, err = queryUint(r, "maxAmount"); err != nil {
		return nil, "maxAmount", err
	}
	if filter.CreatedAfter, err = queryUint(r, "createdAfter"); err != nil {
		return nil, "createdAfter", err
	}
	if filter.CreatedBefore, err = queryUint(r, "createdBefore"); err != nil {
		return nil, "createdBefore", err
	}
	return filter, "", nil
}

func (a *api) listTransactions(w http.ResponseWriter, r *http.Request) {
	account, err := a.subject(r, r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, err)
		return
	}
	filter, field, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, field, err)
		return
	}
	offset, limit, err := pagination(r)
	if err != nil {
		writeBadRequest(w, "pagination", err)
		return
	}
	txs, err := a.svc.Transactions(account, filter, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*escrow.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *api) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "id", err)
		return
	}
	tx, err := a.svc.Transaction(id, middleware.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *api) transition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "id", err)
		return
	}
	action := chi.URLParam(r, "action")
	switch action {
	case core.ActionApprove, core.ActionAccept, core.ActionSubmit, core.ActionComplete:
	default:
		http.NotFound(w, r)
		return
	}
	tx, err := a.svc.Transition(action, id, middleware.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "id", err)
		return
	}
	var req cancelRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	tx, err := a.svc.Cancel(id, middleware.CallerFrom(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *api) dispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "id", err)
		return
	}
	var req disputeRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	tx, err := a.svc.Dispute(id, middleware.CallerFrom(r.Context()), req.Reason, req.Evidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
