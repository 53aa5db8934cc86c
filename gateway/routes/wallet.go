package routes

import (
	"net/http"
	"strings"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/gateway/middleware"
)

type fundsRequest struct {
	Account   string `json:"account,omitempty"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// subject resolves the account a request acts on. Only admins may name an
// account other than their own.
func (a *api) subject(r *http.Request, requested string) (string, error) {
	caller := middleware.CallerFrom(r.Context())
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == caller {
		if caller == "" {
			return "", ledgererrors.Unauthorized("authentication required")
		}
		return caller, nil
	}
	if !a.svc.IsAdmin(caller) {
		return "", ledgererrors.Unauthorized("cannot act on another account")
	}
	return requested, nil
}

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	account, err := a.subject(r, r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, err)
		return
	}
	bal, err := a.svc.Balance(account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	account, err := a.subject(r, r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, err)
		return
	}
	start, err := queryUint(r, "start")
	if err != nil {
		writeBadRequest(w, "start", err)
		return
	}
	end, err := queryUint(r, "end")
	if err != nil {
		writeBadRequest(w, "end", err)
		return
	}
	offset, limit, err := pagination(r)
	if err != nil {
		writeBadRequest(w, "pagination", err)
		return
	}
	entries, err := a.svc.History(account, start, end, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *api) deposit(w http.ResponseWriter, r *http.Request) {
	a.moveFunds(w, r, true)
}

func (a *api) withdraw(w http.ResponseWriter, r *http.Request) {
	a.moveFunds(w, r, false)
}

func (a *api) moveFunds(w http.ResponseWriter, r *http.Request, deposit bool) {
	var req fundsRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeBadRequest(w, "body", err)
		return
	}
	account, err := a.subject(r, req.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	if deposit {
		bal, err := a.svc.Deposit(account, req.Amount, req.Reference)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, bal)
		return
	}
	bal, err := a.svc.Withdraw(account, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bal)
}
