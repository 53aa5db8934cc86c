package routes

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"escrowledger/gateway/middleware"
	"escrowledger/services/notify"
)

func (a *api) listNotifications(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pagination(r)
	if err != nil {
		writeBadRequest(w, "pagination", err)
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	list, err := a.notes.ForRecipient(middleware.CallerFrom(r.Context()), unread, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "id", err)
		return
	}
	n, err := a.notes.MarkRead(id, middleware.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
