package httpserver

import (
	"net/http"

	apierrors "github.com/campusmart/server/internal/errors"
	"github.com/campusmart/server/internal/marketplace"
	"github.com/campusmart/server/internal/storage"
	"github.com/campusmart/server/pkg/responders"
)

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var q marketplace.PageQuery
	var err error
	if q.Limit, err = queryInt(r, "limit"); err == nil {
		q.Offset, err = queryInt(r, "offset")
	}
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	notes, err := h.marketplace.Notifications(r.Context(), userID, q)
	if err != nil {
		writeServiceError(w, r, "notifications.list.fetch_failed", err)
		return
	}
	if notes == nil {
		notes = []storage.Notification{}
	}
	responders.JSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (h *handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	count, err := h.marketplace.UnreadCount(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, "notifications.count_failed", err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]int{"unread": count})
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "notificationID")
	if !ok {
		return
	}
	if err := h.marketplace.MarkRead(r.Context(), id, userID); err != nil {
		writeServiceError(w, r, "notifications.mark_read_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) markAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.marketplace.MarkAllRead(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, "notifications.mark_all_read_failed", err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]int64{"updated": n})
}
