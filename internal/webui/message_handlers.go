// ABOUTME: Message handlers: list and show partials plus create, update and delete
// ABOUTME: Mutations answer 204; connected clients see the change through the event stream

package webui

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/board"
	"github.com/2389/coven-board/internal/dedupe"
)

// handleDashboard renders the board page with the current messages
func (u *UI) handleDashboard(w http.ResponseWriter, r *http.Request) {
	msgs, err := u.board.List(r.Context())
	if err != nil {
		u.writeError(w, r, err)
		return
	}

	user := ""
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		user = p.Name
	}
	u.renderPage(w, "dashboard", dashboardData{
		Title:     "Board",
		User:      user,
		Messages:  msgs,
		CSRFToken: auth.CSRFTokenFromContext(r.Context()),
	})
}

// handleMessageIndex renders the message list partial
func (u *UI) handleMessageIndex(w http.ResponseWriter, r *http.Request) {
	if !isHTMX(r) {
		http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
		return
	}

	msgs, err := u.board.List(r.Context())
	if err != nil {
		u.writeError(w, r, err)
		return
	}
	u.renderPartial(w, http.StatusOK, "messages", msgs)
}

// handleMessageShow renders one message. A message deleted in the meantime
// answers 205 so the client drops its stale copy.
func (u *UI) handleMessageShow(w http.ResponseWriter, r *http.Request) {
	u.showPartial(w, r, "message")
}

// handleMessageEdit renders the inline edit form for one message
func (u *UI) handleMessageEdit(w http.ResponseWriter, r *http.Request) {
	u.showPartial(w, r, "message_edit")
}

func (u *UI) showPartial(w http.ResponseWriter, r *http.Request, partial string) {
	if !isHTMX(r) {
		http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := u.board.Find(r.Context(), id)
	if errors.Is(err, board.ErrNotFound) {
		w.WriteHeader(http.StatusResetContent)
		return
	}
	if err != nil {
		u.writeError(w, r, err)
		return
	}
	u.renderPartial(w, http.StatusOK, partial, msg)
}

func messageInput(r *http.Request) board.MessageInput {
	return board.MessageInput{
		Title:   r.FormValue("title"),
		Content: r.FormValue("content"),
	}
}

// handleMessageCreate posts a new message. A repeated Idempotency-Key
// replays the first outcome instead of writing again.
func (u *UI) handleMessageCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	key := u.idempotencyKey(r)
	if key != "" {
		state, res := u.dedupe.Claim(key)
		switch state {
		case dedupe.StateDone:
			w.Header().Set("Idempotent-Replayed", "true")
			if res.Err != nil {
				u.writeError(w, r, res.Err)
				return
			}
			w.Header().Set(MessageIDHeader, strconv.FormatInt(res.MessageID, 10))
			w.WriteHeader(res.Status)
			return
		case dedupe.StatePending:
			http.Error(w, "A request with this Idempotency-Key is in progress", http.StatusConflict)
			return
		}
	}

	ack, err := u.board.Create(r.Context(), messageInput(r))
	if err != nil {
		if key != "" {
			var terr *board.TransientError
			if errors.As(err, &terr) {
				u.dedupe.Release(key)
			} else {
				u.dedupe.Complete(key, dedupe.Result{Status: board.StatusCode(err), Err: err})
			}
		}
		u.writeError(w, r, err)
		return
	}

	if key != "" {
		u.dedupe.Complete(key, dedupe.Result{Status: http.StatusNoContent, MessageID: ack.ID})
	}
	w.Header().Set(MessageIDHeader, strconv.FormatInt(ack.ID, 10))
	w.WriteHeader(http.StatusNoContent)
}

// idempotencyKey scopes the client's key to the signed-in user. Empty when
// the header is absent or deduplication is off.
func (u *UI) idempotencyKey(r *http.Request) string {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" || u.dedupe == nil {
		return ""
	}
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID + ":" + key
	}
	return ":" + key
}

// handleMessageUpdate replaces a message's title and content
func (u *UI) handleMessageUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	if _, err := u.board.Update(r.Context(), id, messageInput(r)); err != nil {
		u.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageDelete removes a message
func (u *UI) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := u.board.Delete(r.Context(), id); err != nil {
		u.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
