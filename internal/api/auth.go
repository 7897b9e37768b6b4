package api

import (
	"net/http"
)

type signInRequest struct {
	Email string `json:"email"`
}

// SignIn authenticates the device's session by email.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	if e.Session.Snapshot().Identity != nil {
		Error(w, http.StatusConflict, "already signed in")
		return
	}

	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeResult(w, e, err)
		return
	}
	if _, err := e.Identity.SignIn(r.Context(), req.Email); err != nil {
		h.writeResult(w, e, err)
		return
	}
	h.writeResult(w, e, nil)
}

// SignOut ends the identity and clears the session.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	h.writeResult(w, e, e.Session.SignOut(r.Context()))
}
