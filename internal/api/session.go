package api

import (
	"net/http"
)

type languageRequest struct {
	Language string `json:"language"`
}

type textRequest struct {
	Text string `json:"text"`
}

// GetSession returns the current session state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, e.Session.Snapshot())
}

// GetStarted leaves the landing screen.
func (h *Handler) GetStarted(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	e.Session.GetStarted()
	h.writeResult(w, e, nil)
}

// UpdateInput records the reply being typed.
func (h *Handler) UpdateInput(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeResult(w, e, err)
		return
	}
	e.Session.UpdatePendingInput(req.Text)
	h.writeResult(w, e, nil)
}

// SelectLanguage starts a conversation and returns once the opening line is in.
func (h *Handler) SelectLanguage(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req languageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeResult(w, e, err)
		return
	}
	h.writeResult(w, e, e.Session.SelectLanguage(r.Context(), req.Language))
}

// SubmitReply sends the learner's reply and returns with feedback.
func (h *Handler) SubmitReply(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeResult(w, e, err)
		return
	}
	h.writeResult(w, e, e.Session.SubmitUserReply(r.Context(), req.Text))
}

// ContinueConversation asks for the next line.
func (h *Handler) ContinueConversation(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	h.writeResult(w, e, e.Session.ContinueConversation(r.Context()))
}

// EndConversation appends the closing message.
func (h *Handler) EndConversation(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	e.Session.EndConversation()
	h.writeResult(w, e, nil)
}
