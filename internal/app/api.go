package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
)

// maxMessageBytes bounds the body of a typed chat message.
const maxMessageBytes = 64 << 10

// controller is the part of [conversation.Controller] the control API uses.
type controller interface {
	Machine() *conversation.Machine
	Wake() error
	StartListening()
	EndConversation(reason string)
	SendText(text string) error
}

// controlAPI is the manual surface of the client: start and end a
// conversation without the wake word, and send typed messages.
type controlAPI struct {
	ctrl controller
}

func newControlAPI(c controller) *controlAPI { return &controlAPI{ctrl: c} }

// conversationStatus is the JSON body of GET /api/conversation.
type conversationStatus struct {
	State       string     `json:"state"`
	Active      bool       `json:"active"`
	SessionID   string     `json:"session_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ThreadID    string     `json:"thread_id,omitempty"`
	AssistantID string     `json:"assistant_id,omitempty"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type apiError struct {
	Error string `json:"error"`
}

// Register adds the control routes to mux.
func (api *controlAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversation", api.status)
	mux.HandleFunc("POST /api/conversation/wake", api.wake)
	mux.HandleFunc("POST /api/conversation/listen", api.listen)
	mux.HandleFunc("POST /api/conversation/end", api.end)
	mux.HandleFunc("POST /api/messages", api.message)
}

func (api *controlAPI) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.snapshot())
}

func (api *controlAPI) wake(w http.ResponseWriter, _ *http.Request) {
	if err := api.ctrl.Wake(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, api.snapshot())
}

func (api *controlAPI) listen(w http.ResponseWriter, _ *http.Request) {
	api.ctrl.StartListening()
	writeJSON(w, http.StatusAccepted, api.snapshot())
}

func (api *controlAPI) end(w http.ResponseWriter, _ *http.Request) {
	api.ctrl.EndConversation("api")
	writeJSON(w, http.StatusOK, api.snapshot())
}

func (api *controlAPI) message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid message body: " + err.Error()})
		return
	}
	err := api.ctrl.SendText(req.Text)
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, api.snapshot())
	}
}

func (api *controlAPI) snapshot() conversationStatus {
	m := api.ctrl.Machine()
	sess := m.Session()
	st := conversationStatus{
		State:       m.State().String(),
		Active:      m.Active(),
		ThreadID:    sess.ThreadID,
		AssistantID: sess.AssistantID,
	}
	if st.Active {
		st.SessionID = sess.ID
		started := sess.StartedAt
		st.StartedAt = &started
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
