package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
)

// sessionView is the JSON form of a session; the error travels as text.
type sessionView struct {
	call.Session
	Error string `json:"error,omitempty"`
}

func viewOf(s call.Session) sessionView {
	return sessionView{Session: s, Error: s.ErrorText()}
}

// errorStatus maps controller errors onto HTTP statuses.
func errorStatus(err error) int {
	var me *media.Error
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrNoActiveCall):
		return http.StatusConflict
	case errors.Is(err, call.ErrUnknownInvitation):
		return http.StatusNotFound
	case errors.As(err, &me):
		if errors.Is(err, media.ErrAccessDenied) {
			return http.StatusForbidden
		}
		return http.StatusServiceUnavailable
	case errors.Is(err, signaling.ErrConnectFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONStatus(w, errorStatus(err), map[string]string{"error": err.Error()})
}

func registerCallRoutes(mux *http.ServeMux, calls Calls) {
	// GET /api/call/session
	handleGet(mux, "/api/call/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, viewOf(calls.Session()))
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RecipientID string `json:"recipient_id"`
		IsVideo     bool   `json:"is_video"`
	}) {
		if req.RecipientID == "" {
			http.Error(w, "missing recipient_id", http.StatusBadRequest)
			return
		}
		if err := calls.StartCall(r.Context(), req.RecipientID, req.IsVideo); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(calls.Session()))
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID       string `json:"call_id"`
		InvitationID string `json:"invitation_id"`
		CallerID     string `json:"caller_id"`
		IsVideo      bool   `json:"is_video"`
	}) {
		if req.CallID == "" || req.InvitationID == "" || req.CallerID == "" {
			http.Error(w, "missing call_id, invitation_id or caller_id", http.StatusBadRequest)
			return
		}
		if err := calls.AnswerCall(r.Context(), req.CallID, req.InvitationID, req.CallerID, req.IsVideo); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(calls.Session()))
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID       string `json:"call_id"`
		InvitationID string `json:"invitation_id"`
	}) {
		if req.CallID == "" || req.InvitationID == "" {
			http.Error(w, "missing call_id or invitation_id", http.StatusBadRequest)
			return
		}
		if err := calls.DeclineCall(r.Context(), req.CallID, req.InvitationID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.EndCall(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(calls.Session()))
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleMute()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		enabled, err := calls.ToggleVideo()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video_enabled": enabled})
	})

	// POST /api/call/incoming: invitation delivery from the local push
	// bridge. Loopback only.
	handlePost(mux, "/api/call/incoming", func(w http.ResponseWriter, r *http.Request, inc call.IncomingCall) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if inc.CallID == "" || inc.InvitationID == "" || inc.CallerID == "" {
			http.Error(w, "missing call_id, invitation_id or caller_id", http.StatusBadRequest)
			return
		}
		if err := calls.NotifyIncoming(inc); err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "ringing"})
	})

	// GET /api/call/events: SSE stream of session snapshots ("session") and
	// invitations ("incoming"). The current session is sent first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		sessCh, unsub := calls.Subscribe()
		defer unsub()
		incCh, unsubInc := calls.SubscribeIncoming()
		defer unsubInc()

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-sessCh:
				if !ok {
					return
				}
				writeSSE(w, "session", viewOf(s))
			case inc, ok := <-incCh:
				if !ok {
					return
				}
				writeSSE(w, "incoming", inc)
			case <-keepalive.C:
				_, _ = w.Write([]byte(": keepalive\n\n"))
			}
			flusher.Flush()
		}
	})
}

func registerRecordRoutes(mux *http.ServeMux, records Records) {
	// GET /api/call/records?limit=N
	handleGet(mux, "/api/call/records", func(w http.ResponseWriter, r *http.Request) {
		limit := atoiOrNeg(r.URL.Query().Get("limit"))
		recs, err := records.RecentCalls(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []storage.CallRecord{}
		}
		writeJSON(w, recs)
	})

	// GET /api/call/records/export
	handleGet(mux, "/api/call/records/export", func(w http.ResponseWriter, r *http.Request) {
		dump, err := records.DumpSQL()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/sql; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="calls.sql"`)
		_, _ = w.Write([]byte(dump))
	})
}
