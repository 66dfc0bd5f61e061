package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/telephony"
)

// handleVoice answers the telephony webhook for an inbound call. The response
// is an XML answer document pointing the provider at this node's /media
// WebSocket, with the caller id pinned as a custom stream parameter.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		apiError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	if s.cfg.AuthToken != "" {
		sig := r.Header.Get(telephony.SignatureHeader)
		if !telephony.ValidateSignature(s.cfg.AuthToken, s.webhookURL(r), r.PostForm, sig) {
			observe.Logger(r.Context()).Warn("webhook signature rejected",
				"remote", r.RemoteAddr,
			)
			apiError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	from := r.PostForm.Get("From")
	doc, err := telephony.TwiML(s.cfg.PublicURL, from)
	if err != nil {
		observe.Logger(r.Context()).Error("answer document render failed", "err", err)
		apiError(w, http.StatusInternalServerError, "internal error")
		return
	}

	observe.Logger(r.Context()).Info("inbound call answered",
		"call_sid", r.PostForm.Get("CallSid"),
		"from", from,
	)
	w.Header().Set("Content-Type", telephony.ContentTypeXML)
	_, _ = io.WriteString(w, doc)
}

// webhookURL reconstructs the URL the provider signed: the public base plus
// the request path and query. The provider signs what it dialed, which is the
// public URL, not whatever host header reached this node through the proxy.
func (s *Server) webhookURL(r *http.Request) string {
	return strings.TrimSuffix(s.cfg.PublicURL, "/") + r.URL.RequestURI()
}

// handleMedia upgrades the media WebSocket and hands the connection to the
// call manager, which owns it until the call ends.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("media websocket accept failed", "err", err)
		return
	}

	if err := s.calls.ServeCall(r.Context(), conn); err != nil {
		observe.Logger(r.Context()).Error("call ended with error", "err", err)
	}
}
