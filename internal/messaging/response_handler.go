package messaging

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/aimhi/yarnbot/internal/models"
	"github.com/aimhi/yarnbot/internal/router"
)

// smsSessionPrefix namespaces SMS-derived session IDs away from API ones.
const smsSessionPrefix = "sms:"

// ResponseHandler bridges inbound SMS webhooks into the router and sends the
// reply back over the same channel.
type ResponseHandler struct {
	router *router.Router
	sender Sender
}

// NewResponseHandler creates a handler over the router and outbound sender.
func NewResponseHandler(rt *router.Router, sender Sender) *ResponseHandler {
	return &ResponseHandler{router: rt, sender: sender}
}

// WebhookHandler handles the Twilio inbound SMS webhook (form-encoded POST
// with From and Body fields). The reply is sent asynchronously via the REST
// API rather than inline TwiML, matching the outbound path.
func (h *ResponseHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("ResponseHandler webhook form parse failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	canonical, err := h.sender.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("ResponseHandler webhook sender validation failed", "error", err, "from", from)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result, err := h.router.Route(r.Context(), smsSessionPrefix+canonical, body)
	if err != nil {
		if errors.Is(err, models.ErrEmptyMessage) || errors.Is(err, models.ErrMessageTooLong) {
			slog.Debug("ResponseHandler webhook dropped invalid message", "error", err, "from", canonical)
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.Error("ResponseHandler webhook routing failed", "error", err, "from", canonical)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if err := h.sender.SendMessage(r.Context(), canonical, result.Reply); err != nil {
		slog.Error("ResponseHandler webhook reply delivery failed", "error", err, "to", canonical)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	slog.Info("ResponseHandler webhook reply sent", "to", canonical, "source", result.Audit.Source)
	w.WriteHeader(http.StatusOK)
}
