package notifications

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/pubsub"
)

// Handlers exposes push-token registration over HTTP.
type Handlers struct {
	Push Client
}

// RegisterDevice serves POST /notifications/devices.
func (h *Handlers) RegisterDevice(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	var body struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Token == "" {
		internal.WriteError(w, req, internal.Errorf(internal.ErrValidation, "token is required"))
		return
	}
	err := h.Push.RegisterDevice(req.Context(), &DeviceRegistration{
		TenantID: identity.TenantID,
		UserID:   identity.UserID,
		DeviceID: identity.DeviceID,
		Token:    body.Token,
		Platform: body.Platform,
	})
	if err != nil {
		internal.WriteError(w, req, internal.NewHandlerError(internal.ErrServiceUnavailable, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"success":true}`))
}

// DeleteDevice serves DELETE /notifications/devices/{token}.
func (h *Handlers) DeleteDevice(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	token := mux.Vars(req)["token"]
	if err := h.Push.UnregisterToken(req.Context(), identity.TenantID, token); err != nil {
		internal.WriteError(w, req, internal.NewHandlerError(internal.ErrServiceUnavailable, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"success":true}`))
}

// ListenForRevocations tears down push registrations when a device is
// revoked. Blocks; run it on its own goroutine.
func ListenForRevocations(listener pubsub.Listener, push Client) error {
	return listener.Listen(pubsub.ChanAuth, func(p pubsub.Payload) {
		revoked, ok := p.(*pubsub.DeviceRevoked)
		if !ok {
			return
		}
		if err := push.UnregisterDevice(context.Background(), revoked.TenantID, revoked.UserID, revoked.DeviceID); err != nil {
			logger.Warn().Err(err).Str("device", revoked.DeviceID).Msg("failed to unregister revoked device")
		}
	})
}
