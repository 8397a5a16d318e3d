package auth

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/pubsub"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/token"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Handlers owns the auth endpoints. All state lives in the injected
// registry and directory.
type Handlers struct {
	Codec    *token.Codec
	Registry SessionRegistry
	Users    UserDirectory
	Notifier pubsub.Notifier
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
}

type loginResponse struct {
	User          *User              `json:"user"`
	Tenants       []TenantMembership `json:"tenants"`
	CurrentTenant string             `json:"currentTenant"`
	Tokens        *token.Pair        `json:"tokens"`
}

func (lr *loginRequest) validate() *internal.HandlerError {
	if lr.Email == "" || lr.Password == "" {
		return internal.Errorf(internal.ErrValidation, "email and password are required")
	}
	if lr.DeviceID == "" {
		return internal.Errorf(internal.ErrValidation, "deviceId is required")
	}
	if lr.Platform != "ios" && lr.Platform != "android" {
		return internal.Errorf(internal.ErrValidation, "platform must be ios or android")
	}
	return nil
}

// Login authenticates email+password and opens a session for the device.
func (h *Handlers) Login(w http.ResponseWriter, req *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		internal.WriteError(w, req, internal.NewHandlerError(internal.ErrValidation, err))
		return
	}
	if herr := body.validate(); herr != nil {
		internal.WriteError(w, req, herr)
		return
	}
	user, err := h.Users.UserByEmail(req.Context(), body.Email)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	// a wrong email and a wrong password must be indistinguishable
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(body.Password)) != nil {
		internal.WriteError(w, req, internal.Errorf(internal.ErrForbidden, "invalid email or password"))
		return
	}
	memberships, err := h.Users.Memberships(req.Context(), user.ID)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	if len(memberships) == 0 {
		internal.WriteError(w, req, internal.Errorf(internal.ErrTenantAccessDenied, "user belongs to no tenant"))
		return
	}
	current := memberships[0]

	session := &Session{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		TenantID:   current.TenantID,
		DeviceID:   body.DeviceID,
		DeviceName: body.DeviceName,
		Platform:   body.Platform,
		AppVersion: body.AppVersion,
		CreatedAt:  time.Now(),
		LastSeenAt: time.Now(),
	}
	if err := h.Registry.CreateSession(req.Context(), session); err != nil {
		internal.WriteError(w, req, err)
		return
	}
	pair, err := h.Codec.IssuePair(token.Payload{
		UserID:      user.ID,
		TenantID:    current.TenantID,
		DeviceID:    body.DeviceID,
		SessionID:   session.ID,
		Role:        current.Role,
		Permissions: current.Permissions,
	})
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	internal.DecorateLogger(req.Context(), logger.Info()).
		Str("user", user.ID).Str("device", body.DeviceID).Msg("login")
	writeJSON(w, http.StatusOK, loginResponse{
		User:          user,
		Tenants:       memberships,
		CurrentTenant: current.TenantID,
		Tokens:        pair,
	})
}

// Refresh exchanges a valid, unrevoked refresh token for a fresh pair.
// This is the only sanctioned way to extend a session.
func (h *Handlers) Refresh(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		internal.WriteError(w, req, internal.Errorf(internal.ErrValidation, "refreshToken is required"))
		return
	}
	claims, err := h.Codec.Verify(body.RefreshToken, token.KindRefresh)
	if err != nil {
		internal.WriteError(w, req, internal.NewHandlerError(internal.ErrAuthRefreshFailed, err))
		return
	}
	// stateless verification is not enough here: the session registry is
	// the revocation authority for refresh tokens
	session, err := h.Registry.Session(req.Context(), claims.SessionID)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	if session == nil {
		internal.WriteError(w, req, internal.Errorf(internal.ErrAuthRefreshFailed, "unknown session"))
		return
	}
	if session.Revoked {
		internal.WriteError(w, req, internal.Errorf(internal.ErrAuthDeviceRevoked, "device has been revoked"))
		return
	}
	if err := h.Registry.TouchSession(req.Context(), session.ID, time.Now()); err != nil {
		internal.DecorateLogger(req.Context(), logger.Warn()).Err(err).Msg("refresh: failed to touch session")
		// non-fatal, last_seen is advisory
	}
	pair, err := h.Codec.IssuePair(claims.Payload())
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": pair})
}

// Logout revokes the calling device's session. Always 200 on success.
func (h *Handlers) Logout(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	if err := h.Registry.RevokeSession(req.Context(), identity.SessionID); err != nil {
		internal.WriteError(w, req, err)
		return
	}
	h.notifyRevoked(identity.TenantID, identity.UserID, identity.DeviceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// SwitchTenant issues a fresh token pair scoped to another tenant the
// caller is a member of.
func (h *Handlers) SwitchTenant(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	var body struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.TenantID == "" {
		internal.WriteError(w, req, internal.Errorf(internal.ErrValidation, "tenantId is required"))
		return
	}
	memberships, err := h.Users.Memberships(req.Context(), identity.UserID)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	var target *TenantMembership
	for i := range memberships {
		if memberships[i].TenantID == body.TenantID {
			target = &memberships[i]
			break
		}
	}
	if target == nil {
		internal.WriteError(w, req, internal.Errorf(internal.ErrTenantAccessDenied, "not a member of tenant %s", body.TenantID))
		return
	}
	if err := h.Registry.UpdateSessionTenant(req.Context(), identity.SessionID, target.TenantID); err != nil {
		internal.WriteError(w, req, err)
		return
	}
	pair, err := h.Codec.IssuePair(token.Payload{
		UserID:      identity.UserID,
		TenantID:    target.TenantID,
		DeviceID:    identity.DeviceID,
		SessionID:   identity.SessionID,
		Role:        target.Role,
		Permissions: target.Permissions,
	})
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tokens":        pair,
		"currentTenant": target.TenantID,
	})
}

// ListDevices returns the caller's device inventory within the current
// tenant.
func (h *Handlers) ListDevices(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	sessions, err := h.Registry.SessionsForUser(req.Context(), identity.TenantID, identity.UserID)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": sessions})
}

// DeleteDevice revokes every session held by the named device.
func (h *Handlers) DeleteDevice(w http.ResponseWriter, req *http.Request) {
	identity := internal.IdentityFromContext(req.Context())
	deviceID := mux.Vars(req)["deviceId"]
	found, err := h.Registry.RevokeDevice(req.Context(), identity.TenantID, identity.UserID, deviceID)
	if err != nil {
		internal.WriteError(w, req, err)
		return
	}
	if !found {
		internal.WriteError(w, req, internal.Errorf(internal.ErrNotFound, "unknown device %s", deviceID))
		return
	}
	h.notifyRevoked(identity.TenantID, identity.UserID, deviceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handlers) notifyRevoked(tenantID, userID, deviceID string) {
	if h.Notifier == nil {
		return
	}
	err := h.Notifier.Notify(pubsub.ChanAuth, &pubsub.DeviceRevoked{
		TenantID: tenantID,
		UserID:   userID,
		DeviceID: deviceID,
	})
	if err != nil {
		logger.Warn().Err(err).Str("device", deviceID).Msg("failed to publish device revocation")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Err(err).Msg("failed to encode response body")
	}
}
