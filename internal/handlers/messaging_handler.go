package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/services/messaging"
)

const qrSize = 256

// MessagingHandler exposes the tenant's messaging session
type MessagingHandler struct {
	messagingService interfaces.MessagingService
	logger           arbor.ILogger
}

func NewMessagingHandler(messagingService interfaces.MessagingService, logger arbor.ILogger) *MessagingHandler {
	return &MessagingHandler{
		messagingService: messagingService,
		logger:           logger,
	}
}

// InitializeHandler starts or restores the tenant's session. A session that
// needs pairing answers with the challenge rendered as a QR data URL.
func (h *MessagingHandler) InitializeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	result, err := h.messagingService.Initialize(r.Context(), tenantID)
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Messaging initialization failed")
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrSessionNotReady):
			status = http.StatusGatewayTimeout
		case errors.Is(err, models.ErrAuthenticationFailure):
			status = http.StatusUnauthorized
		}
		WriteError(w, status, err.Error())
		return
	}

	if result.Ready {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ready",
			"message": "Messaging session is active",
		})
		return
	}

	qr, err := messaging.RenderQRDataURL(result.PairingChallenge, qrSize)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to render pairing challenge")
		WriteError(w, http.StatusInternalServerError, "Failed to render pairing challenge")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "pairing",
		"message": "Scan the QR code with the messaging app to link this device",
		"qr":      qr,
	})
}

// StatusHandler reports the tenant's session state
func (h *MessagingHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"state":  h.messagingService.SessionState(tenantID),
		"active": h.messagingService.IsSessionActive(tenantID),
	})
}

// QRCodeHandler serves the pending pairing challenge as a PNG
func (h *MessagingHandler) QRCodeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	challenge, ok := h.messagingService.PairingChallenge(tenantID)
	if !ok {
		WriteError(w, http.StatusNotFound, "No pairing challenge pending")
		return
	}

	png, err := messaging.RenderQR(challenge, qrSize)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to render pairing challenge")
		WriteError(w, http.StatusInternalServerError, "Failed to render pairing challenge")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// LogoutHandler unlinks the tenant's device and forgets the session
func (h *MessagingHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" && r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	if err := h.messagingService.Logout(r.Context(), tenantID); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, "No messaging session for this tenant")
			return
		}
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Messaging logout failed")
		WriteError(w, http.StatusInternalServerError, "Failed to log out")
		return
	}
	WriteSuccess(w, "Logged out")
}

// ReachableHandler checks a phone number: GET /api/messaging/reachable?phone=
func (h *MessagingHandler) ReachableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tenantID, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	phone := messaging.NormalizePhone(r.URL.Query().Get("phone"))
	if phone == "" {
		WriteError(w, http.StatusBadRequest, "phone is required")
		return
	}

	reachable, err := h.messagingService.IsRecipientReachable(r.Context(), phone, tenantID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotReady) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("phone", phone).Msg("Reachability check failed")
		WriteError(w, http.StatusBadGateway, "Reachability check failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"phone":     phone,
		"reachable": reachable,
	})
}
