// Package platformapi mounts the thin RPC surface the control plane calls
// into (spec §4.4, §6): provision/start/stop/destroy/status, translating
// HTTP requests into Instance Controller calls and controller errors into
// the structured 400/409/500 envelope the Platform API promises.
package platformapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiloclaw/sandboxd/internal/httpserver"
	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/envmaterialize"
	"github.com/kiloclaw/sandboxd/pkg/instancectl"
	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// Handler wires the Instance Controller to chi routes.
type Handler struct {
	instances *instancectl.Controller
	logger    *slog.Logger
}

// Mount registers the platform routes onto r (normally Server.APIRouter).
func Mount(r chi.Router, instances *instancectl.Controller, logger *slog.Logger) {
	h := &Handler{instances: instances, logger: logger}

	r.Post("/provision", h.handleProvision)
	r.Post("/start", h.handleStart)
	r.Post("/stop", h.handleStop)
	r.Post("/destroy", h.handleDestroy)
	r.Get("/status", h.handleStatus)
	r.Get("/pairing", h.handlePairingList)
	r.Post("/pairing/approve", h.handlePairingApprove)
}

// provisionRequest mirrors spec §6's POST /api/platform/provision body.
type provisionRequest struct {
	UserID               string            `json:"userId" validate:"required"`
	EnvVars              map[string]string `json:"envVars,omitempty"`
	EncryptedSecrets     map[string]string `json:"encryptedSecrets,omitempty"`
	Channels             map[string]string `json:"channels,omitempty"`
	KilocodeAPIKey       string            `json:"kilocodeApiKey,omitempty"`
	KilocodeDefaultModel string            `json:"kilocodeDefaultModel,omitempty"`
	KilocodeModels       []string          `json:"kilocodeModels,omitempty"`
	MachineSize          *store.MachineSize `json:"machineSize,omitempty"`
	Region               string            `json:"region,omitempty"`
}

type provisionResponse struct {
	SandboxID string `json:"sandboxId"`
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	for name := range req.EnvVars {
		if err := envmaterialize.ValidateUserEnvVarName(name); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	sandboxID, err := h.instances.Provision(r.Context(), req.UserID, instancectl.ProvisionConfig{
		EnvVars:              req.EnvVars,
		EncryptedSecrets:     req.EncryptedSecrets,
		Channels:             req.Channels,
		KilocodeAPIKey:       req.KilocodeAPIKey,
		KilocodeDefaultModel: req.KilocodeDefaultModel,
		KilocodeModels:       req.KilocodeModels,
		MachineSize:          req.MachineSize,
		Region:               req.Region,
	})
	if err != nil {
		h.respondControllerError(w, r.Context(), req.UserID, "provision", err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, provisionResponse{SandboxID: sandboxID})
}

type userIDRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type restoreHintRequest struct {
	UserID      string `json:"userId" validate:"required"`
	RestoreHint string `json:"restoreHint,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req restoreHintRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.instances.Start(r.Context(), req.UserID, req.RestoreHint); err != nil {
		h.respondControllerError(w, r.Context(), req.UserID, "start", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.instances.Stop(r.Context(), req.UserID); err != nil {
		h.respondControllerError(w, r.Context(), req.UserID, "stop", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.instances.Destroy(r.Context(), req.UserID); err != nil {
		h.respondControllerError(w, r.Context(), req.UserID, "destroy", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "userId query parameter is required")
		return
	}

	view, err := h.instances.GetStatus(r.Context(), userID)
	if err != nil {
		h.respondControllerError(w, r.Context(), userID, "status", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, view)
}

func (h *Handler) handlePairingList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "userId query parameter is required")
		return
	}

	result, err := h.instances.PairingList(r.Context(), userID)
	if err != nil {
		h.respondControllerError(w, r.Context(), userID, "pairing_list", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, result)
}

type pairingApproveRequest struct {
	UserID  string `json:"userId" validate:"required"`
	Channel string `json:"channel" validate:"required"`
	Code    string `json:"code" validate:"required"`
}

func (h *Handler) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	var req pairingApproveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.instances.PairingApprove(r.Context(), req.UserID, req.Channel, req.Code); err != nil {
		h.respondControllerError(w, r.Context(), req.UserID, "pairing_approve", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, okResponse{OK: true})
}

// respondControllerError maps controller-layer errors to the spec §4.4
// structured envelope: 409 for provider capacity/collision conditions the
// caller can retry differently and for a record that is being destroyed,
// 500 otherwise.
func (h *Handler) respondControllerError(w http.ResponseWriter, ctx context.Context, userID, op string, err error) {
	h.logger.Error("platform api operation failed", "op", op, "user_id", userID, "error", err)

	var collision *providererr.AppNameCollisionError
	switch {
	case errors.As(err, &collision):
		httpserver.RespondError(w, http.StatusConflict, "app_name_collision", err.Error())
	case errors.Is(err, instancectl.ErrInstanceDestroying):
		httpserver.RespondError(w, http.StatusConflict, "destroying", err.Error())
	case providererr.InsufficientResources(err):
		httpserver.RespondError(w, http.StatusConflict, "insufficient_resources", err.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}
