package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/httputil"
	"github.com/supaorch/orchestrator/internal/lifecycle"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/repair"
)

const apiVersion = "1.0.0"

func writeSuccess(w http.ResponseWriter, status int, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["success"] = true
	httputil.WriteJSON(w, status, payload)
}

// writeFailure renders the §7 user-visible error envelope, translating the
// error's kind to an HTTP status via its ServiceError.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := errors.GetServiceError(err)
	status := http.StatusInternalServerError
	message := "internal error"
	var details interface{}
	var manualRecovery interface{}

	if svcErr != nil {
		status = svcErr.HTTPStatus
		message = svcErr.Message
		details = svcErr.Details
		manualRecovery = svcErr.Details["manual_recovery_required"]
	} else if err != nil {
		message = err.Error()
	}

	body := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if svcErr != nil {
		body["kind"] = string(svcErr.Code)
	}
	if details != nil {
		body["details"] = details
	}
	if manualRecovery == true {
		body["manual_recovery_required"] = true
	}
	httputil.WriteJSON(w, status, body)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(h.deps.StartedAt).Seconds(),
		"version": apiVersion,
	})
}

func (h *handler) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, stats := h.deps.Lifecycle.ListInstances()
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"stats":     stats,
	})
}

type createInstanceRequest struct {
	ProjectName string `json:"projectName"`
	Config      struct {
		Organization     string `json:"organization"`
		DisableSignup    bool   `json:"disableSignup"`
		EmailAutoconfirm bool   `json:"enableEmailAutoconfirm"`
		JWTExpiry        int    `json:"jwtExpiry"`
	} `json:"config"`
}

func (h *handler) createInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	inst, err := h.deps.Lifecycle.CreateInstance(r.Context(), req.ProjectName, lifecycle.CreateOptions{
		Organization:     req.Config.Organization,
		DisableSignup:    req.Config.DisableSignup,
		EmailAutoconfirm: req.Config.EmailAutoconfirm,
		JWTExpirySeconds: req.Config.JWTExpiry,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"instance": inst,
		"message":  "instance created",
	})
}

func (h *handler) startInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Lifecycle.StartInstance(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"message": "instance started"})
}

func (h *handler) stopInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Lifecycle.StopInstance(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"message": "instance stopped"})
}

func (h *handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Lifecycle.DeleteInstance(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"message": "instance deleted"})
}

func (h *handler) getLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	container := httputil.QueryString(r, "container", "")
	tail := httputil.QueryInt(r, "tail", 200)

	containerName := model.ContainerName(id, model.ContainerRole(container))
	logs, err := h.deps.Lifecycle.Logs(r.Context(), id, containerName, tail)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamLogs upgrades to a websocket connection and pushes new log lines as
// they appear, by polling the Runtime Driver's Logs at a fixed interval.
// This is additive to §6.2's HTTP API and does not change any contract.
func (h *handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	container := httputil.QueryString(r, "container", "")
	if container == "" {
		writeFailure(w, r, errors.FieldValidationFailed("container", "container query parameter is required"))
		return
	}

	conn, err := logStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainClientClose(conn, cancel)

	name := model.ContainerName(id, model.ContainerRole(container))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastLen int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logs, err := h.deps.Driver.Logs(ctx, name, 500)
			if err != nil {
				continue
			}
			if len(logs) <= lastLen {
				continue
			}
			chunk := logs[lastLen:]
			lastLen = len(logs)
			if writeErr := conn.WriteMessage(websocket.TextMessage, []byte(chunk)); writeErr != nil {
				return
			}
		}
	}
}

func drainClientClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *handler) runDiagnostics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, ok := h.deps.Registry.Get(id)
	if !ok {
		writeFailure(w, r, errors.NotFound("instance", id))
		return
	}
	diag, err := h.deps.Diagnostic.RunFullDiagnostic(r.Context(), inst)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"diagnostic": diag})
}

func (h *handler) lastDiagnostic(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	diag, ok := h.deps.Diagnostic.GetLastDiagnostic(id)
	if !ok {
		writeSuccess(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "no fresh diagnostic available",
		})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"diagnostic": diag})
}

type autoRepairRequest struct {
	UserConfirmed bool  `json:"userConfirmed"`
	Backup        *bool `json:"backup"`
	AutoRollback  *bool `json:"autoRollback"`
	Force         bool  `json:"force"`
}

func (h *handler) autoRepair(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req autoRepairRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !req.UserConfirmed {
		writeFailure(w, r, errors.FieldValidationFailed("userConfirmed", "auto-repair requires explicit user confirmation"))
		return
	}

	outcome, err := h.deps.Repair.Repair(r.Context(), id, repair.Options{
		Force:        req.Force,
		Backup:       req.Backup,
		AutoRollback: req.AutoRollback,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"repair_performed": outcome.Status == repair.StatusSuccess,
		"outcome":          outcome,
	})
}
