package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/httputil"
	"github.com/supaorch/orchestrator/internal/configedit"
)

type createBackupRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) createBackup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, ok := h.deps.Registry.Get(id)
	if !ok {
		writeFailure(w, r, errors.NotFound("instance", id))
		return
	}

	var req createBackupRequest
	if !httputil.DecodeJSONOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	backupRecord, err := h.deps.Backups.Snapshot(r.Context(), inst, req.Reason)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]interface{}{"backup": backupRecord})
}

func (h *handler) listBackups(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	backups, err := h.deps.Backups.List(id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

func (h *handler) restoreBackup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, backupID := vars["id"], vars["backupId"]

	result, err := h.deps.Backups.Restore(r.Context(), h.deps.Registry, h.deps.Checker, id, backupID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (h *handler) editableFields(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]interface{}{"fields": configedit.EditableFields()})
}

func (h *handler) getConfigField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, field := vars["id"], vars["field"]

	value, err := h.deps.ConfigEdit.Field(id, field)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"field": field, "value": value})
}

type editFieldRequest struct {
	Value string `json:"value"`
}

func (h *handler) editConfigField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, field := vars["id"], vars["field"]

	var req editFieldRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	inst, err := h.deps.ConfigEdit.Edit(r.Context(), id, field, req.Value)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"instance": inst})
}

type bulkEditRequest struct {
	Updates map[string]string `json:"updates"`
}

func (h *handler) bulkEditConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req bulkEditRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	inst, err := h.deps.ConfigEdit.BulkEdit(r.Context(), id, req.Updates)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"instance": inst})
}
