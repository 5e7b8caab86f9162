// Package configedit implements the Safe Config Editor (§4.K): allow-listed
// field edits applied under a snapshot-apply-verify-rollback sequence so a
// bad edit can never leave an instance half-configured.
package configedit

import (
	"context"
	"strconv"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/internal/backup"
	"github.com/supaorch/orchestrator/internal/health"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/registry"
	"github.com/supaorch/orchestrator/internal/render"
)

// Field names the §6.5 allow-list.
const (
	FieldName               = "name"
	FieldDashboardUsername  = "dashboard_username"
	FieldDashboardPassword  = "dashboard_password"
	FieldOrganization       = "organization"
	FieldDisableSignup      = "disable_signup"
	FieldEmailAutoconfirm   = "enable_email_autoconfirm"
	FieldJWTExpiry          = "jwt_expiry"
)

var editableFields = map[string]bool{
	FieldName: true, FieldDashboardUsername: true, FieldDashboardPassword: true,
	FieldOrganization: true, FieldDisableSignup: true, FieldEmailAutoconfirm: true,
	FieldJWTExpiry: true,
}

// envVarFor maps an editable field to its rendered env file key, for the
// fields that are substituted into the env template. Fields absent from
// this map only touch the instance record.
var envVarFor = map[string]string{
	FieldDashboardUsername: "DASHBOARD_USERNAME",
	FieldDashboardPassword: "DASHBOARD_PASSWORD",
	FieldDisableSignup:     "DISABLE_SIGNUP",
	FieldEmailAutoconfirm:  "ENABLE_EMAIL_AUTOCONFIRM",
	FieldJWTExpiry:         "JWT_EXPIRY",
}

// Editor applies allow-listed edits to instance records under the
// snapshot-apply-verify-rollback sequence.
type Editor struct {
	reg     *registry.Registry
	backups *backup.Store
	checker *health.Checker
}

// New builds an Editor.
func New(reg *registry.Registry, backups *backup.Store, checker *health.Checker) *Editor {
	return &Editor{reg: reg, backups: backups, checker: checker}
}

// EditableFields lists the §6.5 allow-listed field names.
func EditableFields() []string {
	return []string{
		FieldName, FieldDashboardUsername, FieldDashboardPassword, FieldOrganization,
		FieldDisableSignup, FieldEmailAutoconfirm, FieldJWTExpiry,
	}
}

// Field returns the current value of an allow-listed field on instanceID.
func (e *Editor) Field(instanceID, field string) (string, error) {
	if !editableFields[field] {
		return "", errors.UnknownField(field)
	}
	inst, ok := e.reg.Get(instanceID)
	if !ok {
		return "", errors.NotFound("instance", instanceID)
	}
	return fieldValue(inst, field), nil
}

func fieldValue(inst model.Instance, field string) string {
	switch field {
	case FieldName:
		return inst.Name
	case FieldDashboardUsername:
		return inst.Credentials.DashboardUsername
	case FieldDashboardPassword:
		return inst.Credentials.DashboardPassword
	case FieldOrganization:
		return inst.Organization
	case FieldDisableSignup:
		return strconv.FormatBool(inst.DisableSignup)
	case FieldEmailAutoconfirm:
		return strconv.FormatBool(inst.EmailAutoconfirm)
	case FieldJWTExpiry:
		return strconv.Itoa(inst.JWTExpirySeconds)
	default:
		return ""
	}
}

// Edit applies a single field=value change to instanceID.
func (e *Editor) Edit(ctx context.Context, instanceID, field, value string) (model.Instance, error) {
	return e.applyBatch(ctx, instanceID, map[string]string{field: value})
}

// BulkEdit applies every field=value pair in updates atomically: one
// snapshot before the first edit, one rollback of the whole batch on any
// failure.
func (e *Editor) BulkEdit(ctx context.Context, instanceID string, updates map[string]string) (model.Instance, error) {
	return e.applyBatch(ctx, instanceID, updates)
}

func (e *Editor) applyBatch(ctx context.Context, instanceID string, updates map[string]string) (model.Instance, error) {
	inst, ok := e.reg.Get(instanceID)
	if !ok {
		return model.Instance{}, errors.NotFound("instance", instanceID)
	}

	for field, value := range updates {
		if !editableFields[field] {
			return model.Instance{}, errors.UnknownField(field)
		}
		if err := validate(field, value); err != nil {
			return model.Instance{}, err
		}
	}

	b, err := e.backups.Snapshot(ctx, inst, "config_edit")
	if err != nil {
		return model.Instance{}, err
	}

	updated := inst
	envUpdates := make(map[string]string, len(updates))
	for field, value := range updates {
		applyField(&updated, field, value)
		if envKey, ok := envVarFor[field]; ok {
			envUpdates[envKey] = value
		}
	}

	if len(envUpdates) > 0 && updated.Docker.EnvFile != "" {
		if err := render.RewriteEnvVars(updated.Docker.EnvFile, envUpdates); err != nil {
			return model.Instance{}, err
		}
	}
	e.reg.Put(updated)

	quick := e.checker.QuickHealthCheck(ctx, updated)
	if !quick.OverallHealthy {
		restoreErr := e.rollback(ctx, instanceID, b.BackupID)
		return model.Instance{}, errors.ConfigEditRolledBack(batchFieldLabel(updates), restoreErr)
	}

	return updated, nil
}

func (e *Editor) rollback(ctx context.Context, instanceID, backupID string) error {
	_, err := e.backups.Restore(ctx, e.reg, e.checker, instanceID, backupID)
	return err
}

func batchFieldLabel(updates map[string]string) string {
	if len(updates) == 1 {
		for field := range updates {
			return field
		}
	}
	return "bulk_edit"
}

func applyField(inst *model.Instance, field, value string) {
	switch field {
	case FieldName:
		inst.Name = value
	case FieldDashboardUsername:
		inst.Credentials.DashboardUsername = value
	case FieldDashboardPassword:
		inst.Credentials.DashboardPassword = value
	case FieldOrganization:
		inst.Organization = value
	case FieldDisableSignup:
		inst.DisableSignup = value == "true"
	case FieldEmailAutoconfirm:
		inst.EmailAutoconfirm = value == "true"
	case FieldJWTExpiry:
		seconds, _ := strconv.Atoi(value)
		inst.JWTExpirySeconds = seconds
	}
}

// validate enforces the §6.5 per-field rules.
func validate(field, value string) error {
	switch field {
	case FieldName:
		if len(value) == 0 || len(value) > 63 {
			return errors.FieldValidationFailed(field, "name must be 1-63 characters")
		}
	case FieldDashboardUsername, FieldOrganization:
		if len(value) == 0 {
			return errors.FieldValidationFailed(field, "must not be empty")
		}
	case FieldDashboardPassword:
		if len(value) < 8 {
			return errors.FieldValidationFailed(field, "must be at least 8 characters")
		}
	case FieldDisableSignup, FieldEmailAutoconfirm:
		if value != "true" && value != "false" {
			return errors.FieldValidationFailed(field, "must be \"true\" or \"false\"")
		}
	case FieldJWTExpiry:
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 60 || seconds > 86400 {
			return errors.FieldValidationFailed(field, "must be an integer between 60 and 86400")
		}
	default:
		return errors.UnknownField(field)
	}
	return nil
}
