// Package analyzer turns a Diagnostic into a RepairPlan (§4.H). It performs
// no I/O: the category dependency graph, priority order, and probe→action
// mapping are all fixed tables.
package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/supaorch/orchestrator/internal/model"
)

// categoryDependencies is the fixed dependency table from §4.H.
var categoryDependencies = map[model.Category][]model.Category{
	model.CategoryInfrastructure: {},
	model.CategoryDatabase:       {model.CategoryInfrastructure},
	model.CategoryNetwork:        {model.CategoryInfrastructure},
	model.CategoryAuthentication: {model.CategoryInfrastructure, model.CategoryDatabase},
	model.CategoryServices:       {model.CategoryInfrastructure, model.CategoryDatabase, model.CategoryNetwork},
	model.CategoryValidation: {
		model.CategoryInfrastructure, model.CategoryDatabase, model.CategoryNetwork,
		model.CategoryAuthentication, model.CategoryServices,
	},
}

// categoryPriority is the fixed priority order from §4.H (lower runs first).
var categoryPriority = map[model.Category]int{
	model.CategoryInfrastructure: 1,
	model.CategoryDatabase:       2,
	model.CategoryNetwork:        3,
	model.CategoryAuthentication: 4,
	model.CategoryServices:       5,
	model.CategoryValidation:     6,
}

const credentialErrorSubstring = "password"

// Analyze maps a Diagnostic to a RepairPlan per the fixed probe-failure to
// action table.
func Analyze(diag model.Diagnostic) model.RepairPlan {
	var actions []model.Action

	if !diag.Results.Containers.Healthy {
		actions = append(actions, model.Action{
			Type: "restart_containers", Description: "restart unhealthy containers",
			Method: "restart_containers", Category: model.CategoryInfrastructure,
			Priority: categoryPriority[model.CategoryInfrastructure], Critical: true,
			EstimatedSeconds: 45, DependsOn: categoryDependencies[model.CategoryInfrastructure],
		})
	}

	if !diag.Results.Database.Healthy {
		if isCredentialError(diag.Results.Database.Error) {
			actions = append(actions, model.Action{
				Type: "regenerate_credentials", Description: "regenerate database credentials",
				Method: "regenerate_credentials", Category: model.CategoryDatabase,
				Priority: categoryPriority[model.CategoryDatabase], Critical: true,
				EstimatedSeconds: 60, DependsOn: categoryDependencies[model.CategoryDatabase],
			})
		} else {
			actions = append(actions, model.Action{
				Type: "restart_database_container", Description: "restart the database container",
				Method: "restart_database_container", Category: model.CategoryDatabase,
				Priority: categoryPriority[model.CategoryDatabase], Critical: true,
				EstimatedSeconds: 90, DependsOn: categoryDependencies[model.CategoryDatabase],
			})
		}
	}

	if !diag.Results.Network.Healthy {
		actions = append(actions, model.Action{
			Type: "fix_network_connectivity", Description: "restore network reachability",
			Method: "fix_network_connectivity", Category: model.CategoryNetwork,
			Priority: categoryPriority[model.CategoryNetwork], Critical: false,
			EstimatedSeconds: 30, DependsOn: categoryDependencies[model.CategoryNetwork],
		})
	}

	if !diag.Results.AuthService.Healthy {
		actions = append(actions, model.Action{
			Type: "restart_auth_service", Description: "restart the auth service",
			Method: "restart_auth_service", Category: model.CategoryAuthentication,
			Priority: categoryPriority[model.CategoryAuthentication], Critical: false,
			EstimatedSeconds: 25, DependsOn: categoryDependencies[model.CategoryAuthentication],
		})
	}

	if !diag.Results.HTTPService.Healthy {
		actions = append(actions, model.Action{
			Type: "restart_http_services", Description: "restart the HTTP-facing services",
			Method: "restart_http_services", Category: model.CategoryServices,
			Priority: categoryPriority[model.CategoryServices], Critical: false,
			EstimatedSeconds: 25, DependsOn: categoryDependencies[model.CategoryServices],
		})
	}

	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Priority < actions[j].Priority })

	phases := make(map[model.Category][]model.Action)
	total := 0
	for _, a := range actions {
		phases[a.Category] = append(phases[a.Category], a)
		total += a.EstimatedSeconds
	}

	return model.RepairPlan{
		Actions:               actions,
		Phases:                phases,
		TotalEstimatedSeconds: total,
		Summary:               summarize(actions),
	}
}

func isCredentialError(probeError string) bool {
	return strings.Contains(strings.ToLower(probeError), credentialErrorSubstring) ||
		strings.Contains(strings.ToLower(probeError), "authentication")
}

func summarize(actions []model.Action) string {
	if len(actions) == 0 {
		return "no repair actions required"
	}
	return fmt.Sprintf("%d repair action(s) planned across %d phase(s)", len(actions), countPhases(actions))
}

func countPhases(actions []model.Action) int {
	seen := make(map[model.Category]bool, len(actions))
	for _, a := range actions {
		seen[a.Category] = true
	}
	return len(seen)
}
