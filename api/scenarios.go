/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	contracts and deliverables in various lifecycle states, so the API can
	be explored without a contract management system.

AVAILABLE SCENARIOS:

	cleaning-services:  Six-month contract; periods approved, invoiced, in review, rejected
	open-ended:         Contract without end date, biweekly reports up to the horizon
	cancelled-contract: Contract cancelled mid-way; open periods voided

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create contracts via factory
 3. Generate periods
 4. Drive some deliverables through the lifecycle as a system admin

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cleaning-services"}

NOTE:

	Scenarios reset the database. Admin principals only; development/demo use.

SEE ALSO:
  - handlers.go: Contract and deliverable handlers
  - factory/contract.go: Contract JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/deliverables-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cleaning-services",
		Name:        "Cleaning Services",
		Description: "Monthly personnel listings and photos; periods in every review and billing state",
	},
	{
		ID:          "open-ended",
		Name:        "Open-Ended Contract",
		Description: "Biweekly activity reports generated up to the planning horizon",
	},
	{
		ID:          "cancelled-contract",
		Name:        "Cancelled Contract",
		Description: "Contract cancelled after the first approval; remaining periods voided",
	},
}

// scenarioPrincipal acts for scenario loaders.
var scenarioPrincipal = engine.Principal{ID: "scenario-loader", Role: engine.RoleAdmin}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if PrincipalFrom(ctx).Role != engine.RoleAdmin {
		writeError(w, http.StatusForbidden, "Admin principal required", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "cleaning-services":
		load = h.loadCleaningServicesScenario
	case "open-ended":
		load = h.loadOpenEndedScenario
	case "cancelled-contract":
		load = h.loadCancelledContractScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	// Reset first
	if err := h.Contracts.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const cleaningContractJSON = `{
	"id": "lpn-014-2026",
	"company_id": "limpiezas-del-norte",
	"number": "LPN-014/2026",
	"start_date": "2026-01-01",
	"end_date": "2026-06-30",
	"deliverables": [
		{"kind": "personnel_listing", "periodicity": "monthly", "instructions": "Signed roster per category"},
		{"kind": "photographic", "periodicity": "monthly", "instructions": "Before/after photos of each wing"}
	],
	"categories": [
		{"id": "cleaner", "name": "Cleaning staff", "tariff": "100.00", "active_employees": 8},
		{"id": "supervisor", "name": "Supervisor", "tariff": "250.00", "active_employees": 2}
	]
}`

func (h *Handler) loadCleaningServicesScenario(ctx context.Context) error {
	periods, err := h.createScenarioContract(ctx, cleaningContractJSON)
	if err != nil {
		return err
	}
	if len(periods) < 4 {
		return fmt.Errorf("unexpected period count %d", len(periods))
	}

	roster := engine.SubmitInput{
		Evidence:  []engine.EvidenceHandle{"files/roster-2026-01.pdf", "files/photos-2026-01.zip"},
		Personnel: map[engine.CategoryID]int{"cleaner": 9, "supervisor": 2},
	}

	// Period 1: approved and invoiced
	p1 := periods[0].ID
	if _, err := h.Service.SubmitDeliverable(ctx, p1, scenarioPrincipal, roster); err != nil {
		return err
	}
	if _, err := h.Service.ReviewDeliverable(ctx, p1, scenarioPrincipal, engine.ReviewInput{Decision: engine.DecisionApprove}); err != nil {
		return err
	}
	billing := []engine.BillingInput{
		{State: engine.BillingPrefacturaSent},
		{State: engine.BillingPrefacturaApproved},
		{State: engine.BillingInvoiced, Reference: "A-1043"},
	}
	for _, in := range billing {
		if _, err := h.Service.AdvanceBilling(ctx, p1, scenarioPrincipal, in); err != nil {
			return err
		}
	}

	// Period 2: in review
	p2 := periods[1].ID
	if _, err := h.Service.SubmitDeliverable(ctx, p2, scenarioPrincipal, roster); err != nil {
		return err
	}
	if _, err := h.Service.StartReview(ctx, p2, scenarioPrincipal); err != nil {
		return err
	}

	// Period 3: rejected, waiting for resubmission
	p3 := periods[2].ID
	if _, err := h.Service.SubmitDeliverable(ctx, p3, scenarioPrincipal, engine.SubmitInput{
		Evidence: []engine.EvidenceHandle{"files/photos-2026-03.zip"},
	}); err != nil {
		return err
	}
	_, err = h.Service.ReviewDeliverable(ctx, p3, scenarioPrincipal, engine.ReviewInput{
		Decision: engine.DecisionReject,
		Reason:   "Personnel roster missing",
	})
	return err
}

const openEndedContractJSON = `{
	"id": "seg-003-2026",
	"company_id": "vigilancia-integral",
	"number": "SEG-003/2026",
	"start_date": "2026-01-01",
	"deliverables": [
		{"kind": "activity_report", "periodicity": "biweekly"},
		{"kind": "documental", "periodicity": "once", "instructions": "Insurance policy and licenses"}
	],
	"categories": [
		{"id": "guard", "name": "Security guard", "tariff": "412.125", "active_employees": 12}
	]
}`

func (h *Handler) loadOpenEndedScenario(ctx context.Context) error {
	_, err := h.createScenarioContract(ctx, openEndedContractJSON)
	return err
}

const cancelledContractJSON = `{
	"id": "mnt-221-2026",
	"company_id": "mantenimiento-sur",
	"number": "MNT-221/2026",
	"start_date": "2026-02-01",
	"end_date": "2026-07-31",
	"deliverables": [
		{"kind": "personnel_listing", "periodicity": "monthly"}
	],
	"categories": [
		{"id": "technician", "name": "Maintenance technician", "tariff": "180.50", "active_employees": 4}
	]
}`

func (h *Handler) loadCancelledContractScenario(ctx context.Context) error {
	periods, err := h.createScenarioContract(ctx, cancelledContractJSON)
	if err != nil {
		return err
	}
	if len(periods) < 2 {
		return fmt.Errorf("unexpected period count %d", len(periods))
	}

	first := periods[0].ID
	if _, err := h.Service.SubmitDeliverable(ctx, first, scenarioPrincipal, engine.SubmitInput{
		Personnel: map[engine.CategoryID]int{"technician": 4},
	}); err != nil {
		return err
	}
	if _, err := h.Service.ReviewDeliverable(ctx, first, scenarioPrincipal, engine.ReviewInput{Decision: engine.DecisionApprove}); err != nil {
		return err
	}
	if _, err := h.Service.SubmitDeliverable(ctx, periods[1].ID, scenarioPrincipal, engine.SubmitInput{
		Personnel: map[engine.CategoryID]int{"technician": 3},
	}); err != nil {
		return err
	}

	id := engine.ContractID("mnt-221-2026")
	if err := h.Contracts.SetContractCancelled(ctx, id, true); err != nil {
		return err
	}
	_, err = h.Service.VoidContract(ctx, id, scenarioPrincipal, "Contract rescinded")
	return err
}

// createScenarioContract stores a contract and returns its generated periods.
func (h *Handler) createScenarioContract(ctx context.Context, jsonStr string) ([]engine.Deliverable, error) {
	def, err := h.Factory.ParseContract(jsonStr)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario contract: %w", err)
	}
	if err := h.Contracts.SaveContract(ctx, def.Contract, def.Configs, def.Categories, def.ActiveEmployees); err != nil {
		return nil, err
	}
	result, err := h.Service.GeneratePeriods(ctx, def.Contract.ID, h.today())
	if err != nil {
		return nil, err
	}
	return result.Created, nil
}
