/*
reconcile.go - Personnel reconciliation

PURPOSE:
  Turns a vendor's reported headcount per job category into the amount the
  institution owes for a period.

ALGORITHM:
  For each category in the submitted mapping:
    validated = min(reported, active employees on the contract category)
    subtotal  = round(validated × tariff)
  The tariff is copied onto the detail row when it is written, so later
  tariff changes don't alter past periods. After all rows are written:
    calculated amount = round(sum of ALL detail subtotals of the deliverable)

ROUNDING:
  2 decimal places, half away from zero (decimal.Round). Amounts are never
  negative, so this is half-up.

SEE ALSO:
  - deliverable.go: SubmitDeliverable calls Reconcile inside its transaction
*/
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// PersonnelReconciler validates reported counts against the contract directory.
type PersonnelReconciler struct {
	Directory ContractDirectory
}

// Reconcile writes one detail row per reported category and recomputes
// d.CalculatedAmount. The caller persists d. Fails with StateConflictError
// unless d is editable.
func (r *PersonnelReconciler) Reconcile(
	ctx context.Context,
	st Store,
	d *Deliverable,
	reported map[CategoryID]int,
	now time.Time,
) error {
	if !d.Status.IsEditable() {
		return &StateConflictError{
			DeliverableID: d.ID,
			Current:       d.Status,
			Action:        ActionSubmit,
			Reason:        "personnel details are only editable while pending or rejected",
		}
	}

	dir := directoryFor(st, r.Directory)

	categories := make([]CategoryID, 0, len(reported))
	for id := range reported {
		categories = append(categories, id)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	for _, catID := range categories {
		count := reported[catID]
		if count < 0 {
			return &ValidationError{Field: "personnel." + string(catID), Message: "reported count must not be negative"}
		}

		cat, err := dir.GetCategory(ctx, d.ContractID, catID)
		if err != nil {
			if IsNotFound(err) {
				return &ValidationError{Field: "personnel." + string(catID), Message: "category is not part of the contract"}
			}
			return &DependencyError{Op: "get category " + string(catID), Err: err}
		}
		if cat.Tariff.IsNegative() {
			return &ValidationError{Field: "tariff." + string(catID), Message: "contract tariff is negative"}
		}

		active, err := dir.ActiveEmployeeCount(ctx, d.ContractID, catID)
		if err != nil {
			return &DependencyError{Op: "count active employees for " + string(catID), Err: err}
		}

		validated := count
		if active < validated {
			validated = active
		}
		if validated < 0 {
			validated = 0
		}

		detail := PersonnelDetail{
			DeliverableID:  d.ID,
			CategoryID:     catID,
			ReportedCount:  count,
			ValidatedCount: validated,
			UnitTariff:     cat.Tariff,
			Subtotal:       cat.Tariff.Times(validated).Round(),
			UpdatedAt:      now,
		}
		if err := st.UpsertPersonnelDetail(ctx, detail); err != nil {
			return fmt.Errorf("failed to save personnel detail %s: %w", catID, err)
		}
	}

	details, err := st.ListPersonnelDetails(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("failed to load personnel details: %w", err)
	}
	d.CalculatedAmount = SumSubtotals(details)
	return nil
}

// SumSubtotals returns the rounded sum of detail subtotals.
func SumSubtotals(details []PersonnelDetail) Money {
	total := ZeroMoney()
	for _, det := range details {
		total = total.Plus(det.Subtotal)
	}
	return total.Round()
}
