/*
deliverable.go - Deliverable lifecycle service

PURPOSE:
  Orchestrates every operation exposed to the API tier:
    GeneratePeriods     Materialize missing periods of a contract
    SubmitDeliverable   Vendor submits evidence and personnel counts
    StartReview         Institution takes a submission into review
    ReviewDeliverable   Approve (creates payment) or reject (with reason)
    AdvanceBilling      Prefactura → factura → payment sub-workflow
    VoidDeliverable     Void after the parent contract is cancelled
    DeleteDeliverable   Remove a deliverable that never reached approval
    GetDeliverable / ListDeliverables / Events

TRANSITION FLOW:
  Every transition runs inside TxStore.WithTx:
    1. Load the deliverable (inside the transaction)
    2. Look up the action in the transition table   → StateConflictError
    3. Re-evaluate the permission gate              → AuthorizationError
    4. Validate the payload and apply side effects  → ValidationError / DependencyError
    5. Append the audit event
    6. Versioned update                             → StateConflictError on a lost race
  Notifications are emitted only after commit.

SEE ALSO:
  - status.go: Transition table
  - permission.go: Authorize
  - reconcile.go, payment.go: Side effects run inside the transaction
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store      TxStore
	Directory  ContractDirectory
	Reconciler *PersonnelReconciler
	Linker     *PaymentLinker
	Notifier   Notifier
	Logger     *zap.Logger

	// HorizonMonths bounds generation for open-ended contracts.
	HorizonMonths int

	Now   func() time.Time
	NewID func() string
}

// NewService wires a service with default collaborators.
func NewService(store TxStore, directory ContractDirectory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:         store,
		Directory:     directory,
		Reconciler:    &PersonnelReconciler{Directory: directory},
		Linker:        &PaymentLinker{},
		Notifier:      NopNotifier{},
		Logger:        logger,
		HorizonMonths: DefaultHorizonMonths,
		Now:           func() time.Time { return time.Now().UTC() },
		NewID:         func() string { return uuid.New().String() },
	}
}

// =============================================================================
// PERIOD GENERATION
// =============================================================================

// GenerationResult summarizes one GeneratePeriods run.
type GenerationResult struct {
	ContractID ContractID
	Planned    int
	Created    []Deliverable
	Existing   int
}

// GeneratePeriods inserts the planned periods of a contract that don't exist
// yet. It never mutates or deletes existing deliverables, so running it twice
// is harmless. Cancelled contracts generate nothing.
func (s *Service) GeneratePeriods(ctx context.Context, contractID ContractID, asOf Date) (*GenerationResult, error) {
	contract, err := s.Directory.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	result := &GenerationResult{ContractID: contractID}
	if contract.Cancelled {
		s.Logger.Debug("skipping period generation for cancelled contract",
			zap.String("contract_id", string(contractID)))
		return result, nil
	}

	configs, err := s.Directory.DeliverableConfigs(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliverable configs: %w", err)
	}

	planned, err := PlanPeriods(*contract, configs, asOf, s.HorizonMonths)
	if err != nil {
		s.Logger.Warn("period generation rejected contract configuration",
			zap.String("contract_id", string(contractID)), zap.Error(err))
		return nil, err
	}
	result.Planned = len(planned)

	err = s.Store.WithTx(ctx, func(st Store) error {
		existing, err := st.ListDeliverables(ctx, DeliverableFilter{ContractID: contractID})
		if err != nil {
			return fmt.Errorf("failed to list existing periods: %w", err)
		}
		// A period is identified by its range. Numbers of persisted periods
		// never change; new ranges continue after the highest one.
		ranges := make(map[string]bool, len(existing))
		next := 1
		for _, d := range existing {
			ranges[d.Period.String()] = true
			if d.PeriodNumber >= next {
				next = d.PeriodNumber + 1
			}
		}

		now := s.Now()
		for _, cp := range planned {
			if ranges[cp.Period.String()] {
				result.Existing++
				continue
			}
			d := Deliverable{
				ID:               DeliverableID(s.NewID()),
				ContractID:       contract.ID,
				CompanyID:        contract.CompanyID,
				PeriodNumber:     next,
				Period:           cp.Period,
				Kinds:            cp.Kinds,
				Status:           StatusPending,
				CalculatedAmount: ZeroMoney(),
				Version:          1,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := st.InsertDeliverable(ctx, d); err != nil {
				return fmt.Errorf("failed to insert period %d: %w", d.PeriodNumber, err)
			}
			next++
			result.Created = append(result.Created, d)
		}
		return nil
	})
	if err != nil {
		result.Created = nil
		return nil, err
	}

	if len(result.Created) > 0 {
		s.Logger.Info("generated delivery periods",
			zap.String("contract_id", string(contractID)),
			zap.Int("created", len(result.Created)),
			zap.Int("existing", result.Existing))
	}
	return result, nil
}

// =============================================================================
// TRANSITION CORE
// =============================================================================

// step is one table action plus the mutation it performs on the loaded deliverable.
type step struct {
	action Action
	reason string
	apply  func(st Store, d *Deliverable, now time.Time) error
}

// transition applies steps atomically to one deliverable.
func (s *Service) transition(ctx context.Context, id DeliverableID, p Principal, steps ...step) (*Deliverable, error) {
	var (
		result *Deliverable
		events []Event
	)

	err := s.Store.WithTx(ctx, func(st Store) error {
		events = events[:0]
		d, err := st.GetDeliverable(ctx, id)
		if err != nil {
			return err
		}
		now := s.Now()

		for _, stp := range steps {
			rule, ok := Rule(stp.action)
			if !ok {
				return &ValidationError{Field: "action", Message: "unknown action " + string(stp.action)}
			}
			to, ok := Next(d.Status, stp.action)
			if !ok {
				return &StateConflictError{DeliverableID: d.ID, Current: d.Status, Action: stp.action}
			}
			if !Authorize(p, rule.Module, rule.Class, d.CompanyID) {
				return &AuthorizationError{PrincipalID: p.ID, Module: rule.Module, Class: rule.Class, CompanyID: d.CompanyID}
			}
			if stp.apply != nil {
				if err := stp.apply(st, d, now); err != nil {
					return err
				}
			}

			from := d.Status
			d.Status = to
			d.UpdatedAt = now

			e := Event{
				ID:            s.NewID(),
				DeliverableID: d.ID,
				ContractID:    d.ContractID,
				Action:        stp.action,
				From:          from,
				To:            to,
				PrincipalID:   p.ID,
				Reason:        stp.reason,
				At:            now,
			}
			if err := st.AppendEvent(ctx, e); err != nil {
				return fmt.Errorf("failed to record event: %w", err)
			}
			events = append(events, e)
		}

		// Past pending a deliverable always names a reviewer. Until the
		// institution reviews it, that is the principal who moved it.
		if d.Status != StatusPending && d.ReviewerID == nil {
			reviewer := p.ID
			d.ReviewerID = &reviewer
		}

		if d.Status == StatusApproved && d.PaymentID == nil {
			return &DependencyError{Op: "approve", Err: errors.New("approval produced no payment")}
		}

		if err := st.UpdateDeliverable(ctx, *d); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return &StateConflictError{
					DeliverableID: d.ID,
					Current:       d.Status,
					Action:        steps[len(steps)-1].action,
					Reason:        "deliverable was modified concurrently",
				}
			}
			return fmt.Errorf("failed to update deliverable: %w", err)
		}
		d.Version++
		result = d
		return nil
	})
	if err != nil {
		s.Logger.Debug("transition failed",
			zap.String("deliverable_id", string(id)),
			zap.String("principal_id", string(p.ID)),
			zap.Error(err))
		return nil, err
	}

	for _, e := range events {
		s.Notifier.Notify(ctx, e)
	}
	return result, nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitInput is the vendor's evidence for one period.
type SubmitInput struct {
	Evidence  []EvidenceHandle
	Personnel map[CategoryID]int
}

// SubmitDeliverable records evidence, reconciles personnel counts and moves
// the deliverable to submitted. A rejected deliverable is reopened first in
// the same transaction, so resubmission never skips review.
func (s *Service) SubmitDeliverable(ctx context.Context, id DeliverableID, p Principal, in SubmitInput) (*Deliverable, error) {
	if len(in.Evidence) == 0 && len(in.Personnel) == 0 {
		return nil, &ValidationError{Field: "submission", Message: "evidence or personnel counts are required"}
	}
	for _, h := range in.Evidence {
		if strings.TrimSpace(string(h)) == "" {
			return nil, &ValidationError{Field: "evidence", Message: "empty file handle"}
		}
	}

	submit := step{
		action: ActionSubmit,
		apply: func(st Store, d *Deliverable, now time.Time) error {
			if len(in.Personnel) > 0 {
				if err := s.Reconciler.Reconcile(ctx, st, d, in.Personnel, now); err != nil {
					return err
				}
			}
			d.Evidence = append(d.Evidence, in.Evidence...)
			d.SubmittedAt = &now
			return nil
		},
	}

	current, err := s.Store.GetDeliverable(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusRejected {
		return s.transition(ctx, id, p, step{action: ActionResubmit}, submit)
	}
	return s.transition(ctx, id, p, submit)
}

// =============================================================================
// REVIEW
// =============================================================================

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type ReviewInput struct {
	Decision Decision
	Reason   string
	// ApprovedAmount overrides the calculated amount on approval.
	ApprovedAmount *Money
}

// StartReview takes a submitted deliverable into review.
func (s *Service) StartReview(ctx context.Context, id DeliverableID, p Principal) (*Deliverable, error) {
	return s.transition(ctx, id, p, s.startReviewStep(p))
}

func (s *Service) startReviewStep(p Principal) step {
	return step{
		action: ActionStartReview,
		apply: func(_ Store, d *Deliverable, now time.Time) error {
			markReviewed(d, p, now)
			return nil
		},
	}
}

// ReviewDeliverable approves or rejects a deliverable in review. A submitted
// deliverable is taken into review in the same transaction.
func (s *Service) ReviewDeliverable(ctx context.Context, id DeliverableID, p Principal, in ReviewInput) (*Deliverable, error) {
	var decision step
	switch in.Decision {
	case DecisionApprove:
		decision = step{
			action: ActionApprove,
			apply: func(st Store, d *Deliverable, now time.Time) error {
				amount := d.CalculatedAmount
				if in.ApprovedAmount != nil {
					amount = *in.ApprovedAmount
				}
				if amount.IsNegative() {
					return &ValidationError{Field: "approved_amount", Message: "must not be negative"}
				}
				amount = amount.Round()
				if err := s.Linker.OnApproval(ctx, st, d, amount, now); err != nil {
					return err
				}
				d.ApprovedAmount = &amount
				d.RejectionReason = ""
				markReviewed(d, p, now)
				return nil
			},
		}
	case DecisionReject:
		reason := strings.TrimSpace(in.Reason)
		decision = step{
			action: ActionReject,
			reason: reason,
			apply: func(_ Store, d *Deliverable, now time.Time) error {
				if reason == "" {
					return &ValidationError{Field: "reason", Message: "rejection requires a reason"}
				}
				d.RejectionReason = reason
				d.RevisionCount++
				markReviewed(d, p, now)
				return nil
			},
		}
	default:
		return nil, &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", in.Decision)}
	}

	current, err := s.Store.GetDeliverable(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusSubmitted {
		return s.transition(ctx, id, p, s.startReviewStep(p), decision)
	}
	return s.transition(ctx, id, p, decision)
}

func markReviewed(d *Deliverable, p Principal, now time.Time) {
	reviewer := p.ID
	d.ReviewerID = &reviewer
	d.ReviewedAt = &now
}

// =============================================================================
// BILLING SUB-WORKFLOW
// =============================================================================

type BillingInput struct {
	State BillingState
	// Reference is the fiscal folio for invoiced and the payment reference for paid.
	Reference string
	// Reason is required when rejecting a prefactura.
	Reason string
}

// AdvanceBilling moves an approved deliverable through its billing states and
// mirrors invoiced/paid onto the linked payment.
func (s *Service) AdvanceBilling(ctx context.Context, id DeliverableID, p Principal, in BillingInput) (*Deliverable, error) {
	action, ok := ActionForBilling(in.State)
	if !ok {
		return nil, &ValidationError{Field: "state", Message: fmt.Sprintf("unknown billing state %q", in.State)}
	}
	reference := strings.TrimSpace(in.Reference)
	reason := strings.TrimSpace(in.Reason)

	stp := step{action: action, reason: reason}
	stp.apply = func(st Store, d *Deliverable, now time.Time) error {
		switch action {
		case ActionSendPrefactura:
			d.PrefacturaSentAt = &now
		case ActionRejectPrefactura:
			if reason == "" {
				return &ValidationError{Field: "reason", Message: "prefactura rejection requires a reason"}
			}
			d.PrefacturaRejectedAt = &now
			d.RejectionReason = reason
			d.RevisionCount++
			markReviewed(d, p, now)
		case ActionApprovePrefactura:
			d.PrefacturaApprovedAt = &now
			d.RejectionReason = ""
			markReviewed(d, p, now)
		case ActionInvoice:
			if reference == "" {
				return &ValidationError{Field: "reference", Message: "invoicing requires a fiscal folio"}
			}
			d.FiscalFolio = reference
			d.InvoicedAt = &now
			markReviewed(d, p, now)
			return s.Linker.Mirror(ctx, st, d, StatusInvoiced, "", now)
		case ActionPay:
			if reference == "" {
				return &ValidationError{Field: "reference", Message: "payment requires a payment reference"}
			}
			d.PaymentReference = reference
			d.PaidAt = &now
			markReviewed(d, p, now)
			return s.Linker.Mirror(ctx, st, d, StatusPaid, reference, now)
		}
		return nil
	}
	return s.transition(ctx, id, p, stp)
}

// =============================================================================
// VOID / DELETE
// =============================================================================

// VoidDeliverable voids a non-terminal deliverable of a cancelled contract
// and voids its unpaid payment.
func (s *Service) VoidDeliverable(ctx context.Context, id DeliverableID, p Principal, reason string) (*Deliverable, error) {
	return s.transition(ctx, id, p, s.voidStep(ctx, reason))
}

func (s *Service) voidStep(ctx context.Context, reason string) step {
	return step{
		action: ActionVoid,
		reason: reason,
		apply: func(st Store, d *Deliverable, now time.Time) error {
			contract, err := directoryFor(st, s.Directory).GetContract(ctx, d.ContractID)
			if err != nil {
				return &DependencyError{Op: "load contract", Err: err}
			}
			if !contract.Cancelled {
				return &ValidationError{Field: "contract", Message: "only deliverables of cancelled contracts can be voided"}
			}
			return s.Linker.Mirror(ctx, st, d, StatusVoided, "", now)
		},
	}
}

// VoidContract voids every non-terminal deliverable of a cancelled contract.
// Each deliverable is voided atomically with its payment; the loop stops at
// the first failure and returns what was voided so far.
func (s *Service) VoidContract(ctx context.Context, contractID ContractID, p Principal, reason string) ([]Deliverable, error) {
	list, err := s.Store.ListDeliverables(ctx, DeliverableFilter{ContractID: contractID})
	if err != nil {
		return nil, err
	}
	var voided []Deliverable
	for _, d := range list {
		if d.Status.IsTerminal() {
			continue
		}
		v, err := s.VoidDeliverable(ctx, d.ID, p, reason)
		if err != nil {
			return voided, err
		}
		voided = append(voided, *v)
	}
	return voided, nil
}

// DeleteDeliverable removes a deliverable that never reached approval.
// Approved or later deliverables are referenced by payments and can't be deleted.
func (s *Service) DeleteDeliverable(ctx context.Context, id DeliverableID, p Principal) error {
	return s.Store.WithTx(ctx, func(st Store) error {
		d, err := st.GetDeliverable(ctx, id)
		if err != nil {
			return err
		}
		if d.Status.IsApprovedOrLater() || d.PaymentID != nil {
			return &StateConflictError{
				DeliverableID: d.ID,
				Current:       d.Status,
				Action:        "delete",
				Reason:        "approved deliverables are linked to payments",
			}
		}
		if !Authorize(p, ModuleDeliverables, ClassAuthorize, d.CompanyID) {
			return &AuthorizationError{PrincipalID: p.ID, Module: ModuleDeliverables, Class: ClassAuthorize, CompanyID: d.CompanyID}
		}
		return st.DeleteDeliverable(ctx, id)
	})
}

// =============================================================================
// READS
// =============================================================================

// GetDeliverable returns the deliverable with its personnel details.
func (s *Service) GetDeliverable(ctx context.Context, id DeliverableID) (*Deliverable, error) {
	d, err := s.Store.GetDeliverable(ctx, id)
	if err != nil {
		return nil, err
	}
	details, err := s.Store.ListPersonnelDetails(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load personnel details: %w", err)
	}
	d.Details = details
	return d, nil
}

// ListDeliverables returns deliverables by contract or company, optionally by status.
func (s *Service) ListDeliverables(ctx context.Context, filter DeliverableFilter) ([]Deliverable, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", st)}
		}
	}
	return s.Store.ListDeliverables(ctx, filter)
}

// Events returns the audit trail of a deliverable, oldest first.
func (s *Service) Events(ctx context.Context, id DeliverableID) ([]Event, error) {
	if _, err := s.Store.GetDeliverable(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListEvents(ctx, id)
}

// GetPayment returns a payment projection.
func (s *Service) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	return s.Store.GetPayment(ctx, id)
}
