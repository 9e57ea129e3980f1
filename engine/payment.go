package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// PAYMENT LINKER - Keeps deliverable and payment records consistent
// =============================================================================

// PaymentLinker runs inside the transition's store transaction. Any error it
// returns aborts the transition.
type PaymentLinker struct {
	NewID func() PaymentID
}

func (l *PaymentLinker) newID() PaymentID {
	if l.NewID != nil {
		return l.NewID()
	}
	return PaymentID(uuid.New().String())
}

// OnApproval ensures exactly one non-void payment exists for d carrying the
// approved amount, and links it on d.
func (l *PaymentLinker) OnApproval(ctx context.Context, st Store, d *Deliverable, amount Money, now time.Time) error {
	existing, err := st.PaymentsForDeliverable(ctx, d.ID)
	if err != nil {
		return &DependencyError{Op: "load payments", Err: err}
	}

	for _, p := range existing {
		if p.Status == PaymentVoid {
			continue // void payments are never reused
		}
		if p.Status != PaymentPendingInvoice {
			return &DependencyError{
				Op:  "link payment",
				Err: fmt.Errorf("payment %s already %s", p.ID, p.Status),
			}
		}
		p.Amount = amount
		p.UpdatedAt = now
		if err := st.UpdatePayment(ctx, p); err != nil {
			return &DependencyError{Op: "update payment", Err: err}
		}
		id := p.ID
		d.PaymentID = &id
		return nil
	}

	p := Payment{
		ID:            l.newID(),
		DeliverableID: d.ID,
		ContractID:    d.ContractID,
		Amount:        amount,
		Status:        PaymentPendingInvoice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.InsertPayment(ctx, p); err != nil {
		return &DependencyError{Op: "create payment", Err: err}
	}
	d.PaymentID = &p.ID
	return nil
}

// Mirror copies a billing advance onto the linked payment.
func (l *PaymentLinker) Mirror(ctx context.Context, st Store, d *Deliverable, to Status, reference string, now time.Time) error {
	var status PaymentStatus
	switch to {
	case StatusInvoiced:
		status = PaymentInProcess
	case StatusPaid:
		status = PaymentPaid
	case StatusVoided:
		status = PaymentVoid
	default:
		return nil
	}

	if d.PaymentID == nil {
		if to == StatusVoided {
			return nil
		}
		return &DependencyError{Op: "mirror payment", Err: fmt.Errorf("deliverable %s has no linked payment", d.ID)}
	}

	p, err := st.GetPayment(ctx, *d.PaymentID)
	if err != nil {
		return &DependencyError{Op: "load payment", Err: err}
	}
	if to == StatusVoided && p.Status == PaymentPaid {
		return &DependencyError{Op: "void payment", Err: fmt.Errorf("payment %s is already paid", p.ID)}
	}

	p.Status = status
	if reference != "" {
		p.Reference = reference
	}
	p.UpdatedAt = now
	if err := st.UpdatePayment(ctx, *p); err != nil {
		return &DependencyError{Op: "update payment", Err: err}
	}
	return nil
}
