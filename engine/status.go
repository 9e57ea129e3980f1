/*
status.go - Deliverable status enumeration and transition table

PURPOSE:
  The lifecycle of a deliverable is a fixed set of transitions. Each entry in
  the table names the action, the states it may start from, the state it
  leads to, and the (module, action class) pair the permission gate checks.
  Any (state, action) pair not in the table is rejected.

LIFECYCLE:
  pending ──submit──▶ submitted ──start_review──▶ in_review
                                                      │
                                       ┌──approve─────┴─────reject──┐
                                       ▼                            ▼
                                   approved                     rejected
                                       │                            │
                                send_prefactura               resubmit
                                       ▼                            ▼
            ┌──────────────────▶ prefactura_sent                 pending
            │                     │            │
      send_prefactura    reject_prefactura  approve_prefactura
            │                     ▼            ▼
            └────────── prefactura_rejected  prefactura_approved ──invoice──▶ invoiced ──pay──▶ paid

  voided is reachable from every state except paid and voided.

SEE ALSO:
  - permission.go: Evaluates the (module, class) pair of each rule
  - deliverable.go: Applies rules inside a store transaction
*/
package engine

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending            Status = "pending"
	StatusSubmitted          Status = "submitted"
	StatusInReview           Status = "in_review"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusPrefacturaSent     Status = "prefactura_sent"
	StatusPrefacturaRejected Status = "prefactura_rejected"
	StatusPrefacturaApproved Status = "prefactura_approved"
	StatusInvoiced           Status = "invoiced"
	StatusPaid               Status = "paid"
	StatusVoided             Status = "voided"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusSubmitted, StatusInReview, StatusApproved, StatusRejected,
	StatusPrefacturaSent, StatusPrefacturaRejected, StatusPrefacturaApproved,
	StatusInvoiced, StatusPaid, StatusVoided,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool { return s == StatusPaid || s == StatusVoided }

// IsEditable reports whether personnel details may still change.
func (s Status) IsEditable() bool { return s == StatusPending || s == StatusRejected }

// IsApprovedOrLater reports whether a payment is linked to the deliverable.
func (s Status) IsApprovedOrLater() bool {
	switch s {
	case StatusApproved, StatusPrefacturaSent, StatusPrefacturaRejected,
		StatusPrefacturaApproved, StatusInvoiced, StatusPaid:
		return true
	}
	return false
}

// =============================================================================
// ACTIONS, MODULES, ACTION CLASSES
// =============================================================================

type Action string

const (
	ActionSubmit            Action = "submit"
	ActionResubmit          Action = "resubmit"
	ActionStartReview       Action = "start_review"
	ActionApprove           Action = "approve"
	ActionReject            Action = "reject"
	ActionSendPrefactura    Action = "send_prefactura"
	ActionRejectPrefactura  Action = "reject_prefactura"
	ActionApprovePrefactura Action = "approve_prefactura"
	ActionInvoice           Action = "invoice"
	ActionPay               Action = "pay"
	ActionVoid              Action = "void"
)

// Module is a permission scope of the platform.
type Module string

const (
	ModuleDeliverables Module = "deliverables"
	ModuleBilling      Module = "billing"
)

// ActionClass separates initiating actions from approving ones.
type ActionClass string

const (
	ClassOperate   ActionClass = "operate"
	ClassAuthorize ActionClass = "authorize"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

// TransitionRule defines one allowed action.
type TransitionRule struct {
	Action Action
	From   []Status
	To     Status
	Module Module
	Class  ActionClass
}

func (r TransitionRule) allows(from Status) bool {
	for _, s := range r.From {
		if s == from {
			return true
		}
	}
	return false
}

var nonTerminal = []Status{
	StatusPending, StatusSubmitted, StatusInReview, StatusApproved, StatusRejected,
	StatusPrefacturaSent, StatusPrefacturaRejected, StatusPrefacturaApproved, StatusInvoiced,
}

// Transitions is the complete lifecycle. Nothing else is legal.
var Transitions = map[Action]TransitionRule{
	ActionSubmit:            {ActionSubmit, []Status{StatusPending}, StatusSubmitted, ModuleDeliverables, ClassOperate},
	ActionResubmit:          {ActionResubmit, []Status{StatusRejected}, StatusPending, ModuleDeliverables, ClassOperate},
	ActionStartReview:       {ActionStartReview, []Status{StatusSubmitted}, StatusInReview, ModuleDeliverables, ClassAuthorize},
	ActionApprove:           {ActionApprove, []Status{StatusInReview}, StatusApproved, ModuleDeliverables, ClassAuthorize},
	ActionReject:            {ActionReject, []Status{StatusInReview}, StatusRejected, ModuleDeliverables, ClassAuthorize},
	ActionSendPrefactura:    {ActionSendPrefactura, []Status{StatusApproved, StatusPrefacturaRejected}, StatusPrefacturaSent, ModuleBilling, ClassOperate},
	ActionRejectPrefactura:  {ActionRejectPrefactura, []Status{StatusPrefacturaSent}, StatusPrefacturaRejected, ModuleBilling, ClassAuthorize},
	ActionApprovePrefactura: {ActionApprovePrefactura, []Status{StatusPrefacturaSent}, StatusPrefacturaApproved, ModuleBilling, ClassAuthorize},
	ActionInvoice:           {ActionInvoice, []Status{StatusPrefacturaApproved}, StatusInvoiced, ModuleBilling, ClassAuthorize},
	ActionPay:               {ActionPay, []Status{StatusInvoiced}, StatusPaid, ModuleBilling, ClassAuthorize},
	ActionVoid:              {ActionVoid, nonTerminal, StatusVoided, ModuleDeliverables, ClassAuthorize},
}

// Rule returns the transition rule for an action.
func Rule(action Action) (TransitionRule, bool) {
	r, ok := Transitions[action]
	return r, ok
}

// Next returns the state reached by applying action from the given state.
func Next(from Status, action Action) (Status, bool) {
	r, ok := Transitions[action]
	if !ok || !r.allows(from) {
		return "", false
	}
	return r.To, true
}

// AvailableActions lists the actions the table allows from a state, in table order.
func AvailableActions(from Status) []Action {
	order := []Action{
		ActionSubmit, ActionResubmit, ActionStartReview, ActionApprove, ActionReject,
		ActionSendPrefactura, ActionRejectPrefactura, ActionApprovePrefactura,
		ActionInvoice, ActionPay, ActionVoid,
	}
	var out []Action
	for _, a := range order {
		if Transitions[a].allows(from) {
			out = append(out, a)
		}
	}
	return out
}

// BillingState is a billing sub-workflow target accepted by AdvanceBilling.
type BillingState string

const (
	BillingPrefacturaSent     BillingState = "prefactura_sent"
	BillingPrefacturaRejected BillingState = "prefactura_rejected"
	BillingPrefacturaApproved BillingState = "prefactura_approved"
	BillingInvoiced           BillingState = "invoiced"
	BillingPaid               BillingState = "paid"
)

// billingActions maps a target billing state to the action that reaches it.
var billingActions = map[BillingState]Action{
	BillingPrefacturaSent:     ActionSendPrefactura,
	BillingPrefacturaRejected: ActionRejectPrefactura,
	BillingPrefacturaApproved: ActionApprovePrefactura,
	BillingInvoiced:           ActionInvoice,
	BillingPaid:               ActionPay,
}

// ActionForBilling returns the action that reaches a billing state.
func ActionForBilling(state BillingState) (Action, bool) {
	a, ok := billingActions[state]
	return a, ok
}
