/*
Package engine provides the deliverable lifecycle and billing-reconciliation core.

PURPOSE:
  Vendors contracted by the institution must prove delivery of contracted work
  for every period of a contract before payment is released. This package owns
  the rules for that: which periods exist, what each period is worth, which
  state a period is in, and who may move it forward.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: currency amounts on decimal.Decimal, rounded to 2 places
  - Contract / DeliverableTypeConfig: consumed from contract management
  - Deliverable: one tracked delivery period of a contract
  - PersonnelDetail: reported vs validated headcount for one job category
  - Payment: the minimal payment projection written by the payment linker

DESIGN PRINCIPLES:
  1. Precision: all currency math uses decimal.Decimal, never float64
  2. Closed enumerations: statuses, kinds and periodicities are typed constants
  3. Type Safety: distinct ID types prevent mixing contract/deliverable IDs

SEE ALSO:
  - status.go: Status enumeration and transition table
  - period.go: Period generation from contract configuration
  - deliverable.go: Service orchestrating transitions
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Currency amounts
// =============================================================================

// CurrencyPlaces is the precision every stored amount is rounded to.
const CurrencyPlaces int32 = 2

// Money is a currency amount. Rounding is half away from zero at CurrencyPlaces,
// which is plain half-up for the non-negative amounts this engine stores.
type Money struct {
	decimal.Decimal
}

func NewMoney(d decimal.Decimal) Money { return Money{d} }
func MoneyFromInt(v int64) Money       { return Money{decimal.NewFromInt(v)} }
func ZeroMoney() Money                 { return Money{decimal.Zero} }
func (m Money) Round() Money           { return Money{m.Decimal.Round(CurrencyPlaces)} }
func (m Money) Plus(o Money) Money     { return Money{m.Decimal.Add(o.Decimal)} }
func (m Money) Times(n int) Money      { return Money{m.Decimal.Mul(decimal.NewFromInt(int64(n)))} }
func (m Money) Equals(o Money) bool    { return m.Decimal.Equal(o.Decimal) }
func (m Money) String() string         { return m.Decimal.StringFixed(CurrencyPlaces) }

// ParseMoney parses a decimal string such as "100.00".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{d}, nil
}

// MustParseMoney parses s and returns zero on malformed input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		return ZeroMoney()
	}
	return m
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type CompanyID string
type CategoryID string
type DeliverableID string
type PaymentID string
type PrincipalID string

// EvidenceHandle is an opaque stored-file reference issued by the file pipeline.
type EvidenceHandle string

// =============================================================================
// CONTRACT CONFIGURATION - Consumed from contract management
// =============================================================================

type DeliverableKind string

const (
	KindPhotographic     DeliverableKind = "photographic"
	KindActivityReport   DeliverableKind = "activity_report"
	KindPersonnelListing DeliverableKind = "personnel_listing"
	KindDocumental       DeliverableKind = "documental"
)

func (k DeliverableKind) Valid() bool {
	switch k {
	case KindPhotographic, KindActivityReport, KindPersonnelListing, KindDocumental:
		return true
	}
	return false
}

type Periodicity string

const (
	PeriodicityMonthly  Periodicity = "monthly"
	PeriodicityBiweekly Periodicity = "biweekly"
	PeriodicityOnce     Periodicity = "once"
)

func (p Periodicity) Valid() bool {
	switch p {
	case PeriodicityMonthly, PeriodicityBiweekly, PeriodicityOnce:
		return true
	}
	return false
}

// DeliverableTypeConfig says which evidence a contract requires and how often.
// At most one config exists per (contract, kind).
type DeliverableTypeConfig struct {
	ContractID   ContractID
	Kind         DeliverableKind
	Periodicity  Periodicity
	Required     bool
	Instructions string
}

// Contract is the slice of contract master data the engine reads.
type Contract struct {
	ID        ContractID
	CompanyID CompanyID
	Number    string
	StartDate Date
	EndDate   *Date // nil = open-ended
	Cancelled bool
}

// Category is a contract job category with its current tariff.
type Category struct {
	ContractID ContractID
	ID         CategoryID
	Name       string
	Tariff     Money
}

// =============================================================================
// DELIVERABLE - One expected delivery period
// =============================================================================

type Deliverable struct {
	ID           DeliverableID
	ContractID   ContractID
	CompanyID    CompanyID
	PeriodNumber int
	Period       Period
	Kinds        []DeliverableKind

	Status          Status
	Evidence        []EvidenceHandle
	SubmittedAt     *time.Time
	ReviewedAt      *time.Time
	ReviewerID      *PrincipalID
	RejectionReason string
	RevisionCount   int

	CalculatedAmount Money
	ApprovedAmount   *Money
	PaymentID        *PaymentID

	// Billing sub-workflow
	PrefacturaSentAt     *time.Time
	PrefacturaRejectedAt *time.Time
	PrefacturaApprovedAt *time.Time
	InvoicedAt           *time.Time
	PaidAt               *time.Time
	FiscalFolio          string
	PaymentReference     string

	// Version guards concurrent writers (optimistic locking).
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time

	// Details is populated by GetDeliverable.
	Details []PersonnelDetail
}

// PersonnelDetail is one job category line of a personnel roster submission.
type PersonnelDetail struct {
	DeliverableID  DeliverableID
	CategoryID     CategoryID
	ReportedCount  int
	ValidatedCount int
	UnitTariff     Money
	Subtotal       Money
	UpdatedAt      time.Time
}

// =============================================================================
// PAYMENT - Minimal projection
// =============================================================================

type PaymentStatus string

const (
	PaymentPendingInvoice PaymentStatus = "pending_invoice"
	PaymentInProcess      PaymentStatus = "in_process"
	PaymentPaid           PaymentStatus = "paid"
	PaymentVoid           PaymentStatus = "void"
)

type Payment struct {
	ID            PaymentID
	DeliverableID DeliverableID
	ContractID    ContractID
	Amount        Money
	Status        PaymentStatus
	Reference     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
