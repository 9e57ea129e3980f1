/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and the database, and between
  the engine and the master-data services it consumes.

KEY INTERFACES:
  Store:             Deliverables, personnel details, payments, events
  TxStore:           Store plus WithTx for atomic multi-record writes
  ContractDirectory: Contract master data (read-only for the engine)

ATOMIC UNITS:
  Every transition runs inside WithTx. A status change, its revision
  counter, its payment and its audit event either all commit or none do.

OPTIMISTIC LOCKING:
  UpdateDeliverable writes only if the stored version equals the version
  the caller read, then increments it. A mismatch returns
  ErrConcurrentModification.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - engine/store/memory.go: In-memory for testing

SEE ALSO:
  - deliverable.go: Uses these interfaces
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// DeliverableFilter scopes ListDeliverables. Empty fields don't filter.
type DeliverableFilter struct {
	ContractID ContractID
	CompanyID  CompanyID
	Companies  []CompanyID // restrict to these companies (vendor scoping)
	Statuses   []Status
}

type Store interface {
	// InsertDeliverable creates a deliverable. Returns ErrDuplicatePeriod if
	// (contract, period number) already exists.
	InsertDeliverable(ctx context.Context, d Deliverable) error

	// GetDeliverable returns ErrNotFound (wrapped) when missing. Details are not loaded.
	GetDeliverable(ctx context.Context, id DeliverableID) (*Deliverable, error)

	// UpdateDeliverable persists d if the stored version equals d.Version and
	// bumps the version. Returns ErrConcurrentModification otherwise.
	UpdateDeliverable(ctx context.Context, d Deliverable) error

	DeleteDeliverable(ctx context.Context, id DeliverableID) error

	ListDeliverables(ctx context.Context, filter DeliverableFilter) ([]Deliverable, error)

	// UpsertPersonnelDetail replaces the row for (deliverable, category).
	UpsertPersonnelDetail(ctx context.Context, d PersonnelDetail) error
	ListPersonnelDetails(ctx context.Context, id DeliverableID) ([]PersonnelDetail, error)

	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	// PaymentsForDeliverable returns every payment, void ones included.
	PaymentsForDeliverable(ctx context.Context, id DeliverableID) ([]Payment, error)

	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, id DeliverableID) ([]Event, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// CONTRACT DIRECTORY - Master data consumed from contract/vendor management
// =============================================================================

type ContractDirectory interface {
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	ListContracts(ctx context.Context) ([]Contract, error)
	DeliverableConfigs(ctx context.Context, id ContractID) ([]DeliverableTypeConfig, error)

	// GetCategory returns the contract category with its current tariff.
	GetCategory(ctx context.Context, contract ContractID, category CategoryID) (*Category, error)

	// ActiveEmployeeCount is the authoritative headcount for a category.
	ActiveEmployeeCount(ctx context.Context, contract ContractID, category CategoryID) (int, error)
}

// =============================================================================
// EVENTS - Audit trail and notification payload
// =============================================================================

// Event records one successful transition.
type Event struct {
	ID            string
	DeliverableID DeliverableID
	ContractID    ContractID
	Action        Action
	From          Status
	To            Status
	PrincipalID   PrincipalID
	Reason        string
	At            time.Time
}

// directoryFor reads master data through the transaction when the tx-scoped
// store also serves it. Single-connection stores would block otherwise.
func directoryFor(st Store, fallback ContractDirectory) ContractDirectory {
	if d, ok := st.(ContractDirectory); ok {
		return d
	}
	return fallback
}
