/*
Package sqlite provides a SQLite-backed implementation of the engine storage interfaces.

PURPOSE:
  Implements engine.TxStore (deliverables, personnel details, payments,
  events) and engine.ContractDirectory (contracts, deliverable configs,
  categories with tariffs and headcounts) using SQLite. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  engine.TxStore:           Deliverable lifecycle persistence
  engine.ContractDirectory: Contract master data read by the engine

KEY TABLES:
  contracts:            Contract header, dates, cancellation flag
  deliverable_configs:  One row per (contract, kind); cascades with contract
  contract_categories:  Tariff and active headcount per (contract, category)
  deliverables:         One row per period; UNIQUE(contract_id, period_number)
  personnel_details:    One row per (deliverable, category); cascades with deliverable
  payments:             Payment projection; at most one non-void per deliverable
  deliverable_events:   Append-only audit trail of transitions

INVARIANTS ENFORCED BY SCHEMA:
  - status columns are CHECK-constrained to the closed enumerations
  - period_end >= period_start, counts >= 0
  - idx_one_live_payment: UNIQUE(deliverable_id) WHERE status != 'void'

OPTIMISTIC LOCKING:
  deliverables.version is compared and incremented on every update:
    UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?
  Zero affected rows means another writer won; engine.ErrConcurrentModification.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a
  transaction and the reads it performs share one connection. In production
  with PostgreSQL, database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/deliverables.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := engine.NewService(store, store, logger)

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/deliverables-engine/engine"
)

// Store implements the engine storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per-connection
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func quoteList[T ~string](values []T) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + string(v) + "'"
	}
	return strings.Join(quoted, ", ")
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	statuses := quoteList(engine.AllStatuses)
	paymentStatuses := quoteList([]engine.PaymentStatus{
		engine.PaymentPendingInvoice, engine.PaymentInProcess, engine.PaymentPaid, engine.PaymentVoid,
	})

	schema := `
	-- Contracts (master data)
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		number TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		cancelled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_company
		ON contracts(company_id);

	-- Deliverable type configs (at most one per contract and kind)
	CREATE TABLE IF NOT EXISTS deliverable_configs (
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		periodicity TEXT NOT NULL,
		required INTEGER NOT NULL DEFAULT 1,
		instructions TEXT,
		PRIMARY KEY (contract_id, kind)
	);

	-- Contract categories with current tariff and authoritative headcount
	CREATE TABLE IF NOT EXISTS contract_categories (
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		name TEXT,
		tariff TEXT NOT NULL,
		active_employees INTEGER NOT NULL DEFAULT 0 CHECK (active_employees >= 0),
		PRIMARY KEY (contract_id, id)
	);

	-- Deliverables (one per period)
	CREATE TABLE IF NOT EXISTS deliverables (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		company_id TEXT NOT NULL,
		period_number INTEGER NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		kinds_json TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN (` + statuses + `)),
		evidence_json TEXT NOT NULL,
		submitted_at TEXT,
		reviewed_at TEXT,
		reviewer_id TEXT,
		rejection_reason TEXT,
		revision_count INTEGER NOT NULL DEFAULT 0 CHECK (revision_count >= 0),
		calculated_amount TEXT NOT NULL,
		approved_amount TEXT,
		payment_id TEXT,
		prefactura_sent_at TEXT,
		prefactura_rejected_at TEXT,
		prefactura_approved_at TEXT,
		invoiced_at TEXT,
		paid_at TEXT,
		fiscal_folio TEXT,
		payment_reference TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (contract_id, period_number),
		CHECK (period_end >= period_start)
	);

	CREATE INDEX IF NOT EXISTS idx_deliverables_company_status
		ON deliverables(company_id, status);
	CREATE INDEX IF NOT EXISTS idx_deliverables_contract_range
		ON deliverables(contract_id, period_start, period_end);

	-- Personnel details (owned by deliverable)
	CREATE TABLE IF NOT EXISTS personnel_details (
		deliverable_id TEXT NOT NULL REFERENCES deliverables(id) ON DELETE CASCADE,
		category_id TEXT NOT NULL,
		reported_count INTEGER NOT NULL CHECK (reported_count >= 0),
		validated_count INTEGER NOT NULL CHECK (validated_count >= 0),
		unit_tariff TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (deliverable_id, category_id)
	);

	-- Payments (minimal projection)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		deliverable_id TEXT NOT NULL REFERENCES deliverables(id),
		contract_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN (` + paymentStatuses + `)),
		reference TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one non-void payment per deliverable
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_live_payment
		ON payments(deliverable_id) WHERE status != 'void';

	-- Transition audit trail (append-only, survives deliverable deletion)
	CREATE TABLE IF NOT EXISTS deliverable_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		deliverable_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		reason TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_deliverable
		ON deliverable_events(deliverable_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIES - Shared by the Store and its transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements against either the database or an open transaction.
// It does no locking.
type queries struct {
	q querier
}

func (s *Store) queries() *queries { return &queries{q: s.db} }

// WithTx executes a function within a database transaction. The store passed
// to fn also serves contract master data, so reads stay on the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// DELIVERABLES
// =============================================================================

const deliverableColumns = `
	id, contract_id, company_id, period_number, period_start, period_end, kinds_json,
	status, evidence_json, submitted_at, reviewed_at, reviewer_id, rejection_reason,
	revision_count, calculated_amount, approved_amount, payment_id,
	prefactura_sent_at, prefactura_rejected_at, prefactura_approved_at, invoiced_at, paid_at,
	fiscal_folio, payment_reference, version, created_at, updated_at`

func (s *Store) InsertDeliverable(ctx context.Context, d engine.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries().InsertDeliverable(ctx, d)
}

func (q *queries) InsertDeliverable(ctx context.Context, d engine.Deliverable) error {
	kindsJSON, _ := json.Marshal(d.Kinds)
	evidenceJSON, _ := json.Marshal(evidenceOrEmpty(d.Evidence))
	if d.Version == 0 {
		d.Version = 1
	}

	query := `INSERT INTO deliverables (` + deliverableColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.q.ExecContext(ctx, query,
		d.ID, d.ContractID, d.CompanyID, d.PeriodNumber,
		d.Period.Start.String(), d.Period.End.String(), string(kindsJSON),
		d.Status, string(evidenceJSON),
		formatTimePtr(d.SubmittedAt), formatTimePtr(d.ReviewedAt), principalPtr(d.ReviewerID),
		nullString(d.RejectionReason), d.RevisionCount,
		d.CalculatedAmount.Decimal.String(), moneyPtr(d.ApprovedAmount), paymentPtr(d.PaymentID),
		formatTimePtr(d.PrefacturaSentAt), formatTimePtr(d.PrefacturaRejectedAt), formatTimePtr(d.PrefacturaApprovedAt),
		formatTimePtr(d.InvoicedAt), formatTimePtr(d.PaidAt),
		nullString(d.FiscalFolio), nullString(d.PaymentReference),
		d.Version, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicatePeriod
		}
		return fmt.Errorf("failed to insert deliverable: %w", err)
	}
	return nil
}

func (s *Store) GetDeliverable(ctx context.Context, id engine.DeliverableID) (*engine.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().GetDeliverable(ctx, id)
}

func (q *queries) GetDeliverable(ctx context.Context, id engine.DeliverableID) (*engine.Deliverable, error) {
	query := `SELECT ` + deliverableColumns + ` FROM deliverables WHERE id = ?`
	d, err := scanDeliverable(q.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "deliverable", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deliverable: %w", err)
	}
	return d, nil
}

func (s *Store) UpdateDeliverable(ctx context.Context, d engine.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries().UpdateDeliverable(ctx, d)
}

func (q *queries) UpdateDeliverable(ctx context.Context, d engine.Deliverable) error {
	evidenceJSON, _ := json.Marshal(evidenceOrEmpty(d.Evidence))

	query := `
		UPDATE deliverables SET
			status = ?, evidence_json = ?, submitted_at = ?, reviewed_at = ?, reviewer_id = ?,
			rejection_reason = ?, revision_count = ?, calculated_amount = ?, approved_amount = ?,
			payment_id = ?, prefactura_sent_at = ?, prefactura_rejected_at = ?,
			prefactura_approved_at = ?, invoiced_at = ?, paid_at = ?, fiscal_folio = ?,
			payment_reference = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := q.q.ExecContext(ctx, query,
		d.Status, string(evidenceJSON), formatTimePtr(d.SubmittedAt), formatTimePtr(d.ReviewedAt),
		principalPtr(d.ReviewerID), nullString(d.RejectionReason), d.RevisionCount,
		d.CalculatedAmount.Decimal.String(), moneyPtr(d.ApprovedAmount), paymentPtr(d.PaymentID),
		formatTimePtr(d.PrefacturaSentAt), formatTimePtr(d.PrefacturaRejectedAt),
		formatTimePtr(d.PrefacturaApprovedAt), formatTimePtr(d.InvoicedAt), formatTimePtr(d.PaidAt),
		nullString(d.FiscalFolio), nullString(d.PaymentReference), formatTime(d.UpdatedAt),
		d.ID, d.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update deliverable: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update deliverable: %w", err)
	}
	if n == 0 {
		var exists int
		if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliverables WHERE id = ?`, d.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to update deliverable: %w", err)
		}
		if exists == 0 {
			return &engine.NotFoundError{Entity: "deliverable", ID: string(d.ID)}
		}
		return engine.ErrConcurrentModification
	}
	return nil
}

func (s *Store) DeleteDeliverable(ctx context.Context, id engine.DeliverableID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries().DeleteDeliverable(ctx, id)
}

func (q *queries) DeleteDeliverable(ctx context.Context, id engine.DeliverableID) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM deliverables WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deliverable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Entity: "deliverable", ID: string(id)}
	}
	return nil
}

func (s *Store) ListDeliverables(ctx context.Context, f engine.DeliverableFilter) ([]engine.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().ListDeliverables(ctx, f)
}

func (q *queries) ListDeliverables(ctx context.Context, f engine.DeliverableFilter) ([]engine.Deliverable, error) {
	var (
		where []string
		args  []any
	)
	if f.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, f.ContractID)
	}
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.Companies != nil {
		if len(f.Companies) == 0 {
			return nil, nil
		}
		where = append(where, "company_id IN ("+placeholders(len(f.Companies))+")")
		for _, c := range f.Companies {
			args = append(args, c)
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + deliverableColumns + ` FROM deliverables`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY contract_id, period_number"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliverables: %w", err)
	}
	defer rows.Close()

	var out []engine.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deliverable: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeliverable(row rowScanner) (*engine.Deliverable, error) {
	var (
		d                                                        engine.Deliverable
		periodStart, periodEnd, kindsJSON, evidenceJSON          string
		submittedAt, reviewedAt, reviewerID, rejectionReason     sql.NullString
		calculated                                               string
		approved, paymentID                                      sql.NullString
		prefSent, prefRejected, prefApproved, invoicedAt, paidAt sql.NullString
		fiscalFolio, paymentReference                            sql.NullString
		createdAt, updatedAt                                     string
	)
	err := row.Scan(
		&d.ID, &d.ContractID, &d.CompanyID, &d.PeriodNumber, &periodStart, &periodEnd, &kindsJSON,
		&d.Status, &evidenceJSON, &submittedAt, &reviewedAt, &reviewerID, &rejectionReason,
		&d.RevisionCount, &calculated, &approved, &paymentID,
		&prefSent, &prefRejected, &prefApproved, &invoicedAt, &paidAt,
		&fiscalFolio, &paymentReference, &d.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Period.Start, _ = engine.ParseDate(periodStart)
	d.Period.End, _ = engine.ParseDate(periodEnd)
	_ = json.Unmarshal([]byte(kindsJSON), &d.Kinds)
	_ = json.Unmarshal([]byte(evidenceJSON), &d.Evidence)
	if len(d.Evidence) == 0 {
		d.Evidence = nil
	}

	d.SubmittedAt = parseTimePtr(submittedAt)
	d.ReviewedAt = parseTimePtr(reviewedAt)
	if reviewerID.Valid {
		p := engine.PrincipalID(reviewerID.String)
		d.ReviewerID = &p
	}
	d.RejectionReason = rejectionReason.String
	d.CalculatedAmount = engine.MustParseMoney(calculated)
	if approved.Valid {
		m := engine.MustParseMoney(approved.String)
		d.ApprovedAmount = &m
	}
	if paymentID.Valid {
		p := engine.PaymentID(paymentID.String)
		d.PaymentID = &p
	}
	d.PrefacturaSentAt = parseTimePtr(prefSent)
	d.PrefacturaRejectedAt = parseTimePtr(prefRejected)
	d.PrefacturaApprovedAt = parseTimePtr(prefApproved)
	d.InvoicedAt = parseTimePtr(invoicedAt)
	d.PaidAt = parseTimePtr(paidAt)
	d.FiscalFolio = fiscalFolio.String
	d.PaymentReference = paymentReference.String
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}

// =============================================================================
// PERSONNEL DETAILS
// =============================================================================

func (s *Store) UpsertPersonnelDetail(ctx context.Context, d engine.PersonnelDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries().UpsertPersonnelDetail(ctx, d)
}

func (q *queries) UpsertPersonnelDetail(ctx context.Context, d engine.PersonnelDetail) error {
	query := `
		INSERT INTO personnel_details
			(deliverable_id, category_id, reported_count, validated_count, unit_tariff, subtotal, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deliverable_id, category_id) DO UPDATE SET
			reported_count = excluded.reported_count,
			validated_count = excluded.validated_count,
			unit_tariff = excluded.unit_tariff,
			subtotal = excluded.subtotal,
			updated_at = excluded.updated_at
	`
	_, err := q.q.ExecContext(ctx, query,
		d.DeliverableID, d.CategoryID, d.ReportedCount, d.ValidatedCount,
		d.UnitTariff.Decimal.String(), d.Subtotal.Decimal.String(), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert personnel detail: %w", err)
	}
	return nil
}

func (s *Store) ListPersonnelDetails(ctx context.Context, id engine.DeliverableID) ([]engine.PersonnelDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().ListPersonnelDetails(ctx, id)
}

func (q *queries) ListPersonnelDetails(ctx context.Context, id engine.DeliverableID) ([]engine.PersonnelDetail, error) {
	query := `
		SELECT deliverable_id, category_id, reported_count, validated_count, unit_tariff, subtotal, updated_at
		FROM personnel_details
		WHERE deliverable_id = ?
		ORDER BY category_id
	`
	rows, err := q.q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list personnel details: %w", err)
	}
	defer rows.Close()

	var out []engine.PersonnelDetail
	for rows.Next() {
		var (
			d                           engine.PersonnelDetail
			tariff, subtotal, updatedAt string
		)
		if err := rows.Scan(&d.DeliverableID, &d.CategoryID, &d.ReportedCount, &d.ValidatedCount,
			&tariff, &subtotal, &updatedAt); err != nil {
			return nil, err
		}
		d.UnitTariff = engine.MustParseMoney(tariff)
		d.Subtotal = engine.MustParseMoney(subtotal)
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, deliverable_id, contract_id, amount, status, reference, created_at, updated_at`

func (s *Store) InsertPayment(ctx context.Context, p engine.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries().InsertPayment(ctx, p)
}

func (q *queries) InsertPayment(ctx context.Context, p engine.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		p.ID, p.DeliverableID, p.ContractID, p.Amount.Decimal.String(), p.Status,
		nullString(p.Reference), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Store) UpdatePayment(ctx context.Context, p engine.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries().UpdatePayment(ctx, p)
}

func (q *queries) UpdatePayment(ctx context.Context, p engine.Payment) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE payments SET amount = ?, status = ?, reference = ?, updated_at = ? WHERE id = ?`,
		p.Amount.Decimal.String(), p.Status, nullString(p.Reference), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Entity: "payment", ID: string(p.ID)}
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id engine.PaymentID) (*engine.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().GetPayment(ctx, id)
}

func (q *queries) GetPayment(ctx context.Context, id engine.PaymentID) (*engine.Payment, error) {
	p, err := scanPayment(q.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "payment", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *Store) PaymentsForDeliverable(ctx context.Context, id engine.DeliverableID) ([]engine.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().PaymentsForDeliverable(ctx, id)
}

func (q *queries) PaymentsForDeliverable(ctx context.Context, id engine.DeliverableID) ([]engine.Payment, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE deliverable_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []engine.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(row rowScanner) (*engine.Payment, error) {
	var (
		p                    engine.Payment
		amount               string
		reference            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.DeliverableID, &p.ContractID, &amount, &p.Status,
		&reference, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Amount = engine.MustParseMoney(amount)
	p.Reference = reference.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Store) AppendEvent(ctx context.Context, e engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries().AppendEvent(ctx, e)
}

func (q *queries) AppendEvent(ctx context.Context, e engine.Event) error {
	query := `
		INSERT INTO deliverable_events
			(id, deliverable_id, contract_id, action, from_status, to_status, principal_id, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.q.ExecContext(ctx, query,
		e.ID, e.DeliverableID, e.ContractID, e.Action, e.From, e.To,
		e.PrincipalID, nullString(e.Reason), formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, id engine.DeliverableID) ([]engine.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().ListEvents(ctx, id)
}

func (q *queries) ListEvents(ctx context.Context, id engine.DeliverableID) ([]engine.Event, error) {
	query := `
		SELECT id, deliverable_id, contract_id, action, from_status, to_status, principal_id, reason, at
		FROM deliverable_events
		WHERE deliverable_id = ?
		ORDER BY seq
	`
	rows, err := q.q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []engine.Event
	for rows.Next() {
		var (
			e      engine.Event
			reason sql.NullString
			at     string
		)
		if err := rows.Scan(&e.ID, &e.DeliverableID, &e.ContractID, &e.Action, &e.From, &e.To,
			&e.PrincipalID, &reason, &at); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CONTRACT DIRECTORY - Master data
// =============================================================================

// SaveContract inserts or replaces a contract together with its deliverable
// configs and categories. activeEmployees is keyed by category.
func (s *Store) SaveContract(
	ctx context.Context,
	c engine.Contract,
	configs []engine.DeliverableTypeConfig,
	categories []engine.Category,
	activeEmployees map[engine.CategoryID]int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var endDate sql.NullString
	if c.EndDate != nil {
		endDate = nullString(c.EndDate.String())
	}
	now := formatTime(time.Now().UTC())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contracts (id, company_id, number, start_date, end_date, cancelled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			number = excluded.number,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			cancelled = excluded.cancelled,
			updated_at = excluded.updated_at
	`, c.ID, c.CompanyID, nullString(c.Number), c.StartDate.String(), endDate, c.Cancelled, now, now)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM deliverable_configs WHERE contract_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to replace configs: %w", err)
	}
	for _, cfg := range configs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deliverable_configs (contract_id, kind, periodicity, required, instructions)
			VALUES (?, ?, ?, ?, ?)
		`, c.ID, cfg.Kind, cfg.Periodicity, cfg.Required, nullString(cfg.Instructions))
		if err != nil {
			if isUniqueConstraintError(err) {
				return &engine.ValidationError{Field: "configs", Message: fmt.Sprintf("duplicate config for kind %s", cfg.Kind)}
			}
			return fmt.Errorf("failed to save config: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM contract_categories WHERE contract_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to replace categories: %w", err)
	}
	for _, cat := range categories {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO contract_categories (contract_id, id, name, tariff, active_employees)
			VALUES (?, ?, ?, ?, ?)
		`, c.ID, cat.ID, nullString(cat.Name), cat.Tariff.Decimal.String(), activeEmployees[cat.ID])
		if err != nil {
			return fmt.Errorf("failed to save category: %w", err)
		}
	}

	return tx.Commit()
}

// SetContractCancelled flags a contract as cancelled or active.
func (s *Store) SetContractCancelled(ctx context.Context, id engine.ContractID, cancelled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE contracts SET cancelled = ?, updated_at = ? WHERE id = ?`,
		cancelled, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Entity: "contract", ID: string(id)}
	}
	return nil
}

// SetActiveEmployees overrides the headcount of a contract category.
func (s *Store) SetActiveEmployees(ctx context.Context, contract engine.ContractID, category engine.CategoryID, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE contract_categories SET active_employees = ? WHERE contract_id = ? AND id = ?`,
		n, contract, category)
	if err != nil {
		return fmt.Errorf("failed to update headcount: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return &engine.NotFoundError{Entity: "category", ID: string(category)}
	}
	return nil
}

func (s *Store) GetContract(ctx context.Context, id engine.ContractID) (*engine.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().GetContract(ctx, id)
}

func (q *queries) GetContract(ctx context.Context, id engine.ContractID) (*engine.Contract, error) {
	c, err := scanContract(q.q.QueryRowContext(ctx,
		`SELECT id, company_id, number, start_date, end_date, cancelled FROM contracts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "contract", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

func (s *Store) ListContracts(ctx context.Context) ([]engine.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().ListContracts(ctx)
}

func (q *queries) ListContracts(ctx context.Context) ([]engine.Contract, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, company_id, number, start_date, end_date, cancelled FROM contracts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var out []engine.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContract(row rowScanner) (*engine.Contract, error) {
	var (
		c               engine.Contract
		number, endDate sql.NullString
		startDate       string
	)
	if err := row.Scan(&c.ID, &c.CompanyID, &number, &startDate, &endDate, &c.Cancelled); err != nil {
		return nil, err
	}
	c.Number = number.String
	c.StartDate, _ = engine.ParseDate(startDate)
	if endDate.Valid {
		end, err := engine.ParseDate(endDate.String)
		if err == nil {
			c.EndDate = &end
		}
	}
	return &c, nil
}

func (s *Store) DeliverableConfigs(ctx context.Context, id engine.ContractID) ([]engine.DeliverableTypeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().DeliverableConfigs(ctx, id)
}

func (q *queries) DeliverableConfigs(ctx context.Context, id engine.ContractID) ([]engine.DeliverableTypeConfig, error) {
	if _, err := q.GetContract(ctx, id); err != nil {
		return nil, err
	}

	rows, err := q.q.QueryContext(ctx, `
		SELECT contract_id, kind, periodicity, required, instructions
		FROM deliverable_configs
		WHERE contract_id = ?
		ORDER BY kind
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	var out []engine.DeliverableTypeConfig
	for rows.Next() {
		var (
			cfg          engine.DeliverableTypeConfig
			instructions sql.NullString
		)
		if err := rows.Scan(&cfg.ContractID, &cfg.Kind, &cfg.Periodicity, &cfg.Required, &instructions); err != nil {
			return nil, err
		}
		cfg.Instructions = instructions.String
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) GetCategory(ctx context.Context, contract engine.ContractID, category engine.CategoryID) (*engine.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().GetCategory(ctx, contract, category)
}

func (q *queries) GetCategory(ctx context.Context, contract engine.ContractID, category engine.CategoryID) (*engine.Category, error) {
	var (
		c      engine.Category
		name   sql.NullString
		tariff string
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT contract_id, id, name, tariff FROM contract_categories WHERE contract_id = ? AND id = ?`,
		contract, category,
	).Scan(&c.ContractID, &c.ID, &name, &tariff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Entity: "category", ID: string(category)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	c.Name = name.String
	c.Tariff, err = engine.ParseMoney(tariff)
	if err != nil {
		return nil, fmt.Errorf("corrupt tariff for category %s: %w", category, err)
	}
	return &c, nil
}

func (s *Store) ActiveEmployeeCount(ctx context.Context, contract engine.ContractID, category engine.CategoryID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries().ActiveEmployeeCount(ctx, contract, category)
}

func (q *queries) ActiveEmployeeCount(ctx context.Context, contract engine.ContractID, category engine.CategoryID) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT active_employees FROM contract_categories WHERE contract_id = ? AND id = ?`,
		contract, category,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count active employees: %w", err)
	}
	return n, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"deliverable_events", "payments", "personnel_details", "deliverables",
		"contract_categories", "deliverable_configs", "contracts",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func moneyPtr(m *engine.Money) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return nullString(m.Decimal.String())
}

func principalPtr(p *engine.PrincipalID) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return nullString(string(*p))
}

func paymentPtr(p *engine.PaymentID) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return nullString(string(*p))
}

func evidenceOrEmpty(e []engine.EvidenceHandle) []engine.EvidenceHandle {
	if e == nil {
		return []engine.EvidenceHandle{}
	}
	return e
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
