// Package store provides in-memory engine.TxStore and engine.ContractDirectory implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/deliverables-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

type detailKey struct {
	DeliverableID engine.DeliverableID
	CategoryID    engine.CategoryID
}

type categoryKey struct {
	ContractID engine.ContractID
	CategoryID engine.CategoryID
}

// memState holds every table. WithTx runs against a clone and swaps it in on success.
type memState struct {
	deliverables map[engine.DeliverableID]engine.Deliverable
	details      map[detailKey]engine.PersonnelDetail
	payments     map[engine.PaymentID]engine.Payment
	events       []engine.Event

	contracts  map[engine.ContractID]engine.Contract
	configs    map[engine.ContractID][]engine.DeliverableTypeConfig
	categories map[categoryKey]engine.Category
	headcount  map[categoryKey]int
}

func newMemState() *memState {
	return &memState{
		deliverables: make(map[engine.DeliverableID]engine.Deliverable),
		details:      make(map[detailKey]engine.PersonnelDetail),
		payments:     make(map[engine.PaymentID]engine.Payment),
		contracts:    make(map[engine.ContractID]engine.Contract),
		configs:      make(map[engine.ContractID][]engine.DeliverableTypeConfig),
		categories:   make(map[categoryKey]engine.Category),
		headcount:    make(map[categoryKey]int),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.deliverables {
		c.deliverables[k] = copyDeliverable(v)
	}
	for k, v := range s.details {
		c.details[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	c.events = append([]engine.Event(nil), s.events...)
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.configs {
		c.configs[k] = append([]engine.DeliverableTypeConfig(nil), v...)
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.headcount {
		c.headcount[k] = v
	}
	return c
}

func copyDeliverable(d engine.Deliverable) engine.Deliverable {
	d.Kinds = append([]engine.DeliverableKind(nil), d.Kinds...)
	d.Evidence = append([]engine.EvidenceHandle(nil), d.Evidence...)
	d.Details = nil
	return d
}

// =============================================================================
// STORE - Locking wrappers
// =============================================================================

func (m *Memory) InsertDeliverable(ctx context.Context, d engine.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertDeliverable(ctx, d)
}

func (m *Memory) GetDeliverable(ctx context.Context, id engine.DeliverableID) (*engine.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetDeliverable(ctx, id)
}

func (m *Memory) UpdateDeliverable(ctx context.Context, d engine.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateDeliverable(ctx, d)
}

func (m *Memory) DeleteDeliverable(ctx context.Context, id engine.DeliverableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteDeliverable(ctx, id)
}

func (m *Memory) ListDeliverables(ctx context.Context, f engine.DeliverableFilter) ([]engine.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListDeliverables(ctx, f)
}

func (m *Memory) UpsertPersonnelDetail(ctx context.Context, d engine.PersonnelDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpsertPersonnelDetail(ctx, d)
}

func (m *Memory) ListPersonnelDetails(ctx context.Context, id engine.DeliverableID) ([]engine.PersonnelDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListPersonnelDetails(ctx, id)
}

func (m *Memory) InsertPayment(ctx context.Context, p engine.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertPayment(ctx, p)
}

func (m *Memory) UpdatePayment(ctx context.Context, p engine.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id engine.PaymentID) (*engine.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetPayment(ctx, id)
}

func (m *Memory) PaymentsForDeliverable(ctx context.Context, id engine.DeliverableID) ([]engine.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.PaymentsForDeliverable(ctx, id)
}

func (m *Memory) AppendEvent(ctx context.Context, e engine.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendEvent(ctx, e)
}

func (m *Memory) ListEvents(ctx context.Context, id engine.DeliverableID) ([]engine.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListEvents(ctx, id)
}

// WithTx executes fn within a transaction.
// For memory store, fn runs against a copy that replaces the live state on success.
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	m.state = working
	return nil
}

// =============================================================================
// STATE OPERATIONS - Caller holds the lock
// =============================================================================

func (s *memState) InsertDeliverable(_ context.Context, d engine.Deliverable) error {
	if _, ok := s.deliverables[d.ID]; ok {
		return fmt.Errorf("deliverable %s already exists", d.ID)
	}
	for _, existing := range s.deliverables {
		if existing.ContractID == d.ContractID && existing.PeriodNumber == d.PeriodNumber {
			return engine.ErrDuplicatePeriod
		}
	}
	if d.Version == 0 {
		d.Version = 1
	}
	s.deliverables[d.ID] = copyDeliverable(d)
	return nil
}

func (s *memState) GetDeliverable(_ context.Context, id engine.DeliverableID) (*engine.Deliverable, error) {
	d, ok := s.deliverables[id]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "deliverable", ID: string(id)}
	}
	out := copyDeliverable(d)
	return &out, nil
}

func (s *memState) UpdateDeliverable(_ context.Context, d engine.Deliverable) error {
	stored, ok := s.deliverables[d.ID]
	if !ok {
		return &engine.NotFoundError{Entity: "deliverable", ID: string(d.ID)}
	}
	if stored.Version != d.Version {
		return engine.ErrConcurrentModification
	}
	d.Version++
	s.deliverables[d.ID] = copyDeliverable(d)
	return nil
}

func (s *memState) DeleteDeliverable(_ context.Context, id engine.DeliverableID) error {
	if _, ok := s.deliverables[id]; !ok {
		return &engine.NotFoundError{Entity: "deliverable", ID: string(id)}
	}
	delete(s.deliverables, id)
	for k := range s.details {
		if k.DeliverableID == id {
			delete(s.details, k)
		}
	}
	return nil
}

func (s *memState) ListDeliverables(_ context.Context, f engine.DeliverableFilter) ([]engine.Deliverable, error) {
	var out []engine.Deliverable
	for _, d := range s.deliverables {
		if matches(d, f) {
			out = append(out, copyDeliverable(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContractID != out[j].ContractID {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].PeriodNumber < out[j].PeriodNumber
	})
	return out, nil
}

func matches(d engine.Deliverable, f engine.DeliverableFilter) bool {
	if f.ContractID != "" && d.ContractID != f.ContractID {
		return false
	}
	if f.CompanyID != "" && d.CompanyID != f.CompanyID {
		return false
	}
	if f.Companies != nil && !containsCompany(f.Companies, d.CompanyID) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if st == d.Status {
				return true
			}
		}
		return false
	}
	return true
}

func containsCompany(list []engine.CompanyID, c engine.CompanyID) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func (s *memState) UpsertPersonnelDetail(_ context.Context, d engine.PersonnelDetail) error {
	if _, ok := s.deliverables[d.DeliverableID]; !ok {
		return &engine.NotFoundError{Entity: "deliverable", ID: string(d.DeliverableID)}
	}
	s.details[detailKey{d.DeliverableID, d.CategoryID}] = d
	return nil
}

func (s *memState) ListPersonnelDetails(_ context.Context, id engine.DeliverableID) ([]engine.PersonnelDetail, error) {
	var out []engine.PersonnelDetail
	for k, d := range s.details {
		if k.DeliverableID == id {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out, nil
}

func (s *memState) InsertPayment(_ context.Context, p engine.Payment) error {
	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	s.payments[p.ID] = p
	return nil
}

func (s *memState) UpdatePayment(_ context.Context, p engine.Payment) error {
	if _, ok := s.payments[p.ID]; !ok {
		return &engine.NotFoundError{Entity: "payment", ID: string(p.ID)}
	}
	s.payments[p.ID] = p
	return nil
}

func (s *memState) GetPayment(_ context.Context, id engine.PaymentID) (*engine.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "payment", ID: string(id)}
	}
	return &p, nil
}

func (s *memState) PaymentsForDeliverable(_ context.Context, id engine.DeliverableID) ([]engine.Payment, error) {
	var out []engine.Payment
	for _, p := range s.payments {
		if p.DeliverableID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memState) AppendEvent(_ context.Context, e engine.Event) error {
	s.events = append(s.events, e)
	return nil
}

func (s *memState) ListEvents(_ context.Context, id engine.DeliverableID) ([]engine.Event, error) {
	var out []engine.Event
	for _, e := range s.events {
		if e.DeliverableID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// CONTRACT DIRECTORY
// =============================================================================

// SaveContract inserts or replaces a contract with its configs and categories.
// activeEmployees is keyed by category.
func (m *Memory) SaveContract(
	_ context.Context,
	c engine.Contract,
	configs []engine.DeliverableTypeConfig,
	categories []engine.Category,
	activeEmployees map[engine.CategoryID]int,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	s.contracts[c.ID] = c
	s.configs[c.ID] = append([]engine.DeliverableTypeConfig(nil), configs...)
	for k := range s.categories {
		if k.ContractID == c.ID {
			delete(s.categories, k)
			delete(s.headcount, k)
		}
	}
	for _, cat := range categories {
		cat.ContractID = c.ID
		k := categoryKey{c.ID, cat.ID}
		s.categories[k] = cat
		s.headcount[k] = activeEmployees[cat.ID]
	}
	return nil
}

// SetContractCancelled flags a contract as cancelled or active.
func (m *Memory) SetContractCancelled(_ context.Context, id engine.ContractID, cancelled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.state.contracts[id]
	if !ok {
		return &engine.NotFoundError{Entity: "contract", ID: string(id)}
	}
	c.Cancelled = cancelled
	m.state.contracts[id] = c
	return nil
}

// SetActiveEmployees overrides the headcount of a contract category.
func (m *Memory) SetActiveEmployees(_ context.Context, contract engine.ContractID, category engine.CategoryID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.headcount[categoryKey{contract, category}] = n
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemState()
	return nil
}

func (m *Memory) GetContract(ctx context.Context, id engine.ContractID) (*engine.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetContract(ctx, id)
}

func (m *Memory) ListContracts(ctx context.Context) ([]engine.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListContracts(ctx)
}

func (m *Memory) DeliverableConfigs(ctx context.Context, id engine.ContractID) ([]engine.DeliverableTypeConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DeliverableConfigs(ctx, id)
}

func (m *Memory) GetCategory(ctx context.Context, contract engine.ContractID, category engine.CategoryID) (*engine.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCategory(ctx, contract, category)
}

func (m *Memory) ActiveEmployeeCount(ctx context.Context, contract engine.ContractID, category engine.CategoryID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ActiveEmployeeCount(ctx, contract, category)
}

// The transaction view serves master data too, so reads inside WithTx don't
// re-enter the lock.

func (s *memState) GetContract(_ context.Context, id engine.ContractID) (*engine.Contract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "contract", ID: string(id)}
	}
	return &c, nil
}

func (s *memState) ListContracts(_ context.Context) ([]engine.Contract, error) {
	out := make([]engine.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) DeliverableConfigs(_ context.Context, id engine.ContractID) ([]engine.DeliverableTypeConfig, error) {
	if _, ok := s.contracts[id]; !ok {
		return nil, &engine.NotFoundError{Entity: "contract", ID: string(id)}
	}
	return append([]engine.DeliverableTypeConfig(nil), s.configs[id]...), nil
}

func (s *memState) GetCategory(_ context.Context, contract engine.ContractID, category engine.CategoryID) (*engine.Category, error) {
	c, ok := s.categories[categoryKey{contract, category}]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "category", ID: string(category)}
	}
	return &c, nil
}

func (s *memState) ActiveEmployeeCount(_ context.Context, contract engine.ContractID, category engine.CategoryID) (int, error) {
	return s.headcount[categoryKey{contract, category}], nil
}
