/*
Package factory provides JSON to Go contract conversion.

PURPOSE:
  Converts JSON contract definitions (as sent by contract management) into
  engine.Contract, its DeliverableTypeConfig rows and its categories. This
  is how master data enters the system: the API stores the result and then
  triggers period generation.

JSON SCHEMA:
  {
    "id": "c-2026-014",
    "company_id": "acme",
    "number": "LPN-014/2026",
    "start_date": "2026-01-01",
    "end_date": "2026-06-30",
    "deliverables": [
      {"kind": "photographic", "periodicity": "monthly", "instructions": "Before/after photos"},
      {"kind": "personnel_listing", "periodicity": "monthly"}
    ],
    "categories": [
      {"id": "cleaning", "name": "Cleaning staff", "tariff": "100.00", "active_employees": 8}
    ]
  }

VALIDATION:
  - id, company_id and start_date are required
  - kinds and periodicities must be known; one config per kind
  - tariffs are decimal strings and must not be negative
  - end_date before start_date is accepted here: period generation reports
    it as a ConfigurationError, so stored contracts surface the problem

USAGE:
  f := NewContractFactory()
  def, err := f.ParseContract(jsonString)
  store.SaveContract(ctx, def.Contract, def.Configs, def.Categories, def.ActiveEmployees)

SEE ALSO:
  - engine/types.go: Contract and DeliverableTypeConfig
  - api/handlers.go: PUT /api/contracts/{id}
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/deliverables-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ContractJSON is the JSON representation of a contract.
type ContractJSON struct {
	ID           string            `json:"id"`
	CompanyID    string            `json:"company_id"`
	Number       string            `json:"number,omitempty"`
	StartDate    string            `json:"start_date"`
	EndDate      string            `json:"end_date,omitempty"` // empty = open-ended
	Cancelled    bool              `json:"cancelled,omitempty"`
	Deliverables []DeliverableJSON `json:"deliverables"`
	Categories   []CategoryJSON    `json:"categories,omitempty"`
}

// DeliverableJSON configures one deliverable kind.
type DeliverableJSON struct {
	Kind         string `json:"kind"`
	Periodicity  string `json:"periodicity"`
	Required     *bool  `json:"required,omitempty"` // Default true
	Instructions string `json:"instructions,omitempty"`
}

// CategoryJSON is a job category with its tariff and authoritative headcount.
type CategoryJSON struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Tariff          string `json:"tariff"`
	ActiveEmployees int    `json:"active_employees"`
}

// ContractDefinition is everything needed to store a contract.
type ContractDefinition struct {
	Contract        engine.Contract
	Configs         []engine.DeliverableTypeConfig
	Categories      []engine.Category
	ActiveEmployees map[engine.CategoryID]int
}

// =============================================================================
// CONTRACT FACTORY
// =============================================================================

// ContractFactory converts JSON contracts to engine structs.
type ContractFactory struct{}

// NewContractFactory creates a new contract factory.
func NewContractFactory() *ContractFactory {
	return &ContractFactory{}
}

// ParseContract parses a JSON string into a ContractDefinition.
func (f *ContractFactory) ParseContract(jsonStr string) (*ContractDefinition, error) {
	var cj ContractJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, &engine.ValidationError{Field: "body", Message: fmt.Sprintf("failed to parse contract JSON: %v", err)}
	}
	return f.FromJSON(cj)
}

// FromJSON converts ContractJSON to a ContractDefinition.
func (f *ContractFactory) FromJSON(cj ContractJSON) (*ContractDefinition, error) {
	if cj.ID == "" {
		return nil, &engine.ValidationError{Field: "id", Message: "required"}
	}
	if cj.CompanyID == "" {
		return nil, &engine.ValidationError{Field: "company_id", Message: "required"}
	}
	if cj.StartDate == "" {
		return nil, &engine.ValidationError{Field: "start_date", Message: "required"}
	}
	start, err := engine.ParseDate(cj.StartDate)
	if err != nil {
		return nil, &engine.ValidationError{Field: "start_date", Message: err.Error()}
	}

	def := &ContractDefinition{
		Contract: engine.Contract{
			ID:        engine.ContractID(cj.ID),
			CompanyID: engine.CompanyID(cj.CompanyID),
			Number:    cj.Number,
			StartDate: start,
			Cancelled: cj.Cancelled,
		},
		ActiveEmployees: make(map[engine.CategoryID]int),
	}

	if cj.EndDate != "" {
		end, err := engine.ParseDate(cj.EndDate)
		if err != nil {
			return nil, &engine.ValidationError{Field: "end_date", Message: err.Error()}
		}
		def.Contract.EndDate = &end
	}

	// Parse deliverable configs
	seenKinds := make(map[engine.DeliverableKind]bool)
	for i, dj := range cj.Deliverables {
		cfg, err := parseConfig(def.Contract.ID, dj)
		if err != nil {
			return nil, fmt.Errorf("deliverables[%d]: %w", i, err)
		}
		if seenKinds[cfg.Kind] {
			return nil, &engine.ValidationError{Field: "deliverables", Message: "duplicate kind " + string(cfg.Kind)}
		}
		seenKinds[cfg.Kind] = true
		def.Configs = append(def.Configs, cfg)
	}

	// Parse categories
	for i, catj := range cj.Categories {
		cat, err := parseCategory(def.Contract.ID, catj)
		if err != nil {
			return nil, fmt.Errorf("categories[%d]: %w", i, err)
		}
		if _, dup := def.ActiveEmployees[cat.ID]; dup {
			return nil, &engine.ValidationError{Field: "categories", Message: "duplicate category " + string(cat.ID)}
		}
		def.Categories = append(def.Categories, cat)
		def.ActiveEmployees[cat.ID] = catj.ActiveEmployees
	}

	return def, nil
}

func parseConfig(contractID engine.ContractID, dj DeliverableJSON) (engine.DeliverableTypeConfig, error) {
	kind := engine.DeliverableKind(dj.Kind)
	if !kind.Valid() {
		return engine.DeliverableTypeConfig{}, &engine.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", dj.Kind)}
	}
	periodicity := engine.Periodicity(dj.Periodicity)
	if !periodicity.Valid() {
		return engine.DeliverableTypeConfig{}, &engine.ValidationError{Field: "periodicity", Message: fmt.Sprintf("unknown periodicity %q", dj.Periodicity)}
	}

	required := true
	if dj.Required != nil {
		required = *dj.Required
	}
	return engine.DeliverableTypeConfig{
		ContractID:   contractID,
		Kind:         kind,
		Periodicity:  periodicity,
		Required:     required,
		Instructions: dj.Instructions,
	}, nil
}

func parseCategory(contractID engine.ContractID, cj CategoryJSON) (engine.Category, error) {
	if cj.ID == "" {
		return engine.Category{}, &engine.ValidationError{Field: "id", Message: "required"}
	}
	tariff, err := engine.ParseMoney(cj.Tariff)
	if err != nil {
		return engine.Category{}, &engine.ValidationError{Field: "tariff", Message: fmt.Sprintf("invalid decimal %q", cj.Tariff)}
	}
	if tariff.IsNegative() {
		return engine.Category{}, &engine.ValidationError{Field: "tariff", Message: "must not be negative"}
	}
	if cj.ActiveEmployees < 0 {
		return engine.Category{}, &engine.ValidationError{Field: "active_employees", Message: "must not be negative"}
	}
	return engine.Category{
		ContractID: contractID,
		ID:         engine.CategoryID(cj.ID),
		Name:       cj.Name,
		Tariff:     tariff,
	}, nil
}

// =============================================================================
// REVERSE CONVERSION
// =============================================================================

// ToJSON renders a stored contract back into its JSON form.
func ToJSON(c engine.Contract, configs []engine.DeliverableTypeConfig) ContractJSON {
	cj := ContractJSON{
		ID:           string(c.ID),
		CompanyID:    string(c.CompanyID),
		Number:       c.Number,
		StartDate:    c.StartDate.String(),
		Cancelled:    c.Cancelled,
		Deliverables: make([]DeliverableJSON, 0, len(configs)),
	}
	if c.EndDate != nil {
		cj.EndDate = c.EndDate.String()
	}
	for _, cfg := range configs {
		required := cfg.Required
		cj.Deliverables = append(cj.Deliverables, DeliverableJSON{
			Kind:         string(cfg.Kind),
			Periodicity:  string(cfg.Periodicity),
			Required:     &required,
			Instructions: cfg.Instructions,
		})
	}
	return cj
}
