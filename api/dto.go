/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract: money is rendered as
  fixed two-place decimal strings, dates as YYYY-MM-DD, optional fields as
  omitted keys.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/contract.go: ContractJSON type
*/
package api

import (
	"time"

	"github.com/warp/deliverables-engine/engine"
	"github.com/warp/deliverables-engine/factory"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// ContractDTO is a stored contract with its deliverable configuration.
type ContractDTO struct {
	factory.ContractJSON
}

// GenerationDTO summarizes a period generation run.
type GenerationDTO struct {
	ContractID string           `json:"contract_id"`
	Planned    int              `json:"planned"`
	Existing   int              `json:"existing"`
	Created    []DeliverableDTO `json:"created"`
}

// SaveContractResponse is returned by PUT /api/contracts/{id}.
type SaveContractResponse struct {
	Contract   ContractDTO    `json:"contract"`
	Generation *GenerationDTO `json:"generation,omitempty"`
}

// CancelContractRequest is the body of POST /api/contracts/{id}/cancel.
type CancelContractRequest struct {
	Reason string `json:"reason"`
}

// CancelContractResponse lists the deliverables voided by a cancellation.
type CancelContractResponse struct {
	ContractID string           `json:"contract_id"`
	Voided     []DeliverableDTO `json:"voided"`
}

// =============================================================================
// DELIVERABLES
// =============================================================================

// DeliverableDTO represents a deliverable in API responses.
type DeliverableDTO struct {
	ID           string   `json:"id"`
	ContractID   string   `json:"contract_id"`
	CompanyID    string   `json:"company_id"`
	PeriodNumber int      `json:"period_number"`
	PeriodStart  string   `json:"period_start"`
	PeriodEnd    string   `json:"period_end"`
	Kinds        []string `json:"kinds"`
	Status       string   `json:"status"`

	Evidence        []string   `json:"evidence"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	ReviewerID      string     `json:"reviewer_id,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	RevisionCount   int        `json:"revision_count"`

	CalculatedAmount string `json:"calculated_amount"`
	ApprovedAmount   string `json:"approved_amount,omitempty"`
	PaymentID        string `json:"payment_id,omitempty"`

	PrefacturaSentAt     *time.Time `json:"prefactura_sent_at,omitempty"`
	PrefacturaRejectedAt *time.Time `json:"prefactura_rejected_at,omitempty"`
	PrefacturaApprovedAt *time.Time `json:"prefactura_approved_at,omitempty"`
	InvoicedAt           *time.Time `json:"invoiced_at,omitempty"`
	PaidAt               *time.Time `json:"paid_at,omitempty"`
	FiscalFolio          string     `json:"fiscal_folio,omitempty"`
	PaymentReference     string     `json:"payment_reference,omitempty"`

	AvailableActions []string             `json:"available_actions"`
	Details          []PersonnelDetailDTO `json:"details,omitempty"`
	Version          int                  `json:"version"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// PersonnelDetailDTO is one roster line.
type PersonnelDetailDTO struct {
	CategoryID     string `json:"category_id"`
	ReportedCount  int    `json:"reported_count"`
	ValidatedCount int    `json:"validated_count"`
	UnitTariff     string `json:"unit_tariff"`
	Subtotal       string `json:"subtotal"`
}

// SubmitRequest is the body of POST /api/deliverables/{id}/submit.
type SubmitRequest struct {
	Evidence  []string       `json:"evidence"`
	Personnel map[string]int `json:"personnel"`
}

// ReviewRequest is the body of POST /api/deliverables/{id}/review.
type ReviewRequest struct {
	Decision       string `json:"decision"` // approve or reject
	Reason         string `json:"reason,omitempty"`
	ApprovedAmount string `json:"approved_amount,omitempty"`
}

// BillingRequest is the body of POST /api/deliverables/{id}/billing.
type BillingRequest struct {
	State     string `json:"state"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// VoidRequest is the body of POST /api/deliverables/{id}/void.
type VoidRequest struct {
	Reason string `json:"reason"`
}

// EventDTO is one audit trail entry.
type EventDTO struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	PrincipalID string    `json:"principal_id"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// PaymentDTO is the payment projection.
type PaymentDTO struct {
	ID            string    `json:"id"`
	DeliverableID string    `json:"deliverable_id"`
	ContractID    string    `json:"contract_id"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	Reference     string    `json:"reference,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toDeliverableDTO(d engine.Deliverable) DeliverableDTO {
	dto := DeliverableDTO{
		ID:                   string(d.ID),
		ContractID:           string(d.ContractID),
		CompanyID:            string(d.CompanyID),
		PeriodNumber:         d.PeriodNumber,
		PeriodStart:          d.Period.Start.String(),
		PeriodEnd:            d.Period.End.String(),
		Kinds:                make([]string, len(d.Kinds)),
		Status:               string(d.Status),
		Evidence:             make([]string, len(d.Evidence)),
		SubmittedAt:          d.SubmittedAt,
		ReviewedAt:           d.ReviewedAt,
		RejectionReason:      d.RejectionReason,
		RevisionCount:        d.RevisionCount,
		CalculatedAmount:     d.CalculatedAmount.String(),
		PrefacturaSentAt:     d.PrefacturaSentAt,
		PrefacturaRejectedAt: d.PrefacturaRejectedAt,
		PrefacturaApprovedAt: d.PrefacturaApprovedAt,
		InvoicedAt:           d.InvoicedAt,
		PaidAt:               d.PaidAt,
		FiscalFolio:          d.FiscalFolio,
		PaymentReference:     d.PaymentReference,
		AvailableActions:     []string{},
		Version:              d.Version,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
	for i, k := range d.Kinds {
		dto.Kinds[i] = string(k)
	}
	for i, e := range d.Evidence {
		dto.Evidence[i] = string(e)
	}
	if d.ReviewerID != nil {
		dto.ReviewerID = string(*d.ReviewerID)
	}
	if d.ApprovedAmount != nil {
		dto.ApprovedAmount = d.ApprovedAmount.String()
	}
	if d.PaymentID != nil {
		dto.PaymentID = string(*d.PaymentID)
	}
	for _, a := range engine.AvailableActions(d.Status) {
		dto.AvailableActions = append(dto.AvailableActions, string(a))
	}
	for _, pd := range d.Details {
		dto.Details = append(dto.Details, PersonnelDetailDTO{
			CategoryID:     string(pd.CategoryID),
			ReportedCount:  pd.ReportedCount,
			ValidatedCount: pd.ValidatedCount,
			UnitTariff:     pd.UnitTariff.Decimal.String(),
			Subtotal:       pd.Subtotal.String(),
		})
	}
	return dto
}

func toDeliverableDTOs(list []engine.Deliverable) []DeliverableDTO {
	out := make([]DeliverableDTO, len(list))
	for i, d := range list {
		out[i] = toDeliverableDTO(d)
	}
	return out
}

func toGenerationDTO(r *engine.GenerationResult) *GenerationDTO {
	return &GenerationDTO{
		ContractID: string(r.ContractID),
		Planned:    r.Planned,
		Existing:   r.Existing,
		Created:    toDeliverableDTOs(r.Created),
	}
}

func toEventDTO(e engine.Event) EventDTO {
	return EventDTO{
		ID:          e.ID,
		Action:      string(e.Action),
		From:        string(e.From),
		To:          string(e.To),
		PrincipalID: string(e.PrincipalID),
		Reason:      e.Reason,
		At:          e.At,
	}
}

func toPaymentDTO(p engine.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		DeliverableID: string(p.DeliverableID),
		ContractID:    string(p.ContractID),
		Amount:        p.Amount.String(),
		Status:        string(p.Status),
		Reference:     p.Reference,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
