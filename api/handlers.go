/*
handlers.go - HTTP API handlers for the deliverables engine

PURPOSE:
  Exposes the deliverable lifecycle via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to engine.Service.

ENDPOINTS:
  Contracts (master data feed):
    GET    /api/contracts                      List contracts
    GET    /api/contracts/{id}                 Get contract with its configuration
    PUT    /api/contracts/{id}                 Store contract, then generate periods
    POST   /api/contracts/{id}/generate        Generate missing periods
    POST   /api/contracts/{id}/cancel          Cancel contract and void its deliverables

  Deliverables:
    GET    /api/deliverables                   List (contract_id, company_id, status)
    GET    /api/deliverables/{id}              Get with personnel details
    POST   /api/deliverables/{id}/submit       Vendor submission
    POST   /api/deliverables/{id}/start-review Take into review
    POST   /api/deliverables/{id}/review       Approve or reject
    POST   /api/deliverables/{id}/billing      Billing sub-workflow step
    POST   /api/deliverables/{id}/void         Void (cancelled contracts only)
    DELETE /api/deliverables/{id}              Delete (never approved)
    GET    /api/deliverables/{id}/events       Audit trail

  Payments:
    GET    /api/payments/{id}                  Payment projection

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Service:   Lifecycle operations (transitions, generation, reads)
  - Contracts: Master data repository (also the engine's ContractDirectory)
  - Factory:   JSON to contract conversion

  The acting principal comes from the auth middleware. Permission decisions
  are made by the engine; handlers only scope list/read endpoints so vendors
  see their own companies.

ERROR HANDLING:
  writeEngineError maps engine errors to HTTP status:
  - 400: ValidationError
  - 401: Missing or invalid token (auth middleware)
  - 403: AuthorizationError
  - 404: NotFoundError
  - 409: StateConflictError, concurrent modification
  - 422: ConfigurationError
  - 503: DependencyError
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principal extraction
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/deliverables-engine/engine"
	"github.com/warp/deliverables-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ContractRepository is the master data store behind the contract endpoints.
type ContractRepository interface {
	engine.ContractDirectory
	SaveContract(
		ctx context.Context,
		c engine.Contract,
		configs []engine.DeliverableTypeConfig,
		categories []engine.Category,
		activeEmployees map[engine.CategoryID]int,
	) error
	SetContractCancelled(ctx context.Context, id engine.ContractID, cancelled bool) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *engine.Service
	Contracts ContractRepository
	Factory   *factory.ContractFactory
	Logger    *zap.Logger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *engine.Service, contracts ContractRepository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:   svc,
		Contracts: contracts,
		Factory:   factory.NewContractFactory(),
		Logger:    logger,
	}
}

func (h *Handler) today() engine.Date {
	return engine.DateOf(h.Service.Now())
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns the contracts visible to the principal.
// GET /api/contracts
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := PrincipalFrom(ctx)

	contracts, err := h.Contracts.ListContracts(ctx)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dtos := []ContractDTO{}
	for _, c := range contracts {
		if !canView(p, c.CompanyID) {
			continue
		}
		dto, err := h.contractDTO(ctx, c)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetContract returns a contract with its deliverable configuration.
// GET /api/contracts/{id}
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.Contracts.GetContract(ctx, engine.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if !canView(PrincipalFrom(ctx), c.CompanyID) {
		// Hide existence from other vendors
		h.writeEngineError(w, &engine.NotFoundError{Entity: "contract", ID: string(c.ID)})
		return
	}
	dto, err := h.contractDTO(ctx, *c)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) contractDTO(ctx context.Context, c engine.Contract) (ContractDTO, error) {
	configs, err := h.Contracts.DeliverableConfigs(ctx, c.ID)
	if err != nil {
		return ContractDTO{}, err
	}
	return ContractDTO{factory.ToJSON(c, configs)}, nil
}

// SaveContract stores contract master data and generates its periods.
// PUT /api/contracts/{id}
//
// The contract is stored even when generation reports a configuration
// error; the 422 response tells the caller to fix the dates.
func (h *Handler) SaveContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !requireInstitution(w, PrincipalFrom(ctx)) {
		return
	}

	var cj factory.ContractJSON
	if err := json.NewDecoder(r.Body).Decode(&cj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	if cj.ID == "" {
		cj.ID = id
	}
	if cj.ID != id {
		h.writeEngineError(w, &engine.ValidationError{Field: "id", Message: "body id does not match path"})
		return
	}

	def, err := h.Factory.FromJSON(cj)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.Contracts.SaveContract(ctx, def.Contract, def.Configs, def.Categories, def.ActiveEmployees); err != nil {
		h.writeEngineError(w, err)
		return
	}

	result, err := h.Service.GeneratePeriods(ctx, def.Contract.ID, h.today())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SaveContractResponse{
		Contract:   ContractDTO{factory.ToJSON(def.Contract, def.Configs)},
		Generation: toGenerationDTO(result),
	})
}

// GeneratePeriods runs period generation for one contract.
// POST /api/contracts/{id}/generate
func (h *Handler) GeneratePeriods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !requireInstitution(w, PrincipalFrom(ctx)) {
		return
	}

	result, err := h.Service.GeneratePeriods(ctx, engine.ContractID(chi.URLParam(r, "id")), h.today())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGenerationDTO(result))
}

// CancelContract marks a contract cancelled and voids its open deliverables
// as the acting principal.
// POST /api/contracts/{id}/cancel
func (h *Handler) CancelContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := PrincipalFrom(ctx)
	if !requireInstitution(w, p) {
		return
	}

	var req CancelContractRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := engine.ContractID(chi.URLParam(r, "id"))
	if err := h.Contracts.SetContractCancelled(ctx, id, true); err != nil {
		h.writeEngineError(w, err)
		return
	}

	voided, err := h.Service.VoidContract(ctx, id, p, req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelContractResponse{
		ContractID: string(id),
		Voided:     toDeliverableDTOs(voided),
	})
}

// =============================================================================
// DELIVERABLE HANDLERS
// =============================================================================

// ListDeliverables lists deliverables by contract or company, optionally by status.
// GET /api/deliverables?contract_id=&company_id=&status=submitted,in_review
func (h *Handler) ListDeliverables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := PrincipalFrom(ctx)
	q := r.URL.Query()

	filter := engine.DeliverableFilter{
		ContractID: engine.ContractID(q.Get("contract_id")),
		CompanyID:  engine.CompanyID(q.Get("company_id")),
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, engine.Status(s))
			}
		}
	}
	if filter.ContractID == "" && filter.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "contract_id or company_id is required", nil)
		return
	}

	if p.Role == engine.RoleVendor {
		filter.Companies = p.Companies()
		if len(filter.Companies) == 0 {
			writeJSON(w, http.StatusOK, []DeliverableDTO{})
			return
		}
	}

	list, err := h.Service.ListDeliverables(ctx, filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliverableDTOs(list))
}

// GetDeliverable returns one deliverable with its personnel details.
// GET /api/deliverables/{id}
func (h *Handler) GetDeliverable(w http.ResponseWriter, r *http.Request) {
	d, ok := h.visibleDeliverable(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDeliverableDTO(*d))
}

// SubmitDeliverable records a vendor submission.
// POST /api/deliverables/{id}/submit
func (h *Handler) SubmitDeliverable(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := engine.SubmitInput{}
	for _, e := range req.Evidence {
		in.Evidence = append(in.Evidence, engine.EvidenceHandle(e))
	}
	if len(req.Personnel) > 0 {
		in.Personnel = make(map[engine.CategoryID]int, len(req.Personnel))
		for cat, n := range req.Personnel {
			in.Personnel[engine.CategoryID(cat)] = n
		}
	}

	ctx := r.Context()
	d, err := h.Service.SubmitDeliverable(ctx, deliverableID(r), PrincipalFrom(ctx), in)
	h.writeTransition(w, d, err)
}

// StartReview takes a submitted deliverable into review.
// POST /api/deliverables/{id}/start-review
func (h *Handler) StartReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.Service.StartReview(ctx, deliverableID(r), PrincipalFrom(ctx))
	h.writeTransition(w, d, err)
}

// ReviewDeliverable approves or rejects a deliverable.
// POST /api/deliverables/{id}/review
func (h *Handler) ReviewDeliverable(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := engine.ReviewInput{
		Decision: engine.Decision(req.Decision),
		Reason:   req.Reason,
	}
	if req.ApprovedAmount != "" {
		amount, err := engine.ParseMoney(req.ApprovedAmount)
		if err != nil {
			h.writeEngineError(w, &engine.ValidationError{Field: "approved_amount", Message: "invalid decimal"})
			return
		}
		in.ApprovedAmount = &amount
	}

	ctx := r.Context()
	d, err := h.Service.ReviewDeliverable(ctx, deliverableID(r), PrincipalFrom(ctx), in)
	h.writeTransition(w, d, err)
}

// AdvanceBilling applies one billing sub-workflow step.
// POST /api/deliverables/{id}/billing
func (h *Handler) AdvanceBilling(w http.ResponseWriter, r *http.Request) {
	var req BillingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	d, err := h.Service.AdvanceBilling(ctx, deliverableID(r), PrincipalFrom(ctx), engine.BillingInput{
		State:     engine.BillingState(req.State),
		Reference: req.Reference,
		Reason:    req.Reason,
	})
	h.writeTransition(w, d, err)
}

// VoidDeliverable voids a deliverable of a cancelled contract.
// POST /api/deliverables/{id}/void
func (h *Handler) VoidDeliverable(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	d, err := h.Service.VoidDeliverable(ctx, deliverableID(r), PrincipalFrom(ctx), req.Reason)
	h.writeTransition(w, d, err)
}

// DeleteDeliverable removes a deliverable that was never approved.
// DELETE /api/deliverables/{id}
func (h *Handler) DeleteDeliverable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Service.DeleteDeliverable(ctx, deliverableID(r), PrincipalFrom(ctx)); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEvents returns the audit trail of a deliverable.
// GET /api/deliverables/{id}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	d, ok := h.visibleDeliverable(w, r)
	if !ok {
		return
	}
	events, err := h.Service.Events(r.Context(), d.ID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// GetPayment returns a payment projection.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pay, err := h.Service.GetPayment(ctx, engine.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	d, err := h.Service.GetDeliverable(ctx, pay.DeliverableID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if !canView(PrincipalFrom(ctx), d.CompanyID) {
		h.writeEngineError(w, &engine.NotFoundError{Entity: "payment", ID: string(pay.ID)})
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*pay))
}

// =============================================================================
// HELPERS
// =============================================================================

func deliverableID(r *http.Request) engine.DeliverableID {
	return engine.DeliverableID(chi.URLParam(r, "id"))
}

// visibleDeliverable loads the deliverable in the URL and hides it from
// principals of other companies.
func (h *Handler) visibleDeliverable(w http.ResponseWriter, r *http.Request) (*engine.Deliverable, bool) {
	ctx := r.Context()
	d, err := h.Service.GetDeliverable(ctx, deliverableID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return nil, false
	}
	if !canView(PrincipalFrom(ctx), d.CompanyID) {
		h.writeEngineError(w, &engine.NotFoundError{Entity: "deliverable", ID: string(d.ID)})
		return nil, false
	}
	return d, true
}

// canView reports whether p may read records of company. Institution users
// see everything; vendors only their companies.
func canView(p engine.Principal, company engine.CompanyID) bool {
	switch p.Role {
	case engine.RoleAdmin, engine.RoleStaff:
		return p.ID != ""
	case engine.RoleVendor:
		for _, c := range p.Companies() {
			if c == company {
				return true
			}
		}
	}
	return false
}

// requireInstitution guards master data endpoints.
func requireInstitution(w http.ResponseWriter, p engine.Principal) bool {
	if p.ID != "" && (p.Role == engine.RoleAdmin || p.Role == engine.RoleStaff) {
		return true
	}
	writeError(w, http.StatusForbidden, "Institution principal required", nil)
	return false
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) writeTransition(w http.ResponseWriter, d *engine.Deliverable, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliverableDTO(*d))
}

// writeEngineError maps engine errors to HTTP responses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var (
		vErr *engine.ValidationError
		sErr *engine.StateConflictError
		aErr *engine.AuthorizationError
		cErr *engine.ConfigurationError
	)

	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: vErr.Error(), Code: "validation", Details: map[string]string{"field": vErr.Field}})
	case errors.As(err, &aErr):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: aErr.Error(), Code: "forbidden"})
	case errors.Is(err, engine.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &sErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   sErr.Error(),
			Code:    "state_conflict",
			Details: map[string]string{"current_status": string(sErr.Current), "action": string(sErr.Action)},
		})
	case errors.Is(err, engine.ErrStateConflict), errors.Is(err, engine.ErrConcurrentModification), errors.Is(err, engine.ErrDuplicatePeriod):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "state_conflict"})
	case errors.As(err, &cErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: cErr.Error(), Code: "configuration"})
	case errors.Is(err, engine.ErrDependency):
		h.Logger.Warn("dependency failure", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "A dependency is unavailable, the request can be retried",
			Code:  "dependency",
		})
	default:
		// Causes stay in the log; store errors can carry SQL details.
		h.Logger.Error("unhandled error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Internal error, the request can be retried",
			Code:  "internal",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
