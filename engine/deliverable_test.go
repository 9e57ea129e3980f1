package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/deliverables-engine/engine"
	"github.com/warp/deliverables-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testContract engine.ContractID = "contract-1"
	testCompany  engine.CompanyID  = "acme"
	categoryA    engine.CategoryID = "cat-a"
	categoryB    engine.CategoryID = "cat-b"
)

var (
	testNow = time.Date(2026, time.February, 3, 10, 0, 0, 0, time.UTC)

	admin = engine.Principal{ID: "admin-1", Role: engine.RoleAdmin}

	staff = engine.Principal{ID: "staff-1", Role: engine.RoleStaff, Grants: []engine.Grant{
		{Module: engine.ModuleDeliverables, Operate: true, Authorize: true},
		{Module: engine.ModuleBilling, Operate: true, Authorize: true},
	}}

	// vendor may operate (submit, send prefactura) but never authorize.
	vendor = engine.Principal{ID: "vendor-1", Role: engine.RoleVendor, Grants: []engine.Grant{
		{CompanyID: testCompany, Module: engine.ModuleDeliverables, Operate: true},
		{CompanyID: testCompany, Module: engine.ModuleBilling, Operate: true},
	}}
)

type fixture struct {
	svc    *engine.Service
	mem    *store.Memory
	events []engine.Event
	mu     sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	f := &fixture{mem: mem}

	svc := engine.NewService(mem, mem, nil)
	svc.Now = func() time.Time { return testNow }
	svc.Notifier = engine.NotifierFunc(func(_ context.Context, e engine.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
	f.svc = svc

	end := date(2026, time.June, 30)
	err := mem.SaveContract(context.Background(),
		engine.Contract{ID: testContract, CompanyID: testCompany, Number: "LPN-001/2026", StartDate: date(2026, time.January, 1), EndDate: &end},
		[]engine.DeliverableTypeConfig{
			monthly(engine.KindPhotographic),
			monthly(engine.KindPersonnelListing),
		},
		[]engine.Category{
			{ID: categoryA, Name: "Cleaning staff", Tariff: engine.MustParseMoney("100.00")},
			{ID: categoryB, Name: "Supervisor", Tariff: engine.MustParseMoney("33.335")},
		},
		map[engine.CategoryID]int{categoryA: 8, categoryB: 5},
	)
	require.NoError(t, err)
	return f
}

// firstPeriod generates the contract's periods and returns period 1.
func (f *fixture) firstPeriod(t *testing.T) engine.Deliverable {
	t.Helper()
	res, err := f.svc.GeneratePeriods(context.Background(), testContract, date(2026, time.January, 1))
	require.NoError(t, err)
	require.NotEmpty(t, res.Created)
	return res.Created[0]
}

func (f *fixture) submitted(t *testing.T) engine.Deliverable {
	t.Helper()
	d := f.firstPeriod(t)
	out, err := f.svc.SubmitDeliverable(context.Background(), d.ID, vendor, engine.SubmitInput{
		Evidence:  []engine.EvidenceHandle{"files/roster-jan.xlsx"},
		Personnel: map[engine.CategoryID]int{categoryA: 10},
	})
	require.NoError(t, err)
	return *out
}

func (f *fixture) approved(t *testing.T) engine.Deliverable {
	t.Helper()
	d := f.submitted(t)
	out, err := f.svc.ReviewDeliverable(context.Background(), d.ID, staff, engine.ReviewInput{Decision: engine.DecisionApprove})
	require.NoError(t, err)
	return *out
}

func (f *fixture) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// =============================================================================
// PERIOD GENERATION TESTS
// =============================================================================

func TestGeneratePeriods_CreatesPendingDeliverables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)
	assert.Equal(t, 6, res.Planned)
	require.Len(t, res.Created, 6)

	for i, d := range res.Created {
		assert.Equal(t, i+1, d.PeriodNumber)
		assert.Equal(t, engine.StatusPending, d.Status)
		assert.Equal(t, testCompany, d.CompanyID)
		assert.True(t, d.CalculatedAmount.IsZero())
		assert.Len(t, d.Kinds, 2)
	}
}

func TestGeneratePeriods_Idempotent(t *testing.T) {
	// GIVEN: Periods were already generated
	// WHEN: Generating again on the unchanged contract
	// THEN: Nothing new is created and no duplicates exist

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)

	res, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 6, res.Existing)

	all, err := f.svc.ListDeliverables(ctx, engine.DeliverableFilter{ContractID: testContract})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestGeneratePeriods_DoesNotTouchExistingPeriods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.submitted(t)

	_, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)

	got, err := f.svc.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSubmitted, got.Status)
	assert.Equal(t, "800.00", got.CalculatedAmount.String())
}

func TestGeneratePeriods_ConfigAddedLater_MaterializesNewRanges(t *testing.T) {
	// GIVEN: The six monthly periods already exist
	// WHEN: A biweekly activity report is added to the contract and generation runs again
	// THEN: Every biweekly range is created, numbered after the existing periods without gaps

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)
	require.Len(t, first.Created, 6)

	c, err := f.mem.GetContract(ctx, testContract)
	require.NoError(t, err)
	require.NoError(t, f.mem.SaveContract(ctx, *c,
		[]engine.DeliverableTypeConfig{
			monthly(engine.KindPhotographic),
			monthly(engine.KindPersonnelListing),
			{Kind: engine.KindActivityReport, Periodicity: engine.PeriodicityBiweekly, Required: true},
		},
		[]engine.Category{{ID: categoryA, Name: "Cleaning staff", Tariff: engine.MustParseMoney("100.00")}},
		map[engine.CategoryID]int{categoryA: 8},
	))

	res, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)
	assert.Equal(t, 19, res.Planned)
	assert.Equal(t, 6, res.Existing)
	require.Len(t, res.Created, 13)

	assert.True(t, res.Created[0].Period.Start.Equal(date(2026, time.January, 1)))
	assert.True(t, res.Created[0].Period.End.Equal(date(2026, time.January, 14)))
	for i, d := range res.Created {
		assert.Equal(t, 7+i, d.PeriodNumber)
		assert.Equal(t, []engine.DeliverableKind{engine.KindActivityReport}, d.Kinds)
	}

	// Persisted monthly periods keep their numbers
	for i, d := range first.Created {
		got, err := f.svc.GetDeliverable(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, got.PeriodNumber)
	}

	again, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Equal(t, 19, again.Existing)
}

func TestGeneratePeriods_InvalidDates_CreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	end := date(2025, time.December, 1)
	require.NoError(t, f.mem.SaveContract(ctx,
		engine.Contract{ID: "broken", CompanyID: testCompany, StartDate: date(2026, time.January, 1), EndDate: &end},
		[]engine.DeliverableTypeConfig{monthly(engine.KindPhotographic)}, nil, nil))

	res, err := f.svc.GeneratePeriods(ctx, "broken", date(2026, time.January, 1))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, engine.ErrConfiguration)

	all, err := f.svc.ListDeliverables(ctx, engine.DeliverableFilter{ContractID: "broken"})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGeneratePeriods_CancelledContract_Skipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.SetContractCancelled(ctx, testContract, true))

	res, err := f.svc.GeneratePeriods(ctx, testContract, date(2026, time.January, 1))
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func TestGeneratePeriods_UnknownContract_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GeneratePeriods(context.Background(), "missing", date(2026, time.January, 1))
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// SUBMISSION AND REVIEW TESTS
// =============================================================================

func TestSubmit_ReconcilesPersonnel(t *testing.T) {
	// GIVEN: Category A has 8 active employees at tariff 100.00
	// WHEN: Vendor reports 10
	// THEN: Validated count is capped at 8, calculated amount is 800.00

	f := newFixture(t)
	d := f.submitted(t)

	assert.Equal(t, engine.StatusSubmitted, d.Status)
	require.NotNil(t, d.SubmittedAt)
	assert.Equal(t, []engine.EvidenceHandle{"files/roster-jan.xlsx"}, d.Evidence)
	assert.Equal(t, "800.00", d.CalculatedAmount.String())

	got, err := f.svc.GetDeliverable(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, got.Details, 1)
	assert.Equal(t, 10, got.Details[0].ReportedCount)
	assert.Equal(t, 8, got.Details[0].ValidatedCount)
	assert.Equal(t, "800.00", got.Details[0].Subtotal.String())
}

func TestSubmit_EmptySubmission_ValidationError(t *testing.T) {
	f := newFixture(t)
	d := f.firstPeriod(t)

	_, err := f.svc.SubmitDeliverable(context.Background(), d.ID, vendor, engine.SubmitInput{})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestSubmit_OtherCompanyVendor_Forbidden(t *testing.T) {
	f := newFixture(t)
	d := f.firstPeriod(t)

	outsider := engine.Principal{ID: "vendor-2", Role: engine.RoleVendor, Grants: []engine.Grant{
		{CompanyID: "globex", Module: engine.ModuleDeliverables, Operate: true},
	}}
	_, err := f.svc.SubmitDeliverable(context.Background(), d.ID, outsider, engine.SubmitInput{
		Evidence: []engine.EvidenceHandle{"files/photo.jpg"},
	})

	var authErr *engine.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, engine.ClassOperate, authErr.Class)
}

func TestReview_VendorCanOperateButNotAuthorize(t *testing.T) {
	// GIVEN: Vendor holds only operate on deliverables
	// WHEN: Vendor submits, then tries to approve
	// THEN: Submission succeeds, approval fails with AuthorizationError

	f := newFixture(t)
	d := f.submitted(t)

	_, err := f.svc.ReviewDeliverable(context.Background(), d.ID, vendor, engine.ReviewInput{Decision: engine.DecisionApprove})
	assert.ErrorIs(t, err, engine.ErrForbidden)
	assert.False(t, errors.Is(err, engine.ErrValidation), "forbidden must be distinct from invalid input")

	_, err = f.svc.ReviewDeliverable(context.Background(), d.ID, vendor, engine.ReviewInput{Decision: engine.DecisionReject, Reason: "x"})
	assert.ErrorIs(t, err, engine.ErrForbidden)

	got, err := f.svc.GetDeliverable(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSubmitted, got.Status)
}

func TestReview_ApproveDefaultsToCalculatedAmount(t *testing.T) {
	// GIVEN: A submitted deliverable worth 800.00
	// WHEN: Approving without override
	// THEN: approved amount = 800.00 and a pending-invoice payment of 800.00 exists

	f := newFixture(t)
	ctx := context.Background()
	d := f.approved(t)

	assert.Equal(t, engine.StatusApproved, d.Status)
	require.NotNil(t, d.ApprovedAmount)
	assert.Equal(t, "800.00", d.ApprovedAmount.String())
	require.NotNil(t, d.ReviewerID)
	assert.Equal(t, staff.ID, *d.ReviewerID)
	require.NotNil(t, d.PaymentID)

	p, err := f.svc.GetPayment(ctx, *d.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentPendingInvoice, p.Status)
	assert.True(t, p.Amount.Equals(*d.ApprovedAmount))
	assert.Equal(t, d.ID, p.DeliverableID)
}

func TestReview_ApproveWithOverride(t *testing.T) {
	f := newFixture(t)
	d := f.submitted(t)

	override := engine.MustParseMoney("750.5")
	got, err := f.svc.ReviewDeliverable(context.Background(), d.ID, staff, engine.ReviewInput{
		Decision:       engine.DecisionApprove,
		ApprovedAmount: &override,
	})
	require.NoError(t, err)
	assert.Equal(t, "750.50", got.ApprovedAmount.String())
	assert.Equal(t, "800.00", got.CalculatedAmount.String(), "calculated amount is kept")
}

func TestReview_NegativeOverride_ValidationError(t *testing.T) {
	f := newFixture(t)
	d := f.submitted(t)

	negative := engine.MustParseMoney("-1")
	_, err := f.svc.ReviewDeliverable(context.Background(), d.ID, staff, engine.ReviewInput{
		Decision:       engine.DecisionApprove,
		ApprovedAmount: &negative,
	})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestReview_RejectWithoutReason_RollsBackAutoStartReview(t *testing.T) {
	f := newFixture(t)
	d := f.submitted(t)
	before := f.eventCount()

	_, err := f.svc.ReviewDeliverable(context.Background(), d.ID, staff, engine.ReviewInput{Decision: engine.DecisionReject, Reason: "   "})
	assert.ErrorIs(t, err, engine.ErrValidation)

	got, err := f.svc.GetDeliverable(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSubmitted, got.Status, "start_review must not commit on its own")
	assert.Equal(t, before, f.eventCount())
}

func TestReview_RejectAndResubmit_RevisionCounterIncreases(t *testing.T) {
	// GIVEN: A submitted deliverable
	// WHEN: Rejected twice with resubmissions in between
	// THEN: Each rejection records reason and reviewer, counter goes 1 then 2,
	//       and resubmission lands in submitted (never approved)

	f := newFixture(t)
	ctx := context.Background()
	d := f.submitted(t)

	rejected, err := f.svc.ReviewDeliverable(ctx, d.ID, staff, engine.ReviewInput{Decision: engine.DecisionReject, Reason: "missing roster"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRejected, rejected.Status)
	assert.Equal(t, "missing roster", rejected.RejectionReason)
	assert.Equal(t, 1, rejected.RevisionCount)
	require.NotNil(t, rejected.ReviewerID)
	require.NotNil(t, rejected.ReviewedAt)
	assert.Equal(t, "800.00", rejected.CalculatedAmount.String(), "amounts untouched by rejection")

	resubmitted, err := f.svc.SubmitDeliverable(ctx, d.ID, vendor, engine.SubmitInput{
		Personnel: map[engine.CategoryID]int{categoryA: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSubmitted, resubmitted.Status)
	assert.Equal(t, "600.00", resubmitted.CalculatedAmount.String())

	again, err := f.svc.ReviewDeliverable(ctx, d.ID, staff, engine.ReviewInput{Decision: engine.DecisionReject, Reason: "photos unreadable"})
	require.NoError(t, err)
	assert.Equal(t, 2, again.RevisionCount)

	events, err := f.svc.Events(ctx, d.ID)
	require.NoError(t, err)
	var actions []engine.Action
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []engine.Action{
		engine.ActionSubmit,
		engine.ActionStartReview, engine.ActionReject,
		engine.ActionResubmit, engine.ActionSubmit,
		engine.ActionStartReview, engine.ActionReject,
	}, actions)
}

func TestStartReview_ThenApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.submitted(t)

	inReview, err := f.svc.StartReview(ctx, d.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInReview, inReview.Status)

	approved, err := f.svc.ReviewDeliverable(ctx, d.ID, staff, engine.ReviewInput{Decision: engine.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusApproved, approved.Status)
}

func TestReview_UnknownDecision_ValidationError(t *testing.T) {
	f := newFixture(t)
	d := f.submitted(t)

	_, err := f.svc.ReviewDeliverable(context.Background(), d.ID, staff, engine.ReviewInput{Decision: "maybe"})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

// =============================================================================
// ILLEGAL TRANSITIONS
// =============================================================================

func TestIllegalTransition_RejectedEvenForAdmin(t *testing.T) {
	f := newFixture(t)
	d := f.firstPeriod(t)

	_, err := f.svc.AdvanceBilling(context.Background(), d.ID, admin, engine.BillingInput{State: engine.BillingPaid, Reference: "SPEI-1"})

	var conflict *engine.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, engine.StatusPending, conflict.Current)
	assert.Equal(t, engine.ActionPay, conflict.Action)
}

func TestIllegalTransition_CheckedBeforePermission(t *testing.T) {
	f := newFixture(t)
	d := f.firstPeriod(t)

	// vendor lacks authorize, but the state check fails first
	_, err := f.svc.ReviewDeliverable(context.Background(), d.ID, vendor, engine.ReviewInput{Decision: engine.DecisionApprove})
	assert.ErrorIs(t, err, engine.ErrStateConflict)
}

// =============================================================================
// BILLING SUB-WORKFLOW TESTS
// =============================================================================

func TestBilling_FullCycle_MirrorsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.approved(t)

	sent, err := f.svc.AdvanceBilling(ctx, d.ID, vendor, engine.BillingInput{State: engine.BillingPrefacturaSent})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPrefacturaSent, sent.Status)
	require.NotNil(t, sent.PrefacturaSentAt)

	rejected, err := f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingPrefacturaRejected, Reason: "wrong RFC"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPrefacturaRejected, rejected.Status)
	assert.Equal(t, 1, rejected.RevisionCount)

	_, err = f.svc.AdvanceBilling(ctx, d.ID, vendor, engine.BillingInput{State: engine.BillingPrefacturaSent})
	require.NoError(t, err)

	_, err = f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingPrefacturaApproved})
	require.NoError(t, err)

	invoiced, err := f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingInvoiced, Reference: "A-1024"})
	require.NoError(t, err)
	assert.Equal(t, "A-1024", invoiced.FiscalFolio)

	p, err := f.svc.GetPayment(ctx, *d.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentInProcess, p.Status)

	paid, err := f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingPaid, Reference: "SPEI-99"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPaid, paid.Status)
	assert.Equal(t, "SPEI-99", paid.PaymentReference)

	p, err = f.svc.GetPayment(ctx, *d.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentPaid, p.Status)
	assert.Equal(t, "SPEI-99", p.Reference)
}

func TestBilling_VendorCannotApprovePrefactura(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.approved(t)

	_, err := f.svc.AdvanceBilling(ctx, d.ID, vendor, engine.BillingInput{State: engine.BillingPrefacturaSent})
	require.NoError(t, err)

	_, err = f.svc.AdvanceBilling(ctx, d.ID, vendor, engine.BillingInput{State: engine.BillingPrefacturaApproved})
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

func TestBilling_PayloadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.approved(t)

	_, err := f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingPrefacturaSent})
	require.NoError(t, err)

	_, err = f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingPrefacturaRejected})
	assert.ErrorIs(t, err, engine.ErrValidation, "prefactura rejection needs a reason")

	_, err = f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingPrefacturaApproved})
	require.NoError(t, err)

	_, err = f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: engine.BillingInvoiced})
	assert.ErrorIs(t, err, engine.ErrValidation, "invoicing needs a fiscal folio")

	_, err = f.svc.AdvanceBilling(ctx, d.ID, staff, engine.BillingInput{State: "approved"})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

// =============================================================================
// PAYMENT LINKER ATOMICITY
// =============================================================================

func TestApprove_PaymentFailure_RollsBack(t *testing.T) {
	// GIVEN: Payment creation will fail (duplicate payment id)
	// WHEN: Approving a second deliverable
	// THEN: DependencyError and the deliverable is not approved

	f := newFixture(t)
	ctx := context.Background()
	f.svc.Linker.NewID = func() engine.PaymentID { return "pay-fixed" }

	first := f.approved(t)
	require.Equal(t, engine.StatusApproved, first.Status)

	all, err := f.svc.ListDeliverables(ctx, engine.DeliverableFilter{ContractID: testContract})
	require.NoError(t, err)
	second := all[1]
	_, err = f.svc.SubmitDeliverable(ctx, second.ID, vendor, engine.SubmitInput{Evidence: []engine.EvidenceHandle{"files/feb.jpg"}})
	require.NoError(t, err)

	_, err = f.svc.ReviewDeliverable(ctx, second.ID, staff, engine.ReviewInput{Decision: engine.DecisionApprove})
	assert.ErrorIs(t, err, engine.ErrDependency)
	assert.True(t, engine.IsRetryable(err))

	got, err := f.svc.GetDeliverable(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSubmitted, got.Status)
	assert.Nil(t, got.PaymentID)

	payments, err := f.mem.PaymentsForDeliverable(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestPaymentLinker_NeverReusesVoidPayment(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	d := engine.Deliverable{ID: "d-1", ContractID: testContract, PeriodNumber: 1, Status: engine.StatusInReview}
	require.NoError(t, mem.InsertDeliverable(ctx, d))
	require.NoError(t, mem.InsertPayment(ctx, engine.Payment{
		ID: "old", DeliverableID: d.ID, Status: engine.PaymentVoid, Amount: engine.MoneyFromInt(5),
	}))

	linker := &engine.PaymentLinker{}
	err := linker.OnApproval(ctx, mem, &d, engine.MoneyFromInt(100), testNow)
	require.NoError(t, err)
	require.NotNil(t, d.PaymentID)
	assert.NotEqual(t, engine.PaymentID("old"), *d.PaymentID)

	payments, err := mem.PaymentsForDeliverable(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestPaymentLinker_ReusesPendingPayment(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	d := engine.Deliverable{ID: "d-1", ContractID: testContract, PeriodNumber: 1, Status: engine.StatusInReview}
	require.NoError(t, mem.InsertDeliverable(ctx, d))
	require.NoError(t, mem.InsertPayment(ctx, engine.Payment{
		ID: "pending", DeliverableID: d.ID, Status: engine.PaymentPendingInvoice, Amount: engine.MoneyFromInt(5),
	}))

	linker := &engine.PaymentLinker{}
	require.NoError(t, linker.OnApproval(ctx, mem, &d, engine.MoneyFromInt(100), testNow))
	assert.Equal(t, engine.PaymentID("pending"), *d.PaymentID)

	p, err := mem.GetPayment(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, "100.00", p.Amount.String())
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentApprovals_ExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.submitted(t)

	const n = 2
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ReviewDeliverable(ctx, d.ID, staff, engine.ReviewInput{Decision: engine.DecisionApprove})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrStateConflict)
	}
	assert.Equal(t, 1, succeeded)

	payments, err := f.mem.PaymentsForDeliverable(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestStaleUpdate_ConcurrentModification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.firstPeriod(t)

	stale, err := f.mem.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitDeliverable(ctx, d.ID, vendor, engine.SubmitInput{Evidence: []engine.EvidenceHandle{"files/a.jpg"}})
	require.NoError(t, err)

	stale.Status = engine.StatusVoided
	err = f.mem.UpdateDeliverable(ctx, *stale)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)
}

// =============================================================================
// VOID / DELETE / LIST
// =============================================================================

func TestVoid_RequiresCancelledContract(t *testing.T) {
	f := newFixture(t)
	d := f.firstPeriod(t)

	_, err := f.svc.VoidDeliverable(context.Background(), d.ID, admin, "contract ended")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestVoidContract_VoidsOpenDeliverablesAndPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approved := f.approved(t)

	require.NoError(t, f.mem.SetContractCancelled(ctx, testContract, true))

	voided, err := f.svc.VoidContract(ctx, testContract, staff, "contract rescinded")
	require.NoError(t, err)
	assert.Len(t, voided, 6)

	for _, d := range voided {
		assert.Equal(t, engine.StatusVoided, d.Status)
	}

	p, err := f.svc.GetPayment(ctx, *approved.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentVoid, p.Status)

	// running again is a no-op
	again, err := f.svc.VoidContract(ctx, testContract, staff, "contract rescinded")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReviewer_SetOnEveryStatePastPending(t *testing.T) {
	// GIVEN: A submitted period and a pending period of a contract later cancelled
	// WHEN: Neither has been reviewed by the institution
	// THEN: Each still names the principal that moved it, and review replaces it

	f := newFixture(t)
	ctx := context.Background()

	submitted := f.submitted(t)
	require.NotNil(t, submitted.ReviewerID)
	assert.Equal(t, vendor.ID, *submitted.ReviewerID)
	assert.Nil(t, submitted.ReviewedAt)

	inReview, err := f.svc.StartReview(ctx, submitted.ID, staff)
	require.NoError(t, err)
	require.NotNil(t, inReview.ReviewerID)
	assert.Equal(t, staff.ID, *inReview.ReviewerID)

	require.NoError(t, f.mem.SetContractCancelled(ctx, testContract, true))
	voided, err := f.svc.VoidContract(ctx, testContract, admin, "contract rescinded")
	require.NoError(t, err)
	require.NotEmpty(t, voided)
	for _, d := range voided {
		require.NotNil(t, d.ReviewerID, "period %d", d.PeriodNumber)
	}
}

func TestDelete_GuardsApprovedDeliverables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approved := f.approved(t)

	err := f.svc.DeleteDeliverable(ctx, approved.ID, admin)
	assert.ErrorIs(t, err, engine.ErrStateConflict)

	all, err := f.svc.ListDeliverables(ctx, engine.DeliverableFilter{ContractID: testContract, Statuses: []engine.Status{engine.StatusPending}})
	require.NoError(t, err)
	require.NotEmpty(t, all)

	err = f.svc.DeleteDeliverable(ctx, all[0].ID, vendor)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	require.NoError(t, f.svc.DeleteDeliverable(ctx, all[0].ID, admin))
	_, err = f.svc.GetDeliverable(ctx, all[0].ID)
	assert.True(t, engine.IsNotFound(err))
}

func TestList_FiltersByStatusAndCompany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitted(t)

	submitted, err := f.svc.ListDeliverables(ctx, engine.DeliverableFilter{CompanyID: testCompany, Statuses: []engine.Status{engine.StatusSubmitted}})
	require.NoError(t, err)
	assert.Len(t, submitted, 1)

	scoped, err := f.svc.ListDeliverables(ctx, engine.DeliverableFilter{Companies: []engine.CompanyID{"globex"}})
	require.NoError(t, err)
	assert.Empty(t, scoped)

	_, err = f.svc.ListDeliverables(ctx, engine.DeliverableFilter{Statuses: []engine.Status{"archived"}})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestNotifier_OneEventPerCommittedTransition(t *testing.T) {
	f := newFixture(t)
	d := f.approved(t)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 3) // submit, start_review, approve
	last := f.events[2]
	assert.Equal(t, d.ID, last.DeliverableID)
	assert.Equal(t, engine.StatusInReview, last.From)
	assert.Equal(t, engine.StatusApproved, last.To)
	assert.Equal(t, staff.ID, last.PrincipalID)
	assert.Equal(t, testNow, last.At)
}
