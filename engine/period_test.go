package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/deliverables-engine/engine"
)

func date(y int, m time.Month, d int) engine.Date { return engine.NewDate(y, m, d) }

func datePtr(y int, m time.Month, d int) *engine.Date {
	v := engine.NewDate(y, m, d)
	return &v
}

func monthly(kind engine.DeliverableKind) engine.DeliverableTypeConfig {
	return engine.DeliverableTypeConfig{Kind: kind, Periodicity: engine.PeriodicityMonthly, Required: true}
}

// =============================================================================
// PERIOD PLANNING TESTS
// =============================================================================

func TestPlanPeriods_SixMonthContract_Monthly(t *testing.T) {
	// GIVEN: Contract 2026-01-01 to 2026-06-30 with one monthly photographic config
	// WHEN: Planning periods
	// THEN: Six calendar-month periods numbered 1-6

	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1), EndDate: datePtr(2026, 6, 30)}
	planned, err := engine.PlanPeriods(c, []engine.DeliverableTypeConfig{monthly(engine.KindPhotographic)}, date(2026, 1, 1), 0)
	require.NoError(t, err)
	require.Len(t, planned, 6)

	for i, cp := range planned {
		assert.Equal(t, i+1, cp.Number)
		assert.Equal(t, 1, cp.Period.Start.Time.Day(), "period %d should start on the 1st", cp.Number)
		assert.Equal(t, cp.Period.Start.Time.Month(), cp.Period.End.Time.Month(), "period %d should be one calendar month", cp.Number)
		assert.Equal(t, []engine.DeliverableKind{engine.KindPhotographic}, cp.Kinds)
	}
	assert.Equal(t, "2026-02-28", planned[1].Period.End.String())
	assert.Equal(t, "2026-06-30", planned[5].Period.End.String())
}

func TestPlanPeriods_Biweekly_LastPeriodTruncated(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1), EndDate: datePtr(2026, 1, 31)}
	cfg := engine.DeliverableTypeConfig{Kind: engine.KindActivityReport, Periodicity: engine.PeriodicityBiweekly}

	planned, err := engine.PlanPeriods(c, []engine.DeliverableTypeConfig{cfg}, date(2026, 1, 1), 0)
	require.NoError(t, err)
	require.Len(t, planned, 3)

	assert.Equal(t, "[2026-01-01, 2026-01-14]", planned[0].Period.String())
	assert.Equal(t, "[2026-01-15, 2026-01-28]", planned[1].Period.String())
	assert.Equal(t, "[2026-01-29, 2026-01-31]", planned[2].Period.String())
}

func TestPlanPeriods_Once_CoversWholeContract(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 3, 1), EndDate: datePtr(2026, 9, 15)}
	cfg := engine.DeliverableTypeConfig{Kind: engine.KindDocumental, Periodicity: engine.PeriodicityOnce}

	planned, err := engine.PlanPeriods(c, []engine.DeliverableTypeConfig{cfg}, date(2026, 3, 1), 0)
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.Equal(t, "[2026-03-01, 2026-09-15]", planned[0].Period.String())
}

func TestPlanPeriods_SameRangeFromTwoConfigs_Merged(t *testing.T) {
	// GIVEN: Two monthly configs of different kinds
	// WHEN: Planning periods
	// THEN: One period per month listing both kinds

	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1), EndDate: datePtr(2026, 3, 31)}
	configs := []engine.DeliverableTypeConfig{
		monthly(engine.KindPhotographic),
		monthly(engine.KindPersonnelListing),
	}

	planned, err := engine.PlanPeriods(c, configs, date(2026, 1, 1), 0)
	require.NoError(t, err)
	require.Len(t, planned, 3)
	for _, cp := range planned {
		assert.ElementsMatch(t,
			[]engine.DeliverableKind{engine.KindPhotographic, engine.KindPersonnelListing}, cp.Kinds)
	}
}

func TestPlanPeriods_MixedPeriodicities_OrderedByStartThenEnd(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1), EndDate: datePtr(2026, 6, 30)}
	configs := []engine.DeliverableTypeConfig{
		monthly(engine.KindPhotographic),
		{Kind: engine.KindDocumental, Periodicity: engine.PeriodicityOnce},
	}

	planned, err := engine.PlanPeriods(c, configs, date(2026, 1, 1), 0)
	require.NoError(t, err)
	require.Len(t, planned, 7)

	// January monthly ends before the whole-contract span
	assert.Equal(t, "[2026-01-01, 2026-01-31]", planned[0].Period.String())
	assert.Equal(t, "[2026-01-01, 2026-06-30]", planned[1].Period.String())
	assert.Equal(t, []engine.DeliverableKind{engine.KindDocumental}, planned[1].Kinds)
	assert.Equal(t, 7, planned[6].Number)
}

func TestPlanPeriods_MonthEndStart_PeriodsAreContiguous(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 31), EndDate: datePtr(2026, 4, 30)}

	planned, err := engine.PlanPeriods(c, []engine.DeliverableTypeConfig{monthly(engine.KindPhotographic)}, date(2026, 1, 31), 0)
	require.NoError(t, err)
	require.NotEmpty(t, planned)

	for i := 1; i < len(planned); i++ {
		assert.True(t, planned[i].Period.Start.Equal(planned[i-1].Period.End.AddDays(1)),
			"period %d should start the day after period %d ends", planned[i].Number, planned[i-1].Number)
	}
	assert.Equal(t, "2026-04-30", planned[len(planned)-1].Period.End.String())
}

func TestPlanPeriods_OpenEnded_BoundedByHorizon(t *testing.T) {
	// GIVEN: Contract without end date
	// WHEN: Planning with a 3 month horizon
	// THEN: Only the next 3 months are generated

	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1)}
	planned, err := engine.PlanPeriods(c, []engine.DeliverableTypeConfig{monthly(engine.KindPhotographic)}, date(2026, 1, 1), 3)
	require.NoError(t, err)
	require.Len(t, planned, 3)
	assert.Equal(t, "2026-03-31", planned[2].Period.End.String())
}

func TestPlanPeriods_OpenEnded_HorizonMovesWithAsOf(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1)}
	cfgs := []engine.DeliverableTypeConfig{monthly(engine.KindPhotographic)}

	early, err := engine.PlanPeriods(c, cfgs, date(2026, 1, 1), 3)
	require.NoError(t, err)
	later, err := engine.PlanPeriods(c, cfgs, date(2026, 4, 1), 3)
	require.NoError(t, err)

	assert.Len(t, later, 6)
	// Earlier periods keep their numbers as the horizon advances
	for i := range early {
		assert.Equal(t, early[i].Period.String(), later[i].Period.String())
		assert.Equal(t, early[i].Number, later[i].Number)
	}
}

func TestPlanPeriods_EndBeforeStart_ConfigurationError(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 6, 1), EndDate: datePtr(2026, 1, 1)}

	planned, err := engine.PlanPeriods(c, []engine.DeliverableTypeConfig{monthly(engine.KindPhotographic)}, date(2026, 1, 1), 0)
	assert.Nil(t, planned)
	assert.ErrorIs(t, err, engine.ErrConfiguration)

	var cfgErr *engine.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, engine.ContractID("c-1"), cfgErr.ContractID)
}

func TestPlanPeriods_UnknownPeriodicity_ConfigurationError(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1), EndDate: datePtr(2026, 6, 30)}
	cfg := engine.DeliverableTypeConfig{Kind: engine.KindPhotographic, Periodicity: "weekly"}

	_, err := engine.PlanPeriods(c, []engine.DeliverableTypeConfig{cfg}, date(2026, 1, 1), 0)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestPlanPeriods_OpenEnded_OnceSpanIsStable(t *testing.T) {
	// GIVEN: Open-ended contract with a one-off document and monthly reports
	// WHEN: Planning again after the horizon moved
	// THEN: The one-off period keeps its range and number
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1)}
	cfgs := []engine.DeliverableTypeConfig{
		monthly(engine.KindActivityReport),
		{ContractID: "c-1", Kind: engine.KindDocumental, Periodicity: engine.PeriodicityOnce, Required: true},
	}

	early, err := engine.PlanPeriods(c, cfgs, date(2026, 1, 1), 3)
	require.NoError(t, err)
	later, err := engine.PlanPeriods(c, cfgs, date(2026, 5, 1), 3)
	require.NoError(t, err)

	require.Len(t, early, 4)
	require.Len(t, later, 8)
	for i := range early {
		assert.Equal(t, early[i].Period.String(), later[i].Period.String())
	}
	assert.Equal(t, "[2026-01-01, 2026-03-31]", later[1].Period.String())
	assert.Equal(t, []engine.DeliverableKind{engine.KindDocumental}, later[1].Kinds)
}

func TestPlanPeriods_NoConfigs_NoPeriods(t *testing.T) {
	c := engine.Contract{ID: "c-1", StartDate: date(2026, 1, 1), EndDate: datePtr(2026, 6, 30)}

	planned, err := engine.PlanPeriods(c, nil, date(2026, 1, 1), 0)
	require.NoError(t, err)
	assert.Empty(t, planned)
}

func TestDate_AddMonthsClamped(t *testing.T) {
	tests := []struct {
		from   engine.Date
		months int
		want   string
	}{
		{date(2026, 1, 31), 1, "2026-02-28"},
		{date(2028, 1, 31), 1, "2028-02-29"},
		{date(2026, 1, 15), 1, "2026-02-15"},
		{date(2026, 11, 30), 3, "2027-02-28"},
		{date(2026, 3, 31), -1, "2026-02-28"},
	}
	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.AddMonthsClamped(tt.months).String())
		})
	}
}
