package engine

import (
	"sort"
)

// =============================================================================
// PERIOD - A bounded delivery window
// =============================================================================

// Period is an inclusive date range [Start, End].
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if the date is within the period [Start, End]
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Valid reports whether End is not before Start.
func (p Period) Valid() bool { return !p.End.Before(p.Start) }

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// DefaultHorizonMonths bounds generation for contracts without an end date.
const DefaultHorizonMonths = 12

// =============================================================================
// PERIOD CANDIDATES
// =============================================================================

// CandidatePeriod is a period the contract configuration says should exist.
type CandidatePeriod struct {
	Number int
	Period Period
	Kinds  []DeliverableKind
}

// PlanPeriods computes the ordered candidate periods of a contract.
//
// Every config is stepped from the contract start by its periodicity until the
// contract end (or asOf + horizonMonths when the contract is open-ended).
// Candidates with identical ranges from different configs collapse into one
// that lists all their kinds. Candidates are ordered by (start, end) and
// numbered from 1. The number is the plan ordinal; persisted period numbers
// are assigned by Service.GeneratePeriods.
func PlanPeriods(c Contract, configs []DeliverableTypeConfig, asOf Date, horizonMonths int) ([]CandidatePeriod, error) {
	if c.StartDate.IsZero() {
		return nil, &ConfigurationError{ContractID: c.ID, Reason: "contract has no start date"}
	}
	if horizonMonths <= 0 {
		horizonMonths = DefaultHorizonMonths
	}

	var end Date
	if c.EndDate != nil {
		end = *c.EndDate
		if end.Before(c.StartDate) {
			return nil, &ConfigurationError{
				ContractID: c.ID,
				Reason:     "end date " + end.String() + " is before start date " + c.StartDate.String(),
			}
		}
	} else {
		base := asOf
		if base.Before(c.StartDate) {
			base = c.StartDate
		}
		end = base.AddMonthsClamped(horizonMonths).AddDays(-1)
	}

	byRange := make(map[string]*CandidatePeriod)
	for _, cfg := range configs {
		if !cfg.Periodicity.Valid() {
			return nil, &ConfigurationError{ContractID: c.ID, Reason: "unknown periodicity " + string(cfg.Periodicity)}
		}
		stepEnd := end
		if cfg.Periodicity == PeriodicityOnce && c.EndDate == nil {
			// Anchored to the start so the span doesn't move with asOf
			stepEnd = c.StartDate.AddMonthsClamped(horizonMonths).AddDays(-1)
		}
		for _, p := range stepPeriods(c.StartDate, stepEnd, cfg.Periodicity, c.EndDate != nil) {
			cp, ok := byRange[p.String()]
			if !ok {
				cp = &CandidatePeriod{Period: p}
				byRange[p.String()] = cp
			}
			cp.Kinds = appendKind(cp.Kinds, cfg.Kind)
		}
	}

	out := make([]CandidatePeriod, 0, len(byRange))
	for _, cp := range byRange {
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Start.Equal(out[j].Period.Start) {
			return out[i].Period.Start.Before(out[j].Period.Start)
		}
		return out[i].Period.End.Before(out[j].Period.End)
	})
	for i := range out {
		out[i].Number = i + 1
	}
	return out, nil
}

// stepPeriods walks [start, end] in periodicity steps. With truncate the last
// period is cut at end (a fixed contract end); otherwise end only bounds
// period starts (an open-ended look-ahead horizon).
func stepPeriods(start, end Date, periodicity Periodicity, truncate bool) []Period {
	clamp := func(d Date) Date {
		if truncate {
			return MinDate(d, end)
		}
		return d
	}

	var out []Period
	switch periodicity {
	case PeriodicityOnce:
		return []Period{{Start: start, End: end}}
	case PeriodicityMonthly:
		for i := 0; ; i++ {
			ps := start.AddMonthsClamped(i)
			if ps.After(end) {
				break
			}
			pe := clamp(start.AddMonthsClamped(i+1).AddDays(-1))
			out = append(out, Period{Start: ps, End: pe})
		}
	case PeriodicityBiweekly:
		for ps := start; !ps.After(end); ps = ps.AddDays(14) {
			out = append(out, Period{Start: ps, End: clamp(ps.AddDays(13))})
		}
	}
	return out
}

func appendKind(kinds []DeliverableKind, k DeliverableKind) []DeliverableKind {
	for _, existing := range kinds {
		if existing == k {
			return kinds
		}
	}
	return append(kinds, k)
}
