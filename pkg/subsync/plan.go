package subsync

import (
	"strconv"
	"strings"
)

// PlanResolver maps provider plan identifiers to internal plans.
//
// Exactly one identifier resolves to PlanMonthly. Every other identifier, including
// ones the provider never issued, resolves to PlanYearly. This is the provider
// contract the stored data was written under; unknown ids are not errors.
type PlanResolver struct {
	monthlyID string
}

// NewPlanResolver creates a resolver with the designated monthly plan id
func NewPlanResolver(monthlyPlanID string) *PlanResolver {
	return &PlanResolver{monthlyID: strings.TrimSpace(monthlyPlanID)}
}

// Resolve returns the internal plan for a provider plan id
func (r *PlanResolver) Resolve(planID string) Plan {
	if r.isMonthly(strings.TrimSpace(planID)) {
		return PlanMonthly
	}
	return PlanYearly
}

// MonthlyPlanID returns the designated monthly plan id
func (r *PlanResolver) MonthlyPlanID() string {
	return r.monthlyID
}

func (r *PlanResolver) isMonthly(id string) bool {
	if id == "" || r.monthlyID == "" {
		return false
	}
	if id == r.monthlyID {
		return true
	}
	// Provider ids are numeric; "0042" and "42" name the same plan.
	got, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false
	}
	want, err := strconv.ParseInt(r.monthlyID, 10, 64)
	if err != nil {
		return false
	}
	return got == want
}
