// Package subscription freezes plans into license snapshots and classifies plan changes.
package subscription

import (
	"sort"

	"schema-tenancy/internal/model"
)

// capabilitiesKey holds an explicit list of enabled sub-capabilities in feature settings.
const capabilitiesKey = "capabilities"

// Snapshot copies the plan's scalars and the enabled capabilities of each entitled feature.
// It is pure: the result shares no memory with plan.
func Snapshot(plan *model.SubscriptionPlan) (model.PlanSnapshot, model.FeaturesSnapshot) {
	ps := model.PlanSnapshot{
		PlanID:       plan.ID,
		Name:         plan.Name,
		Price:        plan.Price.String(),
		Currency:     plan.Currency,
		BillingCycle: plan.BillingCycle,
		MaxUsers:     plan.MaxUsers,
		MaxStorageMB: plan.MaxStorageMB,
		Status:       plan.Status,
	}
	if plan.BusinessLineID != nil {
		bl := *plan.BusinessLineID
		ps.BusinessLineID = &bl
	}

	fs := make(model.FeaturesSnapshot, len(plan.Features))
	for _, pf := range plan.Features {
		f := pf.Feature
		fs[f.ID] = model.FeatureSnapshot{
			Name:          f.Name,
			Key:           f.Key,
			ApplicationID: f.ApplicationID,
			Description:   f.Description,
			Capabilities:  Capabilities(f.Settings, pf.Settings),
		}
	}
	return ps, fs
}

// Capabilities merges feature settings with plan-level overrides and returns the enabled
// sub-capabilities: keys whose value is true plus any names listed under "capabilities".
func Capabilities(feature, override map[string]any) []string {
	merged := make(map[string]any, len(feature)+len(override))
	for k, v := range feature {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}

	set := map[string]struct{}{}
	for k, v := range merged {
		if k == capabilitiesKey {
			continue
		}
		if on, ok := v.(bool); ok && on {
			set[k] = struct{}{}
		}
	}
	switch list := merged[capabilitiesKey].(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				set[s] = struct{}{}
			}
		}
	case []string:
		for _, s := range list {
			if s != "" {
				set[s] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplicationIDs returns the distinct application ids a snapshot touches, ascending.
func ApplicationIDs(fs model.FeaturesSnapshot) []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, f := range fs {
		if _, ok := seen[f.ApplicationID]; ok {
			continue
		}
		seen[f.ApplicationID] = struct{}{}
		ids = append(ids, f.ApplicationID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
