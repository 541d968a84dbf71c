package delegation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/pmisflow/model"
)

type tableSource []model.DelegationRule

func (s tableSource) ActiveDelegationsFor(delegateID string, now time.Time) []model.DelegationRule {
	var out []model.DelegationRule
	for _, d := range s {
		if d.DelegateID == delegateID && d.IsCurrentlyActive(now) {
			out = append(out, d)
		}
	}
	return out
}

var (
	windowStart = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)
)

func modulePtr(m model.Module) *model.Module { return &m }

func TestResolver_CanActAs(t *testing.T) {
	src := tableSource{
		{ID: "all", DelegatorID: "ee-1", DelegatorRole: "EE", DelegateID: "ae-1", ValidFrom: windowStart, ValidTo: windowEnd, Active: true},
		{ID: "tender-only", DelegatorID: "ce-1", DelegatorRole: "CE", DelegateID: "ae-1", Module: modulePtr(model.ModuleTender), ValidFrom: windowStart, ValidTo: windowEnd, Active: true},
		{ID: "disabled", DelegatorID: "se-1", DelegatorRole: "SE", DelegateID: "ae-1", ValidFrom: windowStart, ValidTo: windowEnd, Active: false},
		// ee-1 holds CE authority from someone else; ae-1 must not inherit it.
		{ID: "chain", DelegatorID: "ce-2", DelegatorRole: "CE", DelegateID: "ee-1", ValidFrom: windowStart, ValidTo: windowEnd, Active: true},
	}
	r := NewResolver(src)
	inside := windowStart.Add(48 * time.Hour)

	tests := []struct {
		name   string
		actor  string
		role   string
		module model.Module
		now    time.Time
		want   bool
	}{
		{"unscoped delegation any module", "ae-1", "EE", model.ModuleRisk, inside, true},
		{"scoped delegation matching module", "ae-1", "CE", model.ModuleTender, inside, true},
		{"scoped delegation other module", "ae-1", "CE", model.ModuleRABill, inside, false},
		{"inactive delegation", "ae-1", "SE", model.ModuleRABill, inside, false},
		{"expired window", "ae-1", "EE", model.ModuleRABill, windowEnd.Add(time.Second), false},
		{"not yet started", "ae-1", "EE", model.ModuleRABill, windowStart.Add(-time.Second), false},
		{"no chaining", "ae-1", "CE", model.ModuleRABill, inside, false},
		{"unknown actor", "nobody", "EE", model.ModuleRABill, inside, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := r.CanActAs(tt.actor, tt.role, tt.module, tt.now)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestResolver_Grants(t *testing.T) {
	src := tableSource{
		{ID: "d1", DelegatorID: "ee-1", DelegatorRole: "EE", DelegateID: "ae-1", ValidFrom: windowStart, ValidTo: windowEnd, Active: true},
	}
	grants := NewResolver(src).Grants("ae-1", windowStart)
	require.Len(t, grants, 1)
	assert.Equal(t, "EE", grants[0].Role)
	assert.Equal(t, "d1", grants[0].DelegationID)
	assert.Equal(t, "ee-1", grants[0].DelegatorID)
	assert.Nil(t, grants[0].Module)

	assert.Empty(t, NewResolver(src).Grants("", windowStart))
}
