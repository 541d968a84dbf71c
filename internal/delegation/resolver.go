// Package delegation answers whether a user may act in place of a role-holder
// under a currently active delegation rule.
package delegation

import (
	"time"

	"github.com/pitabwire/pmisflow/model"
)

// Source returns the delegations under which delegateID may act at now.
type Source interface {
	ActiveDelegationsFor(delegateID string, now time.Time) []model.DelegationRule
}

// Grant is a role a user temporarily holds through delegation. A nil Module
// means the grant applies to every module.
type Grant struct {
	Role         string
	Module       *model.Module
	DelegationID string
	DelegatorID  string
}

// Resolver looks up delegations at authorization time. Delegations do not
// chain: a delegate acts with the delegator's role only, never with roles
// delegated to the delegator.
type Resolver struct {
	source Source
}

// NewResolver creates a resolver over the given delegation table.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Grants returns the delegated roles actorID holds at now.
func (r *Resolver) Grants(actorID string, now time.Time) []Grant {
	if actorID == "" {
		return nil
	}
	rules := r.source.ActiveDelegationsFor(actorID, now)
	grants := make([]Grant, 0, len(rules))
	for _, d := range rules {
		grants = append(grants, Grant{
			Role:         d.DelegatorRole,
			Module:       d.Module,
			DelegationID: d.ID,
			DelegatorID:  d.DelegatorID,
		})
	}
	return grants
}

// CanActAs reports whether actorID holds role for module through an active
// delegation, returning the delegation that grants it.
func (r *Resolver) CanActAs(actorID, role string, module model.Module, now time.Time) (Grant, bool) {
	for _, g := range r.Grants(actorID, now) {
		if g.Role != role {
			continue
		}
		if g.Module == nil || *g.Module == module {
			return g, true
		}
	}
	return Grant{}, false
}
