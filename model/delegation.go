package model

import "time"

// DelegationRule grants DelegateID the authority of DelegatorID for a bounded
// window, optionally restricted to one module. DelegatorRole is the role the
// delegator held when the delegation was configured.
type DelegationRule struct {
	ID            string    `json:"id" yaml:"id"`
	DelegatorID   string    `json:"delegator_id" yaml:"delegator_id"`
	DelegatorRole string    `json:"delegator_role" yaml:"delegator_role"`
	DelegateID    string    `json:"delegate_id" yaml:"delegate_id"`
	Module        *Module   `json:"module,omitempty" yaml:"module"`
	ValidFrom     time.Time `json:"valid_from" yaml:"valid_from"`
	ValidTo       time.Time `json:"valid_to" yaml:"valid_to"`
	Active        bool      `json:"active" yaml:"active"`
}

// IsCurrentlyActive reports whether the rule is enabled and now falls inside
// [ValidFrom, ValidTo].
func (d DelegationRule) IsCurrentlyActive(now time.Time) bool {
	if !d.Active {
		return false
	}
	return !now.Before(d.ValidFrom) && !now.After(d.ValidTo)
}

// Covers reports whether the rule's module scope includes m.
func (d DelegationRule) Covers(m Module) bool {
	return d.Module == nil || *d.Module == m
}
