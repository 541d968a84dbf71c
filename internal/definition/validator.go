package definition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/pmisflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and referentially across files.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files together and returns every problem found.
func (v *Validator) Validate(defs []model.DefinitionFile) []VError {
	var errs []VError

	templates := make(map[string]model.WorkflowTemplate)
	stepIDs := make(map[string]string)
	defaults := make(map[model.Module]string)
	ruleIDs := make(map[string]bool)
	delegationIDs := make(map[string]bool)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}
		for j, t := range def.Templates {
			tp := fmt.Sprintf("%s.templates[%d]", prefix, j)
			errs = append(errs, v.validateTemplate(tp, t)...)
			if t.ID == "" {
				continue
			}
			if _, dup := templates[t.ID]; dup {
				errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("template %q is declared more than once", t.ID)})
				continue
			}
			templates[t.ID] = t

			for k, s := range t.Steps {
				if s.ID == "" {
					continue
				}
				if owner, dup := stepIDs[s.ID]; dup {
					errs = append(errs, VError{
						Path:    fmt.Sprintf("%s.steps[%d].id", tp, k),
						Code:    "DUPLICATE",
						Message: fmt.Sprintf("step %q is already used by template %q", s.ID, owner),
					})
					continue
				}
				stepIDs[s.ID] = t.ID
			}

			if t.Active && t.Default {
				if other, dup := defaults[t.Module]; dup {
					errs = append(errs, VError{
						Path:    tp + ".default",
						Code:    "DUPLICATE_DEFAULT",
						Message: fmt.Sprintf("module %s already has active default template %q", t.Module, other),
					})
				} else {
					defaults[t.Module] = t.ID
				}
			}
		}
	}

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		for j, r := range def.TriggerRules {
			rp := fmt.Sprintf("%s.trigger_rules[%d]", prefix, j)
			if r.ID != "" {
				if ruleIDs[r.ID] {
					errs = append(errs, VError{Path: rp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("trigger rule %q is declared more than once", r.ID)})
				}
				ruleIDs[r.ID] = true
			}
			errs = append(errs, v.validateRule(rp, r, templates)...)
		}
		for j, d := range def.Delegations {
			dp := fmt.Sprintf("%s.delegations[%d]", prefix, j)
			if d.ID != "" {
				if delegationIDs[d.ID] {
					errs = append(errs, VError{Path: dp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("delegation %q is declared more than once", d.ID)})
				}
				delegationIDs[d.ID] = true
			}
			errs = append(errs, v.validateDelegation(dp, d)...)
		}
	}

	return errs
}

func (v *Validator) validateTemplate(prefix string, t model.WorkflowTemplate) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if !t.Module.Valid() {
		errs = append(errs, VError{Path: prefix + ".module", Code: "INVALID", Message: fmt.Sprintf("unknown module %q", t.Module)})
	}

	seen := make(map[int]bool, len(t.Steps))
	for i, s := range t.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "id is required"})
		}
		if s.Role == "" {
			errs = append(errs, VError{Path: sp + ".role", Code: "REQUIRED", Message: "role is required"})
		}
		if s.SLADays < 0 {
			errs = append(errs, VError{Path: sp + ".sla_days", Code: "INVALID", Message: "sla_days must not be negative"})
		}
		if s.Sequence < 1 {
			errs = append(errs, VError{Path: sp + ".sequence", Code: "INVALID", Message: "sequence must be 1 or greater"})
			continue
		}
		if seen[s.Sequence] {
			errs = append(errs, VError{Path: sp + ".sequence", Code: "DUPLICATE", Message: fmt.Sprintf("sequence %d is used more than once", s.Sequence)})
		}
		seen[s.Sequence] = true
	}
	for n := 1; n <= len(t.Steps); n++ {
		if !seen[n] {
			errs = append(errs, VError{Path: prefix + ".steps", Code: "GAP", Message: fmt.Sprintf("step sequences must be contiguous from 1; %d is missing", n)})
			break
		}
	}

	return errs
}

func (v *Validator) validateRule(prefix string, r model.TriggerRuleDefinition, templates map[string]model.WorkflowTemplate) []VError {
	var errs []VError

	if r.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if !r.Module.Valid() {
		errs = append(errs, VError{Path: prefix + ".module", Code: "INVALID", Message: fmt.Sprintf("unknown module %q", r.Module)})
	}
	if strings.TrimSpace(r.Field) == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field is required"})
	}

	op := model.Operator(r.Operator)
	if !op.Valid() {
		errs = append(errs, VError{Path: prefix + ".operator", Code: "INVALID", Message: fmt.Sprintf("unknown operator %q", r.Operator)})
	}
	switch op {
	case model.OpGT, model.OpGTE, model.OpLT, model.OpLTE:
		if _, err := strconv.ParseFloat(strings.TrimSpace(r.Value), 64); err != nil {
			errs = append(errs, VError{Path: prefix + ".value", Code: "INVALID", Message: fmt.Sprintf("operator %s needs a numeric value, got %q", op, r.Value)})
		}
	}

	t, ok := templates[r.Template]
	switch {
	case r.Template == "":
		errs = append(errs, VError{Path: prefix + ".template", Code: "REQUIRED", Message: "template is required"})
	case !ok:
		errs = append(errs, VError{Path: prefix + ".template", Code: "UNKNOWN_REF", Message: fmt.Sprintf("template %q does not exist", r.Template)})
	case t.Module != r.Module:
		errs = append(errs, VError{Path: prefix + ".template", Code: "MODULE_MISMATCH", Message: fmt.Sprintf("template %q belongs to module %s, not %s", r.Template, t.Module, r.Module)})
	}

	return errs
}

func (v *Validator) validateDelegation(prefix string, d model.DelegationRule) []VError {
	var errs []VError

	if d.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if d.DelegatorID == "" {
		errs = append(errs, VError{Path: prefix + ".delegator_id", Code: "REQUIRED", Message: "delegator_id is required"})
	}
	if d.DelegatorRole == "" {
		errs = append(errs, VError{Path: prefix + ".delegator_role", Code: "REQUIRED", Message: "delegator_role is required"})
	}
	if d.DelegateID == "" {
		errs = append(errs, VError{Path: prefix + ".delegate_id", Code: "REQUIRED", Message: "delegate_id is required"})
	}
	if d.DelegatorID != "" && d.DelegatorID == d.DelegateID {
		errs = append(errs, VError{Path: prefix + ".delegate_id", Code: "INVALID", Message: "a user cannot delegate to themselves"})
	}
	if d.ValidTo.Before(d.ValidFrom) {
		errs = append(errs, VError{Path: prefix + ".valid_to", Code: "INVALID", Message: "valid_to must not be before valid_from"})
	}
	if d.Module != nil && !d.Module.Valid() {
		errs = append(errs, VError{Path: prefix + ".module", Code: "INVALID", Message: fmt.Sprintf("unknown module %q", *d.Module)})
	}

	return errs
}
