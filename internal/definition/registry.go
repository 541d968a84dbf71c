package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pitabwire/pmisflow/model"
)

// snapshot is an immutable view of all reference data.
type snapshot struct {
	templates   map[string]model.WorkflowTemplate
	byModule    map[model.Module][]string
	rules       map[model.Module][]model.WorkflowTriggerRule
	delegations []model.DelegationRule
	checksum    string
}

// Registry is a read-optimized, thread-safe store of workflow reference data.
// It uses atomic pointer swap for lock-free concurrent reads; snapshots are
// never edited in place, so a template's steps cannot change under a reader.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definition files.
func NewRegistry(defs []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.DefinitionFile) {
	s := &snapshot{
		templates: make(map[string]model.WorkflowTemplate),
		byModule:  make(map[model.Module][]string),
		rules:     make(map[model.Module][]model.WorkflowTriggerRule),
	}

	var checksumParts []string
	order := 0

	for _, def := range defs {
		checksumParts = append(checksumParts, def.Checksum)

		for _, t := range def.Templates {
			t.SortSteps()
			if _, dup := s.templates[t.ID]; !dup {
				s.byModule[t.Module] = append(s.byModule[t.Module], t.ID)
			}
			s.templates[t.ID] = t
		}
		for _, rd := range def.TriggerRules {
			rule := rd.Rule(order)
			order++
			s.rules[rule.Module] = append(s.rules[rule.Module], rule)
		}
		s.delegations = append(s.delegations, def.Delegations...)
	}

	for m := range s.byModule {
		sort.Strings(s.byModule[m])
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Template returns the template with the given ID.
func (r *Registry) Template(id string) (model.WorkflowTemplate, bool) {
	t, ok := r.current().templates[id]
	return t, ok
}

// TemplatesForModule returns the module's templates ordered by ID.
func (r *Registry) TemplatesForModule(module model.Module) []model.WorkflowTemplate {
	s := r.current()
	ids := s.byModule[module]
	out := make([]model.WorkflowTemplate, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.templates[id])
	}
	return out
}

// DefaultTemplate returns the module's active default template, if any.
func (r *Registry) DefaultTemplate(module model.Module) (model.WorkflowTemplate, bool) {
	for _, t := range r.TemplatesForModule(module) {
		if t.Active && t.Default {
			return t, true
		}
	}
	return model.WorkflowTemplate{}, false
}

// RulesForModule returns a copy of the module's trigger rules ordered by
// priority then declaration order.
func (r *Registry) RulesForModule(module model.Module) []model.WorkflowTriggerRule {
	src := r.current().rules[module]
	out := make([]model.WorkflowTriggerRule, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// Delegations returns a copy of all configured delegation rules.
func (r *Registry) Delegations() []model.DelegationRule {
	src := r.current().delegations
	out := make([]model.DelegationRule, len(src))
	copy(out, src)
	return out
}

// ActiveDelegationsFor returns the delegations under which delegateID may act
// at the given time.
func (r *Registry) ActiveDelegationsFor(delegateID string, now time.Time) []model.DelegationRule {
	var out []model.DelegationRule
	for _, d := range r.current().delegations {
		if d.DelegateID == delegateID && d.IsCurrentlyActive(now) {
			out = append(out, d)
		}
	}
	return out
}

// StepIDsForRole returns the IDs of steps whose role equals role across all
// templates, restricted to module when it is non-nil.
func (r *Registry) StepIDsForRole(role string, module *model.Module) []string {
	if role == "" {
		return nil
	}
	s := r.current()
	var ids []string
	for _, t := range s.templates {
		if module != nil && t.Module != *module {
			continue
		}
		for _, step := range t.Steps {
			if step.Role == role {
				ids = append(ids, step.ID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// TemplateCount returns the number of loaded templates.
func (r *Registry) TemplateCount() int {
	return len(r.current().templates)
}
