package model

import (
	"sort"
	"strconv"
	"strings"
)

// Module identifies the business domain a workflow governs.
type Module string

// Known modules.
const (
	ModuleRABill    Module = "RA_BILL"
	ModuleTender    Module = "TENDER"
	ModuleDesign    Module = "DESIGN"
	ModuleVariation Module = "VARIATION"
	ModuleContract  Module = "CONTRACT"
	ModuleBOQ       Module = "BOQ"
	ModuleRisk      Module = "RISK"
)

// Modules lists every known module in declaration order.
var Modules = []Module{
	ModuleRABill, ModuleTender, ModuleDesign, ModuleVariation,
	ModuleContract, ModuleBOQ, ModuleRisk,
}

// Valid reports whether m is a known module.
func (m Module) Valid() bool {
	for _, k := range Modules {
		if k == m {
			return true
		}
	}
	return false
}

var entityTypeModules = map[string]Module{
	"RABill":         ModuleRABill,
	"Tender":         ModuleTender,
	"Design":         ModuleDesign,
	"Variation":      ModuleVariation,
	"VariationOrder": ModuleVariation,
	"Contract":       ModuleContract,
	"BOQItem":        ModuleBOQ,
	"Risk":           ModuleRisk,
}

// ModuleForEntityType returns the module that governs the given entity type.
func ModuleForEntityType(entityType string) (Module, bool) {
	m, ok := entityTypeModules[entityType]
	return m, ok
}

// WorkflowTemplate is a named, ordered sequence of approval steps for a module.
type WorkflowTemplate struct {
	ID      string         `json:"id" yaml:"id"`
	Name    string         `json:"name" yaml:"name"`
	Module  Module         `json:"module" yaml:"module"`
	Active  bool           `json:"active" yaml:"active"`
	Default bool           `json:"default" yaml:"default"`
	Steps   []WorkflowStep `json:"steps" yaml:"steps"`
}

// WorkflowStep is one stage of a template.
type WorkflowStep struct {
	ID              string `json:"id" yaml:"id"`
	TemplateID      string `json:"template_id" yaml:"-"`
	Sequence        int    `json:"sequence" yaml:"sequence"`
	Name            string `json:"name" yaml:"name"`
	Role            string `json:"role" yaml:"role"`
	ActionType      string `json:"action_type" yaml:"action_type"`
	SLADays         int    `json:"sla_days" yaml:"sla_days"`
	CanRevert       bool   `json:"can_revert" yaml:"can_revert"`
	RemarksRequired bool   `json:"remarks_required" yaml:"remarks_required"`
}

// Label returns the display label for the step.
func (s WorkflowStep) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return "Step " + strconv.Itoa(s.Sequence)
}

// FirstStep returns the step with sequence 1.
func (t WorkflowTemplate) FirstStep() (WorkflowStep, bool) {
	return t.StepBySequence(1)
}

// StepBySequence returns the step with the given 1-based sequence.
func (t WorkflowTemplate) StepBySequence(n int) (WorkflowStep, bool) {
	for _, s := range t.Steps {
		if s.Sequence == n {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// StepByID returns the step with the given ID.
func (t WorkflowTemplate) StepByID(id string) (WorkflowStep, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// NextStep returns the step following s, if any.
func (t WorkflowTemplate) NextStep(s WorkflowStep) (WorkflowStep, bool) {
	return t.StepBySequence(s.Sequence + 1)
}

// StepCount returns the number of steps in the template.
func (t WorkflowTemplate) StepCount() int {
	return len(t.Steps)
}

// SortSteps orders steps by sequence and stamps the template ID on each.
func (t *WorkflowTemplate) SortSteps() {
	sort.SliceStable(t.Steps, func(i, j int) bool {
		return t.Steps[i].Sequence < t.Steps[j].Sequence
	})
	for i := range t.Steps {
		t.Steps[i].TemplateID = t.ID
	}
}

// Operator is a trigger-rule comparison operator.
type Operator string

// Supported operators.
const (
	OpGT       Operator = "GT"
	OpGTE      Operator = "GTE"
	OpLT       Operator = "LT"
	OpLTE      Operator = "LTE"
	OpEQ       Operator = "EQ"
	OpNEQ      Operator = "NEQ"
	OpIn       Operator = "IN"
	OpNotIn    Operator = "NOT_IN"
	OpContains Operator = "CONTAINS"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ, OpIn, OpNotIn, OpContains:
		return true
	}
	return false
}

// FieldPath is a dotted path into an entity, pre-split into segments.
type FieldPath []string

// ParseFieldPath splits a dotted path such as "project.category".
func ParseFieldPath(s string) FieldPath {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return FieldPath(strings.Split(s, "."))
}

// String returns the dotted form of the path.
func (p FieldPath) String() string {
	return strings.Join(p, ".")
}

// Literal is the configured right-hand side of a condition, kept in its
// textual form and coerced by the operator at evaluation time.
type Literal string

// List splits a comma-separated literal, trimming whitespace.
func (l Literal) List() []string {
	parts := strings.Split(string(l), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// Condition is a single (field, operator, value) test against an entity.
type Condition struct {
	Field FieldPath
	Op    Operator
	Value Literal
}

// WorkflowTriggerRule selects a template for entities of a module when its
// condition matches. Lower priority numbers are evaluated first; Order keeps
// declaration order for ties.
type WorkflowTriggerRule struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Module     Module    `json:"module"`
	TemplateID string    `json:"template_id"`
	Priority   int       `json:"priority"`
	Active     bool      `json:"active"`
	Condition  Condition `json:"-"`
	Order      int       `json:"-"`
}
