package model

// DefinitionFile is the root structure of a workflow reference-data file. A
// file may declare any mix of templates, trigger rules and delegations.
type DefinitionFile struct {
	Version      string                  `yaml:"version"       json:"version"`
	Templates    []WorkflowTemplate      `yaml:"templates"     json:"templates,omitempty"`
	TriggerRules []TriggerRuleDefinition `yaml:"trigger_rules" json:"trigger_rules,omitempty"`
	Delegations  []DelegationRule        `yaml:"delegations"   json:"delegations,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// TriggerRuleDefinition is the declarative form of a trigger rule.
type TriggerRuleDefinition struct {
	ID       string `yaml:"id"        json:"id"`
	Name     string `yaml:"name"      json:"name"`
	Module   Module `yaml:"module"    json:"module"`
	Template string `yaml:"template"  json:"template"`
	Priority int    `yaml:"priority"  json:"priority"`
	Active   bool   `yaml:"active"    json:"active"`
	Field    string `yaml:"field"     json:"field"`
	Operator string `yaml:"operator"  json:"operator"`
	Value    string `yaml:"value"     json:"value"`
}

// Rule converts the definition into an evaluable trigger rule. order records
// declaration position for priority ties.
func (d TriggerRuleDefinition) Rule(order int) WorkflowTriggerRule {
	return WorkflowTriggerRule{
		ID:         d.ID,
		Name:       d.Name,
		Module:     d.Module,
		TemplateID: d.Template,
		Priority:   d.Priority,
		Active:     d.Active,
		Order:      order,
		Condition: Condition{
			Field: ParseFieldPath(d.Field),
			Op:    Operator(d.Operator),
			Value: Literal(d.Value),
		},
	}
}
