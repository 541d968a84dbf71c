package rules

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/model"
)

// TemplateSource provides the read-only reference data the selector needs.
type TemplateSource interface {
	Template(id string) (model.WorkflowTemplate, bool)
	TemplatesForModule(module model.Module) []model.WorkflowTemplate
	RulesForModule(module model.Module) []model.WorkflowTriggerRule
}

// Selector resolves the template that governs an entity.
type Selector struct {
	source TemplateSource
	logger *zap.Logger
}

// NewSelector creates a selector over the given reference data.
func NewSelector(source TemplateSource, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{source: source, logger: logger}
}

// FindTemplate returns the template for the entity. Active rules are tried in
// ascending priority, ties broken by declaration order; then the module's
// active default template; then any active template of the module.
func (s *Selector) FindTemplate(ctx context.Context, module model.Module, entity model.Entity) (model.WorkflowTemplate, bool) {
	logger := observability.LoggerFrom(ctx, s.logger)

	rules := s.source.RulesForModule(module)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Order < rules[j].Order
	})

	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		tpl, ok := s.source.Template(rule.TemplateID)
		if !ok || !tpl.Active {
			continue
		}
		if Evaluate(rule.Condition, entity) {
			logger.Debug("trigger rule matched",
				zap.String("rule_id", rule.ID),
				zap.String("template_id", tpl.ID),
			)
			return tpl, true
		}
		logger.Debug("trigger rule did not match",
			zap.String("rule_id", rule.ID),
			zap.String("field", rule.Condition.Field.String()),
		)
	}

	templates := s.source.TemplatesForModule(module)
	sort.SliceStable(templates, func(i, j int) bool {
		return templates[i].ID < templates[j].ID
	})
	for _, tpl := range templates {
		if tpl.Active && tpl.Default {
			return tpl, true
		}
	}
	for _, tpl := range templates {
		if tpl.Active {
			return tpl, true
		}
	}
	return model.WorkflowTemplate{}, false
}
