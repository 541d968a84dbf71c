package model

import "testing"

func TestRecord_Lookup(t *testing.T) {
	r := Record{
		"net_payable": 125000.5,
		"project": map[string]any{
			"category": "ROADS",
			"tags":     []any{"urgent", "state"},
		},
		"nullable": nil,
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"net_payable", 125000.5, true},
		{"project.category", "ROADS", true},
		{"project.tags.1", "state", true},
		{"project.tags.5", nil, false},
		{"project.tags.x", nil, false},
		{"project.missing", nil, false},
		{"net_payable.deeper", nil, false},
		{"nullable", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := r.Lookup(ParseFieldPath(tt.path))
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Lookup(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestModuleForEntityType(t *testing.T) {
	tests := map[string]Module{
		"RABill":         ModuleRABill,
		"Tender":         ModuleTender,
		"Design":         ModuleDesign,
		"Variation":      ModuleVariation,
		"VariationOrder": ModuleVariation,
		"Contract":       ModuleContract,
		"BOQItem":        ModuleBOQ,
		"Risk":           ModuleRisk,
	}
	for et, want := range tests {
		got, ok := ModuleForEntityType(et)
		if !ok || got != want {
			t.Errorf("ModuleForEntityType(%q) = %q, %v; want %q", et, got, ok, want)
		}
	}
	if _, ok := ModuleForEntityType("Invoice"); ok {
		t.Error("unknown entity type should not map to a module")
	}
}

func TestWorkflowTemplate_steps(t *testing.T) {
	tpl := WorkflowTemplate{ID: "tpl", Steps: []WorkflowStep{
		{ID: "s3", Sequence: 3, Role: "CE"},
		{ID: "s1", Sequence: 1, Role: "AE"},
		{ID: "s2", Sequence: 2, Role: "EE"},
	}}
	tpl.SortSteps()

	first, ok := tpl.FirstStep()
	if !ok || first.ID != "s1" {
		t.Fatalf("FirstStep() = %+v, %v", first, ok)
	}
	if first.TemplateID != "tpl" {
		t.Errorf("TemplateID = %q, want tpl", first.TemplateID)
	}
	next, ok := tpl.NextStep(first)
	if !ok || next.ID != "s2" {
		t.Errorf("NextStep(s1) = %+v, %v", next, ok)
	}
	last, _ := tpl.StepBySequence(3)
	if _, ok := tpl.NextStep(last); ok {
		t.Error("NextStep(last) should not exist")
	}
	if tpl.StepCount() != 3 {
		t.Errorf("StepCount() = %d, want 3", tpl.StepCount())
	}

	empty := WorkflowTemplate{ID: "empty"}
	if _, ok := empty.FirstStep(); ok {
		t.Error("FirstStep() on empty template should be false")
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusInProgress: false,
		StatusReverted:   false,
		StatusCompleted:  true,
		StatusRejected:   true,
		StatusCancelled:  true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestLiteral_List(t *testing.T) {
	got := Literal("ROADS, BRIDGES ,BUILDINGS").List()
	want := []string{"ROADS", "BRIDGES", "BUILDINGS"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
