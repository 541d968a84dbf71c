package definition

import (
	"testing"
	"time"

	"github.com/pitabwire/pmisflow/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/valid/ra_bill.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", def.Version)
	}
	if len(def.Templates) != 2 {
		t.Fatalf("Templates = %d, want 2", len(def.Templates))
	}
	tpl := def.Templates[0]
	if tpl.ID != "ra-bill-3-step" || tpl.Module != model.ModuleRABill || !tpl.Default {
		t.Errorf("template = %+v", tpl)
	}
	// Steps are declared out of order and sorted on load.
	for i, want := range []string{"ra3-ae", "ra3-ee", "ra3-ce"} {
		if tpl.Steps[i].ID != want {
			t.Errorf("Steps[%d].ID = %q, want %q", i, tpl.Steps[i].ID, want)
		}
		if tpl.Steps[i].TemplateID != tpl.ID {
			t.Errorf("Steps[%d].TemplateID = %q", i, tpl.Steps[i].TemplateID)
		}
	}
	if !tpl.Steps[1].CanRevert || !tpl.Steps[1].RemarksRequired {
		t.Error("EE step should allow revert and require remarks")
	}
	if len(def.TriggerRules) != 1 || def.TriggerRules[0].Operator != "LTE" {
		t.Errorf("TriggerRules = %+v", def.TriggerRules)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/valid/ra_bill.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_delegations(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/valid/delegations.yml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(def.Delegations) != 1 {
		t.Fatalf("Delegations = %d, want 1", len(def.Delegations))
	}
	d := def.Delegations[0]
	if d.Module == nil || *d.Module != model.ModuleRABill {
		t.Errorf("Module = %v, want RA_BILL", d.Module)
	}
	wantFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !d.ValidFrom.Equal(wantFrom) {
		t.Errorf("ValidFrom = %v, want %v", d.ValidFrom, wantFrom)
	}
	if d.DelegatorRole != "EE" || d.DelegateID != "ae-verma" {
		t.Errorf("delegation = %+v", d)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll_skipsNonYAMLAndOrdersByPath(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/valid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() = %d files, want 2", len(defs))
	}
	if defs[0].SourceFile != "testdata/valid/delegations.yml" {
		t.Errorf("defs[0] = %q, want delegations.yml first", defs[0].SourceFile)
	}
}

func TestLoader_LoadAll_missingDirectory(t *testing.T) {
	if _, err := NewLoader().LoadAll([]string{"testdata/does-not-exist"}); err == nil {
		t.Fatal("LoadAll() should fail for a missing directory")
	}
}
