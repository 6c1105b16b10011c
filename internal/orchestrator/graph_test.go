package orchestrator

import "testing"

func TestTopoValidateDiamond(t *testing.T) {
	addresses := map[string]string{
		"A": "http://a", "B1": "http://b1", "B2": "http://b2", "C": "http://c",
	}
	dependsOn := map[string][]string{
		"A":  nil,
		"B1": {"A"},
		"B2": {"A"},
		"C":  {"B1", "B2"},
	}
	dependents, err := topoValidate(dependsOn, addresses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dependents["A"]) != 2 {
		t.Fatalf("expected A to have 2 dependents, got %v", dependents["A"])
	}
	if len(dependents["B1"]) != 1 || dependents["B1"][0] != "C" {
		t.Fatalf("expected B1's only dependent to be C, got %v", dependents["B1"])
	}
}

func TestTopoValidateRejectsCycle(t *testing.T) {
	addresses := map[string]string{"A": "http://a", "B": "http://b"}
	dependsOn := map[string][]string{
		"A": {"B"},
		"B": {"A"},
	}
	_, err := topoValidate(dependsOn, addresses)
	if err == nil {
		t.Fatalf("expected cycle to be rejected")
	}
}

func TestTopoValidateRejectsMissingAddress(t *testing.T) {
	addresses := map[string]string{"A": "http://a"}
	dependsOn := map[string][]string{
		"A": nil,
		"B": {"A"},
	}
	_, err := topoValidate(dependsOn, addresses)
	if err == nil {
		t.Fatalf("expected missing targetAddress to be rejected")
	}
}

func TestTopoValidateRejectsUnknownDependency(t *testing.T) {
	addresses := map[string]string{"A": "http://a"}
	dependsOn := map[string][]string{
		"A": {"ghost"},
	}
	_, err := topoValidate(dependsOn, addresses)
	if err == nil {
		t.Fatalf("expected dependency on unknown task to be rejected")
	}
}

func TestTopoValidateLinearChain(t *testing.T) {
	addresses := map[string]string{"A": "http://a", "B": "http://b", "C": "http://c", "D": "http://d"}
	dependsOn := map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"B"},
		"D": {"C"},
	}
	dependents, err := topoValidate(dependsOn, addresses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, taskID := range []string{"A", "B", "C"} {
		if len(dependents[taskID]) != 1 {
			t.Fatalf("expected %s to have exactly one dependent, got %v", taskID, dependents[taskID])
		}
	}
	if len(dependents["D"]) != 0 {
		t.Fatalf("expected D to have no dependents, got %v", dependents["D"])
	}
}
