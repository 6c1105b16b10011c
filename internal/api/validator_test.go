package api

import "testing"

func TestValidatePayloadAcceptsDiamond(t *testing.T) {
	p := SeedPayload{
		WorkflowID: "wf1",
		Addresses:  map[string]string{"A": "http://a", "B1": "http://b1", "B2": "http://b2", "C": "http://c"},
		DependsOn: map[string][]string{
			"A": nil, "B1": {"A"}, "B2": {"A"}, "C": {"B1", "B2"},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingWorkflowID(t *testing.T) {
	p := SeedPayload{Addresses: map[string]string{"A": "http://a"}}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for missing workflowId")
	}
}

func TestValidateRejectsEmptyGraph(t *testing.T) {
	p := SeedPayload{WorkflowID: "wf1"}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for empty addresses")
	}
}

func TestValidateRejectsMalformedTaskID(t *testing.T) {
	p := SeedPayload{
		WorkflowID: "wf1",
		Addresses:  map[string]string{"bad id!": "http://a"},
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for malformed task id")
	}
}

func TestValidateRejectsMissingTargetAddress(t *testing.T) {
	p := SeedPayload{
		WorkflowID: "wf1",
		Addresses:  map[string]string{"A": ""},
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for empty targetAddress")
	}
}

func TestValidateRejectsDependencyOnUnknownTask(t *testing.T) {
	p := SeedPayload{
		WorkflowID: "wf1",
		Addresses:  map[string]string{"A": "http://a"},
		DependsOn:  map[string][]string{"A": {"ghost"}},
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for dependency on unknown task")
	}
}
