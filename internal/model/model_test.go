package model

import "testing"

func TestPKRoundTrip(t *testing.T) {
	pk := PK("wf-123")
	if got := WorkflowIDFromPK(pk); got != "wf-123" {
		t.Fatalf("got %q, want wf-123", got)
	}
}

func TestTaskChangeEventRoundTrip(t *testing.T) {
	oldTask := &Task{WorkflowID: "wf1", TaskID: "A", Status: TaskReady, Version: 1}
	newTask := &Task{WorkflowID: "wf1", TaskID: "A", Status: TaskRunning, Version: 2}

	ev, err := NewTaskChangeEvent("wf1", oldTask, newTask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.PK != "WORKFLOW#wf1" || ev.SK != "TASK#A" {
		t.Fatalf("unexpected keys: pk=%s sk=%s", ev.PK, ev.SK)
	}

	decoded, ok, err := ev.DecodeTask()
	if err != nil || !ok {
		t.Fatalf("decode new image failed: ok=%v err=%v", ok, err)
	}
	if decoded.Status != TaskRunning || decoded.Version != 2 {
		t.Fatalf("unexpected decoded new image: %+v", decoded)
	}

	prev, ok, err := ev.DecodeOldTask()
	if err != nil || !ok {
		t.Fatalf("decode old image failed: ok=%v err=%v", ok, err)
	}
	if prev.Status != TaskReady || prev.Version != 1 {
		t.Fatalf("unexpected decoded old image: %+v", prev)
	}
}

func TestTaskChangeEventSeedHasNoOldImage(t *testing.T) {
	newTask := &Task{WorkflowID: "wf1", TaskID: "A", Status: TaskPending}
	ev, err := NewTaskChangeEvent("wf1", nil, newTask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, ok, err := ev.DecodeOldTask()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no old image for a fresh seed event")
	}
}
