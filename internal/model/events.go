package model

import "encoding/json"

// NewTaskChangeEvent marshals a task before/after pair into a ChangeEvent.
// oldTask is nil for a fresh insert (seed).
func NewTaskChangeEvent(workflowID string, oldTask, newTask *Task) (ChangeEvent, error) {
	ev := ChangeEvent{PK: PK(workflowID), Type: RecordTask}
	if newTask != nil {
		ev.SK = newTask.SK()
		b, err := json.Marshal(newTask)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.NewImage = b
	}
	if oldTask != nil {
		ev.SK = oldTask.SK()
		b, err := json.Marshal(oldTask)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.OldImage = b
	}
	return ev, nil
}

// DecodeTask unmarshals a ChangeEvent's new image into a Task. Returns
// false if there is no new image (a pure delete, which this engine never
// performs on task records).
func (e ChangeEvent) DecodeTask() (Task, bool, error) {
	if len(e.NewImage) == 0 {
		return Task{}, false, nil
	}
	var t Task
	if err := json.Unmarshal(e.NewImage, &t); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// NewMetaChangeEvent marshals a WorkflowMeta before/after pair.
func NewMetaChangeEvent(workflowID string, oldMeta, newMeta *WorkflowMeta) (ChangeEvent, error) {
	ev := ChangeEvent{PK: PK(workflowID), SK: SKMeta, Type: RecordMeta}
	if newMeta != nil {
		b, err := json.Marshal(newMeta)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.NewImage = b
	}
	if oldMeta != nil {
		b, err := json.Marshal(oldMeta)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.OldImage = b
	}
	return ev, nil
}

// DecodeOldTask unmarshals the old image, if present.
func (e ChangeEvent) DecodeOldTask() (Task, bool, error) {
	if len(e.OldImage) == 0 {
		return Task{}, false, nil
	}
	var t Task
	if err := json.Unmarshal(e.OldImage, &t); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}
