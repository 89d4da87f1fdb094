package model

import "time"

// Task is a read-time projection of a pending human step instance.
type Task struct {
	InstanceID        string     `json:"instance_id"`
	DefinitionID      string     `json:"definition_id"`
	DefinitionVersion int        `json:"definition_version"`
	StepID            string     `json:"step_id"`
	StepSeq           int        `json:"step_seq"`
	Name              string     `json:"name,omitempty"`
	Kind              ActionKind `json:"kind"`
	Instructions      string     `json:"instructions,omitempty"`
	Form              string     `json:"form,omitempty"`
	Verbs             []string   `json:"verbs,omitempty"`
	Assignee          ActorSet   `json:"assignee"`
	Attempt           int        `json:"attempt"`
	CreatedAt         time.Time  `json:"created_at"`
	DueAt             *time.Time `json:"due_at,omitempty"`
}
