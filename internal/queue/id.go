package queue

import "github.com/google/uuid"

// newTaskID returns a process-unique, globally-unique task id with
// ≥128 bits of entropy, per spec.md §3.1.
func newTaskID() string {
	return "t-" + uuid.New().String()
}
