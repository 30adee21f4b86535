package app

import (
	"strings"
	"time"
)

// Operation describes one CLI invocation. Its ID tags every log line the
// invocation writes.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	StartedAt  time.Time
	Status     string // "success" or "error"
}

// NewOperation creates an operation started at now.
func NewOperation(name string, params []string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: strings.Join(params, " "),
		StartedAt:  now,
		Status:     "success",
	}
}

// Fail marks the operation as failed. It returns err unchanged so it can
// wrap a return statement.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}
