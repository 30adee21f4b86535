package app

import (
	"errors"
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)

	tests := []struct {
		name       string
		params     []string
		wantParams string
	}{
		{name: "with parameters", params: []string{"--firmware", "2.0.0", "kitchen-plug"}, wantParams: "--firmware 2.0.0 kitchen-plug"},
		{name: "without parameters", params: nil, wantParams: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("Flash", tt.params, now)

			if op.ID != "20260301T123005Z" {
				t.Errorf("ID = %q", op.ID)
			}
			if op.Name != "Flash" || op.Parameters != tt.wantParams {
				t.Errorf("op = %+v", op)
			}
			if op.Status != "success" {
				t.Errorf("Status = %q, want success", op.Status)
			}
		})
	}
}

func TestOperation_Fail(t *testing.T) {
	op := NewOperation("Flash", nil, time.Now())

	if err := op.Fail(nil); err != nil || op.Status != "success" {
		t.Errorf("Fail(nil) = %v, status %q", err, op.Status)
	}
	boom := errors.New("boom")
	if err := op.Fail(boom); err != boom {
		t.Errorf("Fail() = %v, want the same error", err)
	}
	if op.Status != "error" {
		t.Errorf("Status = %q, want error", op.Status)
	}
}
