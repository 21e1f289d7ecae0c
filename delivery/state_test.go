package delivery_test

import (
	"testing"

	"github.com/xraph/chainhook/delivery"
)

func TestStateTerminal(t *testing.T) {
	terminal := []delivery.State{delivery.StateSucceeded, delivery.StateExhausted, delivery.StateAborted}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []delivery.State{delivery.StateQueued, delivery.StateDeferred, delivery.StateAttempting, delivery.StateAttemptFailed}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !delivery.CanTransition(s, delivery.StateAborted) {
			t.Errorf("%s should be abortable", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to delivery.State
		want     bool
	}{
		{delivery.StateQueued, delivery.StateAttempting, true},
		{delivery.StateQueued, delivery.StateDeferred, true},
		{delivery.StateDeferred, delivery.StateQueued, true},
		{delivery.StateAttempting, delivery.StateSucceeded, true},
		{delivery.StateAttempting, delivery.StateExhausted, true},
		{delivery.StateAttemptFailed, delivery.StateQueued, true},
		{delivery.StateDeferred, delivery.StateAttempting, false},
		{delivery.StateQueued, delivery.StateSucceeded, false},
		{delivery.StateSucceeded, delivery.StateQueued, false},
		{delivery.StateExhausted, delivery.StateQueued, false},
	}
	for _, tt := range tests {
		if got := delivery.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
