package session_test

import (
	"testing"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/session"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to session.Phase
		want     bool
	}{
		{session.PhaseStopped, session.PhaseStarting, true},
		{session.PhaseStopped, session.PhaseStopping, false},
		{session.PhaseStarting, session.PhaseRunning, true},
		{session.PhaseStarting, session.PhaseStopping, false},
		{session.PhaseRunning, session.PhaseStarting, false},
		{session.PhaseRunning, session.PhaseStopping, true},
		{session.PhaseStopping, session.PhaseStarting, false},
		{session.PhaseStopping, session.PhaseRunning, false},
		{session.PhaseError, session.PhaseStopping, true},
		{session.PhaseError, session.PhaseStarting, true},
		{session.PhaseRunning, session.PhaseRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, session.CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", session.State{}.String())
	assert.Equal(t, "running at http://h:1", session.State{Phase: session.PhaseRunning, URL: "http://h:1"}.String())
	assert.Equal(t, "error: boom", session.State{Phase: session.PhaseError, Message: "boom"}.String())
	assert.Equal(t, "phase(9)", session.Phase(9).String())
}
