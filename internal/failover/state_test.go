package failover_test

import (
	"testing"

	"github.com/AdguardTeam/dhcpfailoverd/internal/failover"
	"github.com/stretchr/testify/assert"
)

func TestState_CanServe(t *testing.T) {
	testCases := []struct {
		state failover.State
		want  bool
	}{
		{failover.StateStartup, false},
		{failover.StateRecoverWait, false},
		{failover.StateNormal, true},
		{failover.StatePartnerDown, true},
		{failover.StateCommsInterrupted, true},
		{failover.StatePaused, false},
		{failover.StateShutdown, false},
		{failover.StateConflict, false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, tc.state.CanServe(), tc.state.String())
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "NORMAL", failover.StateNormal.String())
	assert.Equal(t, "PARTNER-DOWN", failover.StatePartnerDown.String())
	assert.Equal(t, "UNKNOWN", failover.State(200).String())
}
