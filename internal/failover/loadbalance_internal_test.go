package failover

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBalancer_MayServe_Normal(t *testing.T) {
	hw, err := net.ParseMAC("00:00:00:00:00:01")
	assert.NoError(t, err)

	hash := hashHW(hw)

	primary := &Balancer{Split: hash + 1, Primary: true}
	secondary := &Balancer{Split: hash + 1, Primary: false}

	assert.True(t, primary.MayServe(StateNormal, hw, 0))
	assert.False(t, secondary.MayServe(StateNormal, hw, 0))

	primary.Split = hash
	secondary.Split = hash

	assert.False(t, primary.MayServe(StateNormal, hw, 0))
	assert.True(t, secondary.MayServe(StateNormal, hw, 0))
}

func TestBalancer_MayServe_CommsInterrupted_UsesLastOctet(t *testing.T) {
	hw, err := net.ParseMAC("00:00:00:00:00:01")
	assert.NoError(t, err)

	b := &Balancer{Split: 100, Primary: true}

	assert.True(t, b.MayServe(StateCommsInterrupted, hw, 50))
	assert.False(t, b.MayServe(StateCommsInterrupted, hw, 150))
}

func TestBalancer_MayServe_PartnerDown_AlwaysServes(t *testing.T) {
	hw, err := net.ParseMAC("00:00:00:00:00:01")
	assert.NoError(t, err)

	b := &Balancer{Split: 0, Primary: false}

	assert.True(t, b.MayServe(StatePartnerDown, hw, 0))
}

func TestBalancer_MayServe_OtherStates_NeverServes(t *testing.T) {
	hw, err := net.ParseMAC("00:00:00:00:00:01")
	assert.NoError(t, err)

	b := &Balancer{Split: 255, Primary: true}

	assert.False(t, b.MayServe(StateStartup, hw, 0))
	assert.False(t, b.MayServe(StatePaused, hw, 0))
}

func TestHashHW_SumsBytesModulo256(t *testing.T) {
	hw := net.HardwareAddr{0x01, 0x02, 0x03, 0x00, 0x00, 0x00}
	assert.Equal(t, uint8(6), hashHW(hw))
}
