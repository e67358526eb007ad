package dhcp4

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuarantine_MarkAndExpire(t *testing.T) {
	q := newQuarantine()
	addr := netip.MustParseAddr("192.0.2.40")

	assert.False(t, q.isDeclined(addr))

	q.mark(addr, time.Millisecond)
	assert.True(t, q.isDeclined(addr))

	time.Sleep(5 * time.Millisecond)
	assert.False(t, q.isDeclined(addr))
}

func TestQuarantine_Reconsider(t *testing.T) {
	q := newQuarantine()
	addr := netip.MustParseAddr("192.0.2.41")

	q.mark(addr, -time.Second)
	q.reconsider(time.Now())

	q.mu.Lock()
	_, stillPresent := q.until[addr]
	q.mu.Unlock()

	assert.False(t, stillPresent)
}

func TestQuarantine_Clear(t *testing.T) {
	q := newQuarantine()
	addr := netip.MustParseAddr("192.0.2.42")

	q.mark(addr, time.Hour)
	assert.True(t, q.isDeclined(addr))

	q.clear(addr)
	assert.False(t, q.isDeclined(addr))
}
