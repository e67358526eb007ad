package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := newBackoff()

	assert.Equal(t, backoffStart, b.Next())
	assert.Equal(t, 2*backoffStart, b.Next())
	assert.Equal(t, 4*backoffStart, b.Next())

	for i := 0; i < 10; i++ {
		b.Next()
	}

	assert.Equal(t, backoffMax, b.Next())
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff()

	b.Next()
	b.Next()
	b.Reset()

	assert.Equal(t, backoffStart, b.Next())
}
