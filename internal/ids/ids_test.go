package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewULID(t *testing.T) {
	a := NewULID()
	b := NewULID()

	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
	assert.True(t, IsValidULID(a))
}

func TestIsValidULID(t *testing.T) {
	assert.True(t, IsValidULID("01HZXK2P4Q5R6S7T8V9W0X1Y2Z"))
	assert.False(t, IsValidULID(""))
	assert.False(t, IsValidULID("not-a-ulid"))
	assert.False(t, IsValidULID("01HZXK2P4Q5R6S7T8V9W0X1Y2"))
}
