//go:build unit

package pointers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTo(t *testing.T) {
	t.Parallel()

	value := 3
	ptr := To(value)

	require.NotNil(t, ptr)
	assert.Equal(t, 3, *ptr)

	*ptr = 4
	assert.Equal(t, 3, value)
}

func TestClone(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Clone[time.Time](nil))

	original := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cloned := Clone(&original)

	require.NotNil(t, cloned)
	assert.NotSame(t, &original, cloned)
	assert.True(t, original.Equal(*cloned))
}

func TestValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", Value[string](nil))
	assert.Equal(t, "x", Value(To("x")))
}
