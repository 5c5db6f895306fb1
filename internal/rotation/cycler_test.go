package rotation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCyclerWrapsAround(t *testing.T) {
	groups := []string{"g0", "g1", "g2"}
	c := NewCycler(groups)

	// The element assigned to unit i equals the one assigned to unit i mod M.
	var seen []string
	for i := 0; i < 10; i++ {
		seen = append(seen, c.Next())
	}
	for i, v := range seen {
		require.Equal(t, groups[i%len(groups)], v)
	}
}

func TestCyclerEmptyYieldsZeroValue(t *testing.T) {
	c := NewCycler[*int](nil)
	require.Nil(t, c.Next())
	require.Nil(t, c.Next())
	require.Equal(t, 0, c.Len())
}

func TestCyclerSingleElement(t *testing.T) {
	c := NewCycler([]string{"only"})
	require.Equal(t, "only", c.Next())
	require.Equal(t, "only", c.Next())
}

func TestAdminRotorAdvancesPerBatch(t *testing.T) {
	groups := []string{"a", "b", "c"}
	r := NewAdminRotor(groups)

	// Batch b gets group (b mod G).
	for b := 0; b < 7; b++ {
		g, ok := r.Current()
		require.True(t, ok)
		require.Equal(t, groups[b%len(groups)], g)
		r.Advance()
	}
}

func TestAdminRotorEmpty(t *testing.T) {
	r := NewAdminRotor(nil)
	_, ok := r.Current()
	require.False(t, ok)
	r.Advance() // no panic
}
