package memregion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wrm-go/alpha/internal/abi"
)

func TestAddAndLookup(t *testing.T) {
	reg := New()
	region := Region{
		Name:     "fb0",
		Location: abi.Frame{Base: 0x40000000, SizeLog2: 20},
		Access:   abi.AccessRead | abi.AccessWrite,
		Cached:   false,
		Contig:   true,
	}
	require.NoError(t, reg.Add(region))

	got, ok := reg.Lookup("fb0")
	require.True(t, ok)
	require.Equal(t, region, got)

	_, ok = reg.Lookup("nope")
	require.False(t, ok)
}

func TestAddDuplicateRejected(t *testing.T) {
	reg := New()
	region := Region{Name: "fb0", Location: abi.Frame{SizeLog2: 12}}
	require.NoError(t, reg.Add(region))
	err := reg.Add(region)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestNamesPreservesOrder(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Add(Region{Name: "a", Location: abi.Frame{SizeLog2: 12}}))
	require.NoError(t, reg.Add(Region{Name: "b", Location: abi.Frame{SizeLog2: 12}}))
	require.Equal(t, []string{"a", "b"}, reg.Names())
}
