package pager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wrm-go/alpha/internal/abi"
	"github.com/wrm-go/alpha/internal/appreg"
)

type stubResolver struct {
	frame abi.Frame
	ok    bool
}

func (r stubResolver) Resolve(vaddr, length uint64, access abi.AccessMask) (abi.Frame, bool) {
	return r.frame, r.ok
}

func TestResolveSuccess(t *testing.T) {
	app := &appreg.App{Resolver: stubResolver{frame: abi.Frame{Base: 0x80000000, SizeLog2: 12}, ok: true}}
	fault := abi.FaultInfo{Addr: 0x80000104, Access: abi.AccessRead | abi.AccessWrite}

	item, err := Resolve(app, fault)
	require.NoError(t, err)
	require.Equal(t, uint64(0x80000000), item.Fpage.Base)
	require.Equal(t, uint8(12), item.Fpage.SizeLog2)
	require.Equal(t, fault.Access, item.Fpage.Access)
}

func TestResolveMiss(t *testing.T) {
	app := &appreg.App{Resolver: stubResolver{ok: false}}
	_, err := Resolve(app, abi.FaultInfo{Addr: 0x1000})
	require.ErrorIs(t, err, ErrResolutionMiss)
}
