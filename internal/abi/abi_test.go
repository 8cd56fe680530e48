package abi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadIDRoundTrip(t *testing.T) {
	id := ThreadID{Number: 42, Version: 7}
	got := ThreadIDFromRaw(id.Raw())
	require.Equal(t, id, got)
}

func TestMsgTagRoundTrip(t *testing.T) {
	cases := []MsgTag{
		{ProtoLabel: ProtoLabelIPC, IPCLabel: 3, Untyped: 2, Typed: 0},
		{ProtoLabel: ProtoLabelPageFault, Untyped: 0, Typed: 0},
		{ProtoLabel: 0x10, IPCLabel: 0xbeef, Untyped: 1, Typed: 3, Propagated: true},
	}
	for _, tag := range cases {
		got := MsgTagFromRaw(tag.Raw())
		require.Equal(t, tag, got)
	}
	require.True(t, MsgTag{ProtoLabel: ProtoLabelPageFault}.IsPageFault())
	require.False(t, MsgTag{ProtoLabel: ProtoLabelIPC}.IsPageFault())
}

func TestFpageRoundTrip(t *testing.T) {
	f := Fpage{Base: 0x10000, SizeLog2: 12, Access: AccessRead | AccessWrite}
	w0, w1 := f.Raw()
	got := FpageFromRaw(w0, w1)
	require.Equal(t, f.SizeLog2, got.SizeLog2)
	require.Equal(t, f.Access, got.Access)
	require.True(t, got.Access.Contains(AccessRead))
	require.False(t, got.Access.Contains(AccessExecute))
}

func TestFrameAligned(t *testing.T) {
	f := Frame{Base: 0x4000, SizeLog2: 12}
	require.True(t, f.Aligned())
	require.Equal(t, uint64(0x1000), f.Size())

	bad := Frame{Base: 0x4001, SizeLog2: 12}
	require.False(t, bad.Aligned())
}

func TestPackUnpackString(t *testing.T) {
	mrs := make([]uint64, MaxMR)
	n, err := PackString(mrs, 4, "uart0")
	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.Equal(t, "uart0", UnpackString(mrs, 4))
}

func TestPackStringTooLong(t *testing.T) {
	mrs := make([]uint64, MaxMR)
	long := make([]byte, MaxNameLen)
	for i := range long {
		long[i] = 'a'
	}
	_, err := PackString(mrs, 0, string(long))
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestMapItemPackUnpack(t *testing.T) {
	mrs := make([]uint64, MaxMR)
	item := MapItem{
		Fpage:   Fpage{Base: 0x8000, SizeLog2: 12, Access: AccessRead},
		SndBase: 0x20000,
	}
	item.Pack(mrs, 0)
	got := UnpackMapItem(mrs, 0)
	require.Equal(t, item.SndBase, got.SndBase)
	require.Equal(t, item.Fpage.SizeLog2, got.Fpage.SizeLog2)
	require.Equal(t, item.Fpage.Access, got.Fpage.Access)
}
