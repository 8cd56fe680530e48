package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wrm-go/alpha/internal/abi"
	"github.com/wrm-go/alpha/internal/appreg"
	"github.com/wrm-go/alpha/internal/devtable"
	"github.com/wrm-go/alpha/internal/kernel"
	"github.com/wrm-go/alpha/internal/logging"
	"github.com/wrm-go/alpha/internal/memregion"
	"github.com/wrm-go/alpha/internal/mempool"
	"github.com/wrm-go/alpha/internal/threadreg"
)

type sequentialKeys struct{ n uint64 }

func (k *sequentialKeys) NextKeyPair() (uint64, uint64) {
	k.n++
	return k.n, k.n + 1000
}

type fixedResolver struct {
	frame abi.Frame
	ok    bool
}

func (r fixedResolver) Resolve(vaddr, length uint64, access abi.AccessMask) (abi.Frame, bool) {
	return r.frame, r.ok
}

func newTestApp(first uint32, maxThreads uint32, devices, regions []string) *appreg.App {
	permDev := map[string]bool{}
	for _, d := range devices {
		permDev[d] = true
	}
	permMem := map[string]bool{}
	for _, r := range regions {
		permMem[r] = true
	}
	return &appreg.App{
		Name:              "test-app",
		FirstThreadNo:     first,
		MaxThreads:        maxThreads,
		MaxPriority:       100,
		PermittedDevices:  permDev,
		PermittedMemories: permMem,
		Resolver:          fixedResolver{frame: abi.Frame{Base: 0x90000000, SizeLog2: 12}, ok: true},
	}
}

func newTestDispatcher(t *testing.T, app *appreg.App) (*Dispatcher, *kernel.Sim) {
	t.Helper()
	apps := appreg.New()
	require.NoError(t, apps.Register(app))

	devices := devtable.New()
	require.NoError(t, devices.Add(devtable.Device{Name: "uart0", PhysBase: 0x80000100, Size: 0x100}))
	require.NoError(t, devices.Add(devtable.Device{Name: "eth0", PhysBase: 0x80000100, Size: 0x100, IRQ: 7, HasIRQ: true}))

	regions := memregion.New()
	require.NoError(t, regions.Add(memregion.Region{
		Name:     "fb",
		Location: abi.Frame{Base: 0xa0000000, SizeLog2: 16},
		Access:   abi.AccessRead | abi.AccessWrite,
		Cached:   false,
		Contig:   true,
	}))

	sim := kernel.NewSim()
	threads := threadreg.New(&sequentialKeys{})

	d := New(sim, mempool.New(), regions, devices, apps, threads, logging.NewLogger(&logging.Config{Level: logging.LevelError}), nil)
	return d, sim
}

func TestHandleMapIOSuccess(t *testing.T) {
	app := newTestApp(260, 4, []string{"uart0"}, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "uart0")
	msg := kernel.Message{MR: mr}
	reply, ok := d.handleMapIO(abi.ThreadID{Number: 260}, msg)
	require.True(t, ok)
	require.Equal(t, uint64(0), reply.MR[0])
	require.Equal(t, uint64(0x100), reply.MR[1])
	require.Equal(t, uint64(0x100), reply.MR[2])
	item := abi.UnpackMapItem(reply.MR[:], 3)
	require.Equal(t, uint64(0x80000000), item.Fpage.Base)
	require.Equal(t, uint8(12), item.Fpage.SizeLog2)
}

func TestHandleMapIONoApp(t *testing.T) {
	app := newTestApp(260, 4, []string{"uart0"}, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "uart0")
	reply, ok := d.handleMapIO(abi.ThreadID{Number: 9999}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(1), reply.MR[0])
}

func TestHandleMapIONoDevice(t *testing.T) {
	app := newTestApp(260, 4, []string{"uart0"}, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "missing")
	reply, ok := d.handleMapIO(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(2), reply.MR[0])
}

func TestHandleMapIONoPermission(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "uart0")
	reply, ok := d.handleMapIO(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(3), reply.MR[0])
}

func TestHandleAttachDetachInt(t *testing.T) {
	app := newTestApp(260, 4, []string{"eth0"}, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "eth0")
	caller := abi.ThreadID{Number: 260}

	reply, ok := d.handleAttachDetachInt(caller, kernel.Message{MR: mr}, true)
	require.True(t, ok)
	require.Equal(t, uint64(0), reply.MR[0])

	reply, ok = d.handleAttachDetachInt(caller, kernel.Message{MR: mr}, false)
	require.True(t, ok)
	require.Equal(t, uint64(0), reply.MR[0])
}

func TestHandleAttachIntNoIRQ(t *testing.T) {
	app := newTestApp(260, 4, []string{"uart0"}, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "uart0")
	reply, ok := d.handleAttachDetachInt(abi.ThreadID{Number: 260}, kernel.Message{MR: mr}, true)
	require.False(t, ok)
	require.Equal(t, uint64(3), reply.MR[0])
}

func TestHandleGetNamedMemSuccess(t *testing.T) {
	app := newTestApp(260, 4, nil, []string{"fb"})
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "fb")
	reply, ok := d.handleGetNamedMem(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.True(t, ok)
	require.Equal(t, uint64(0), reply.MR[0])
	require.Equal(t, uint64(0), reply.MR[1], "phys_base_hi")
	require.Equal(t, uint64(0xa0000000), reply.MR[2], "phys_base_lo")
	require.Equal(t, uint64(0), reply.MR[3], "cached")
	require.Equal(t, uint64(1), reply.MR[4], "contig")
	item := abi.UnpackMapItem(reply.MR[:], 5)
	require.Equal(t, uint64(0xa0000000), item.Fpage.Base)
}

func TestHandleGetNamedMemNoRegion(t *testing.T) {
	app := newTestApp(260, 4, nil, []string{"fb"})
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "missing")
	reply, ok := d.handleGetNamedMem(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(2), reply.MR[0])
}

func TestHandleCreateThreadSuccess(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	d, sim := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	mr[0] = 50  // requested priority
	mr[1] = 0x1000
	mr[2] = 0x2000
	mr[3] = 0x90000000

	reply, ok := d.handleCreateThread(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.True(t, ok)
	require.Equal(t, uint64(0), reply.MR[0])
	newID := abi.ThreadIDFromRaw(reply.MR[1])
	require.Equal(t, uint32(262), newID.Number) // 260,261 reserved pager/main

	var scheduled bool
	for _, c := range sim.Calls() {
		if c.Op == "schedule" {
			scheduled = true
			require.Equal(t, newID, c.Args[0])
			require.Equal(t, uint8(50), c.Args[1])
		}
	}
	require.True(t, scheduled, "expected the clamped priority to be applied via Schedule")
}

func TestHandleCreateThreadClampsPriorityToAppMax(t *testing.T) {
	app := newTestApp(258, 4, nil, nil)
	app.MaxPriority = 150
	d, sim := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	mr[0] = 200 // requested priority exceeds the app's max
	mr[3] = 0x90000000

	_, ok := d.handleCreateThread(abi.ThreadID{Number: 258}, kernel.Message{MR: mr})
	require.True(t, ok)

	var gotPrio uint8
	for _, c := range sim.Calls() {
		if c.Op == "schedule" {
			gotPrio = c.Args[1].(uint8)
		}
	}
	require.Equal(t, uint8(150), gotPrio)
}

func TestHandleCreateThreadNoFreeThread(t *testing.T) {
	app := newTestApp(260, 2, nil, nil) // only reserved pager+main slots
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	reply, ok := d.handleCreateThread(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(2), reply.MR[0])
}

func TestHandleCreateThreadBadUTCB(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	app.Resolver = fixedResolver{ok: false}
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	mr[3] = 0xdeadbeef
	reply, ok := d.handleCreateThread(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(4), reply.MR[0])
}

func TestHandleRegisterThreadAndGetThreadID(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "svc.logger")
	reply, ok := d.handleRegisterThread(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.True(t, ok)
	require.Equal(t, uint64(0), reply.MR[0])
	key0, key1 := reply.MR[1], reply.MR[2]

	var lookupMR [abi.MaxMR]uint64
	abi.PackString(lookupMR[:], 0, "svc.logger")
	reply, ok = d.handleGetThreadID(abi.ThreadID{}, kernel.Message{MR: lookupMR})
	require.True(t, ok)
	require.Equal(t, abi.ThreadID{Number: 260}, abi.ThreadIDFromRaw(reply.MR[1]))
	require.Equal(t, key0, reply.MR[2])
	require.Equal(t, key1, reply.MR[3])
}

func TestHandleRegisterThreadAlreadyExists(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "dup")
	_, ok := d.handleRegisterThread(abi.ThreadID{Number: 260}, kernel.Message{MR: mr})
	require.True(t, ok)

	reply, ok := d.handleRegisterThread(abi.ThreadID{Number: 261}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(2), reply.MR[0])
}

func TestHandleGetThreadIDNotFound(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	abi.PackString(mr[:], 0, "nope")
	reply, ok := d.handleGetThreadID(abi.ThreadID{}, kernel.Message{MR: mr})
	require.False(t, ok)
	require.Equal(t, uint64(1), reply.MR[0])
}

func TestHandleAppThreads(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	d, _ := newTestDispatcher(t, app)

	var mr [abi.MaxMR]uint64
	mr[0] = abi.ThreadID{Number: 260}.Raw()
	reply, ok := d.handleAppThreads(abi.ThreadID{}, kernel.Message{MR: mr})
	require.True(t, ok)
	require.Equal(t, uint64(260), reply.MR[1])
	require.Equal(t, uint64(264), reply.MR[2])
}

func TestHandleGetUsualMemDeclined(t *testing.T) {
	app := newTestApp(260, 4, nil, nil)
	d, _ := newTestDispatcher(t, app)

	reply, ok := d.handleGetUsualMem(abi.ThreadID{Number: 260}, kernel.Message{})
	require.False(t, ok)
	require.Equal(t, uint64(6), reply.MR[0])
}

func TestServeRoutesPageFaultAndIPC(t *testing.T) {
	app := newTestApp(260, 4, []string{"uart0"}, nil)
	d, sim := newTestDispatcher(t, app)

	var faultMR [abi.MaxMR]uint64
	faultMR[0] = 0x90000004
	sim.Inject(abi.ThreadID{Number: 260}, kernel.Message{
		Tag: abi.MsgTag{ProtoLabel: abi.ProtoLabelPageFault},
		MR:  faultMR,
	})

	var ipcMR [abi.MaxMR]uint64
	abi.PackString(ipcMR[:], 0, "uart0")
	sim.Inject(abi.ThreadID{Number: 260}, kernel.Message{
		Tag: abi.MsgTag{ProtoLabel: abi.ProtoLabelIPC, IPCLabel: 1},
		MR:  ipcMR,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Serve(ctx)
	require.Error(t, err) // ctx deadline, not a fatal break

	sent := sim.Sent()
	require.Len(t, sent, 2)
	require.True(t, sent[0].Msg.Tag.Typed == 2) // page-fault reply
	require.Equal(t, uint64(0), sent[1].Msg.MR[0])
}
