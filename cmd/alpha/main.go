// Command alpha is the root task: it bootstraps the system from a
// configuration file and a directory of application images, then runs
// the pager/broker loop for the lifetime of the system.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	alpha "github.com/wrm-go/alpha"
	"github.com/wrm-go/alpha/internal/abi"
	"github.com/wrm-go/alpha/internal/appreg"
	"github.com/wrm-go/alpha/internal/apploader"
	"github.com/wrm-go/alpha/internal/broker"
	"github.com/wrm-go/alpha/internal/config"
	"github.com/wrm-go/alpha/internal/constants"
	"github.com/wrm-go/alpha/internal/devtable"
	"github.com/wrm-go/alpha/internal/kernel"
	"github.com/wrm-go/alpha/internal/logging"
	"github.com/wrm-go/alpha/internal/memregion"
	"github.com/wrm-go/alpha/internal/mempool"
	"github.com/wrm-go/alpha/internal/ramfs"
	"github.com/wrm-go/alpha/internal/threadreg"
)

// pinToCPU pins the calling OS thread to cpu, the same SchedSetaffinity
// call the teacher's queue runner uses to keep a hot loop off the
// scheduler's migration path. Best-effort: a sandboxed or containerized
// host may deny it, which is not fatal to the broker loop.
func pinToCPU(logger *logging.Logger, cpu int) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logger.Warn("could not pin broker loop to cpu", "cpu", cpu, "error", err)
	}
}

func main() {
	var (
		configPath   = flag.String("config", "config.alph", "path to the system configuration file")
		appDir       = flag.String("apps", ".", "directory containing the applications named in the configuration's file_path fields")
		simulate     = flag.Bool("simulate", false, "run against the in-memory kernel simulator instead of a real kernel device")
		kernelDevice = flag.String("kernel-device", "/dev/l4kernel", "path to the kernel syscall device (ignored in -simulate mode)")
		verbose      = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	rt, err := Bootstrap(ctx, logger, *configPath, *appDir, *simulate, *kernelDevice)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	if !*simulate {
		pinToCPU(logger, 0)
	}

	metrics := alpha.NewMetrics()
	observer := alpha.NewMetricsObserver(metrics)
	dispatcher := broker.New(rt.Kernel, rt.Pool, rt.Regions, rt.Devices, rt.Apps, rt.Threads, logger, observer)

	logger.Info("root task entering steady-state loop", "apps", len(rt.Apps.Apps()))
	if err := dispatcher.Serve(ctx); err != nil {
		metrics.Stop()
		snap := metrics.Snapshot()
		logger.Error("broker loop exited", "error", err, "requests", snap.Requests, "page_faults", snap.PageFaults)
		os.Exit(1)
	}
}

// Runtime holds every collaborator the broker loop needs, assembled by
// Bootstrap before internal/broker.Dispatcher.Serve is called.
type Runtime struct {
	Kernel  kernel.Kernel
	Pool    *mempool.Pool
	Regions *memregion.Registry
	Devices *devtable.Table
	Apps    *appreg.Registry
	Threads *threadreg.Registry
}

// Bootstrap reproduces original_source's bootstrap sequence end to end:
// parse the configuration, acquire all memory and I/O space from the
// primordial pager, prepare named memory regions, and spawn each
// configured application - populating C1-C5 before the broker loop is
// ever entered. A failure anywhere in Bootstrap terminates the root task
// before the loop starts, per spec.md §7.
func Bootstrap(ctx context.Context, logger *logging.Logger, configPath, appDir string, simulate bool, kernelDevice string) (*Runtime, error) {
	fs := ramfs.New()

	cfgBytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read config: %w", err)
	}
	fs.Add("config.alph", cfgBytes)

	cfg, err := config.Parse(string(cfgBytes))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse config: %w", err)
	}
	logger.Info("parsed configuration", "devices", len(cfg.Devices), "memory_regions", len(cfg.Memory), "apps", len(cfg.Apps))
	logger.Debug(config.Dump(cfg))

	for _, a := range cfg.Apps {
		data, err := os.ReadFile(filepath.Join(appDir, filepath.Base(a.FilePath)))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: read image for %q: %w", a.Name, err)
		}
		fs.Add(a.FilePath, data)
	}

	var k kernel.Kernel
	var sigma0 abi.ThreadID
	if simulate {
		k = kernel.NewSim()
		sigma0 = abi.ThreadID{Number: 0, Version: 1}
	} else {
		real, err := kernel.NewReal(kernelDevice)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: open kernel device: %w", err)
		}
		k = real
		sigma0 = abi.ThreadID{Number: 0, Version: 1}
	}

	pool := mempool.New()
	if err := apploader.AcquireAllMemory(ctx, k, sigma0, pool, mempool.MaxSizeLog2-1, logger); err != nil {
		return nil, fmt.Errorf("bootstrap: acquire memory: %w", err)
	}

	devices := devtable.New()
	for _, d := range cfg.Devices {
		dev := devtable.Device{Name: d.Name, PhysBase: d.PA, Size: d.Size, IRQ: d.IRQ, HasIRQ: d.IRQ != 0}
		if err := devices.Add(dev); err != nil {
			return nil, fmt.Errorf("bootstrap: register device %q: %w", d.Name, err)
		}
	}
	if err := apploader.AcquireIOSpace(ctx, k, sigma0, cfg.Devices, logger); err != nil {
		return nil, fmt.Errorf("bootstrap: acquire iospace: %w", err)
	}

	regions := memregion.New()
	if err := apploader.PrepareNamedRegions(ctx, k, cfg.Memory, pool, regions); err != nil {
		return nil, fmt.Errorf("bootstrap: prepare named regions: %w", err)
	}

	apps := appreg.New()
	threads := threadreg.New(threadreg.CryptoKeySource{})

	rootID := abi.ThreadID{Number: 1, Version: 1} // the root task's own thread id: user_base()+1
	var nextThreadNo uint32 = 2                    // +0 sigma0, +1 alpha, per original_source's next_thread_id
	for _, a := range cfg.Apps {
		sp, err := apploader.SpawnApp(ctx, k, rootID, a, fs, pool, nextThreadNo)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: spawn %q: %w", a.Name, err)
		}
		if err := apploader.AttachNamedRegions(sp, a, regions); err != nil {
			return nil, fmt.Errorf("bootstrap: attach named regions for %q: %w", a.Name, err)
		}
		if err := apps.Register(sp.App); err != nil {
			return nil, fmt.Errorf("bootstrap: register app %q: %w", a.Name, err)
		}
		logger.Info("spawned application", "name", a.Name, "first_thread_no", nextThreadNo, "max_threads", a.ThreadsMax)
		nextThreadNo += a.ThreadsMax
		time.Sleep(constants.AppSpawnSettleDelay)
	}

	return &Runtime{Kernel: k, Pool: pool, Regions: regions, Devices: devices, Apps: apps, Threads: threads}, nil
}
