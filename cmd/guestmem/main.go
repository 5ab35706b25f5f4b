package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/tinyrange/guestmem/internal/config"
	"github.com/tinyrange/guestmem/internal/guestmem"
	"github.com/tinyrange/guestmem/internal/hostcpu"
	"github.com/tinyrange/guestmem/internal/hv"
	"github.com/tinyrange/guestmem/internal/hv/factory"
	"github.com/tinyrange/guestmem/internal/memory"
	"github.com/tinyrange/guestmem/internal/timeslice"
)

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	memSize := flag.String("memory", "", "guest RAM size, overrides memory.size (e.g. 2GiB)")
	backing := flag.String("backing", "", "backing file or directory, overrides memory.backing_path")
	archName := flag.String("arch", "", "guest architecture (x86_64 or arm64), defaults to the host")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *memSize != "" {
		if err := cfg.Memory.Size.UnmarshalText([]byte(*memSize)); err != nil {
			return err
		}
	}
	if *backing != "" {
		cfg.Memory.BackingPath = *backing
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if cfg.Trace.Path != "" {
		f, err := os.Create(cfg.Trace.Path)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()

		rec, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("start timeslice recording: %w", err)
		}
		defer rec.Close()
	}

	arch := hv.ArchitectureInvalid
	if *archName != "" {
		arch = hv.CpuArchitecture(*archName)
	}

	h, err := factory.OpenWithArchitecture(arch)
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	vm, err := h.NewVirtualMachine()
	if err != nil {
		return fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()

	maxSlots, err := vm.MaxMemorySlots()
	if err != nil {
		slog.Warn("query memory slot limit", "error", err)
	}

	physBits := cfg.Memory.PhysBits
	if physBits == 0 {
		physBits = hostcpu.PhysicalAddressBits()
	}

	// 1<<64 wraps to zero, which NewAddressSpace reads as the whole space.
	var spaceSize uint64
	if physBits < 64 {
		spaceSize = uint64(1) << physBits
	}
	space := hv.NewAddressSpace(h.Architecture(), 0, spaceSize)

	mgr, err := memory.New(memory.Config{
		Allocator:    space,
		VM:           vm,
		BootRAMSize:  uint64(cfg.Memory.Size),
		Backing:      guestmem.Backing{Path: cfg.Memory.BackingPath},
		Mergeable:    cfg.Memory.Mergeable,
		Architecture: h.Architecture(),
		PhysBits:     physBits,
		MaxSlots:     maxSlots,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("set up guest memory: %w", err)
	}

	printLayout(mgr, space)

	// Slots must be torn down before their mappings go away.
	return errors.Join(vm.Close(), mgr.Close())
}

func printLayout(mgr *memory.Manager, space *hv.AddressSpace) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "REGION\tSTART\tSIZE\tTYPE")
	for i, r := range mgr.Regions() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, r.Base, humanize.IBytes(r.Size), r.Type)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "SLOT\tGPA\tSIZE\tHOST")
	mgr.GuestMemory().Load().WithRegions(func(i int, r *guestmem.Region) error {
		fmt.Fprintf(w, "%d\t%s\t%s\t0x%x\n", i, r.StartAddr(), humanize.IBytes(r.Len()), r.HostAddress())
		return nil
	})

	fmt.Fprintln(w)
	area := mgr.DeviceArea()
	fmt.Fprintf(w, "device area\t%s\n", area)
	fmt.Fprintf(w, "physical address bits\t%d\n", mgr.PhysicalAddressBits())
	fmt.Fprintf(w, "next memory slot\t%d\n", mgr.NextMemorySlot())
	fmt.Fprintf(w, "reservations\t%d\n", len(space.Allocations()))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "guestmem: %v\n", err)
		os.Exit(1)
	}
}
