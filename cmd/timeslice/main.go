// Command timeslice prints a recording written by guestmem when trace.path
// is configured.
package main

import (
	"cmp"
	"flag"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/tinyrange/guestmem/internal/timeslice"
)

type phase struct {
	Name  string
	Flags timeslice.SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (p *phase) add(d time.Duration) {
	p.Count++
	p.Sum += d
	if p.Count == 1 || d < p.Min {
		p.Min = d
	}
	if d > p.Max {
		p.Max = d
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "timeslice recording to read")
	sums := fs.Bool("sums", false, "print per-phase totals instead of every record")
	setupOnly := fs.Bool("setup", false, "only include one-time setup phases")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		os.Exit(2)
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	phases := map[string]*phase{}
	var order []string

	if err := timeslice.ReadAllRecords(f, func(name string, flags timeslice.SliceFlags, d time.Duration) error {
		if *setupOnly && flags&timeslice.SliceFlagSetup == 0 {
			return nil
		}
		if !*sums {
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, flags, d)
			return nil
		}
		p, ok := phases[name]
		if !ok {
			p = &phase{Name: name, Flags: flags}
			phases[name] = p
			order = append(order, name)
		}
		p.add(d)
		return nil
	}); err != nil {
		return fmt.Errorf("read timeslice file: %w", err)
	}

	if !*sums {
		return nil
	}

	// Slowest phase first.
	slices.SortStableFunc(order, func(a, b string) int {
		return cmp.Compare(phases[b].Sum, phases[a].Sum)
	})

	fmt.Fprintln(w, "PHASE\tFLAGS\tCOUNT\tSUM\tMIN\tMAX\tAVG")
	for _, name := range order {
		p := phases[name]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			p.Name, p.Flags, p.Count, p.Sum, p.Min, p.Max, p.Sum/time.Duration(p.Count))
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}
