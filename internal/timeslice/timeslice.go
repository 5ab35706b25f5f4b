// Package timeslice records how long each phase of VM memory setup takes.
//
// Phases are registered once at package init with RegisterKind. While a
// recording is open (StartRecording) every Record call is streamed to the
// writer as a fixed-size binary record; with no recording open Record is a
// cheap no-op.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	headerAlign = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagSetup marks one-time construction work.
	SliceFlagSetup SliceFlags = 1 << iota
	// SliceFlagHypervisor marks time spent inside hypervisor calls.
	SliceFlagHypervisor
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagSetup != 0 {
		flags = append(flags, "setup")
	}
	if f&SliceFlagHypervisor != 0 {
		flags = append(flags, "hypervisor")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind registers a named phase. Call it from package-level vars.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

// Lookup returns the registration for id.
func Lookup(id TimesliceID) (SliceInfo, bool) {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	info, ok := kinds[id]
	return info, ok
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w    io.Writer
	recs chan record
	done chan error
}

func (w *writer) run() {
	defer close(w.done)

	buf := make([]byte, 0, headerAlign)
	for rec := range w.recs {
		if len(buf)+recordSize > cap(buf) {
			if _, err := w.w.Write(buf); err != nil {
				w.done <- err
				// drain so Record never blocks on a dead writer
				for range w.recs {
				}
				return
			}
			buf = buf[:0]
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.ID))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Duration))
	}

	if len(buf) > 0 {
		if _, err := w.w.Write(buf); err != nil {
			w.done <- err
			return
		}
	}
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.recs)

	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Recorder measures consecutive phases: each Record call attributes the
// time since the previous call (or since creation) to the given kind.
// It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record emits one record to the open recording, if any.
func Record(id TimesliceID, duration time.Duration) {
	if w := current.Load(); w != nil {
		w.recs <- record{ID: id, Duration: duration.Nanoseconds()}
	}
}

// StartRecording writes the header and kind table to w and streams every
// subsequent record to it until the returned closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	hdr := make([]byte, 0, headerAlign)
	hdr, err = binary.Append(hdr, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	})
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode header: %w", err)
	}
	hdr = append(hdr, table...)
	if pad := len(hdr) % headerAlign; pad != 0 {
		hdr = append(hdr, make([]byte, headerAlign-pad)...)
	}
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}

	wr := &writer{
		w:    w,
		recs: make(chan record, 4096),
		done: make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()

	return wr, nil
}

// ReadAllRecords decodes a recording produced by StartRecording.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, headerAlign)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[TimesliceID]SliceInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := binary.Size(hdr) + int(hdr.KindsLength)
	if pad := off % headerAlign; pad != 0 {
		if _, err := buf.Discard(headerAlign - pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
