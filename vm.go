package vmsim

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTotalFrames         = 128
	DefaultEntriesPerDirectory = 16
)

var (
	// ErrInvalidMapping reports an operation on a VPN with no valid
	// entry in the current table.
	ErrInvalidMapping = errors.New("no valid mapping for virtual page")

	// ErrSegmentation reports an access the fault resolver refused to
	// repair.
	ErrSegmentation = errors.New("segmentation violation")
)

// Options configures a Machine.
type Options struct {
	// TotalFrames is the number of physical page frames. It also bounds
	// the virtual address space: a page table covers one VPN per frame.
	TotalFrames int

	// EntriesPerDirectory is the number of PTEs one directory holds.
	// Must divide TotalFrames.
	EntriesPerDirectory int

	// Compression selects how snapshot payloads are compressed.
	Compression CompressAlgorithm
}

var DefaultOptions = &Options{
	TotalFrames:         DefaultTotalFrames,
	EntriesPerDirectory: DefaultEntriesPerDirectory,
	Compression:         CompSnappy,
}

// Machine is the paged virtual-memory simulation: one frame registry,
// an insertion-ordered registry of processes each owning a two-level
// page table, and exactly one current process whose table is the page
// table base.
//
// A single mutex serializes every operation. Fork reads one table
// while mutating another and the frame registry at the same time, so
// the registry and all tables form one exclusivity domain.
type Machine struct {
	mu   sync.Mutex
	opts Options

	frames    *FrameRegistry
	processes []*Process
	current   int // index into processes; its table is the page table base
}

// New boots a machine with a single empty process, pid 0, current.
// nil opts means DefaultOptions.
func New(opts *Options) (*Machine, error) {
	if opts == nil {
		opts = DefaultOptions
	}
	o := *opts
	if o.TotalFrames <= 0 || o.EntriesPerDirectory <= 0 {
		return nil, errors.Errorf("invalid geometry: %d frames, %d entries per directory", o.TotalFrames, o.EntriesPerDirectory)
	}
	if o.TotalFrames%o.EntriesPerDirectory != 0 {
		return nil, errors.Errorf("entries per directory %d does not divide %d frames", o.EntriesPerDirectory, o.TotalFrames)
	}
	m := &Machine{
		opts:   o,
		frames: NewFrameRegistry(o.TotalFrames),
	}
	m.processes = []*Process{{
		PID:   0,
		Table: NewPageTable(o.TotalFrames, o.EntriesPerDirectory),
	}}
	return m, nil
}

func (m *Machine) checkVPN(vpn uint32) error {
	if int(vpn) >= m.opts.TotalFrames {
		return errors.Errorf("vpn %d beyond address space of %d pages", vpn, m.opts.TotalFrames)
	}
	return nil
}

// Allocate maps vpn in the current process to a fresh frame and
// returns its number. The entry is writable iff rw asks for writes,
// and never private: a fresh mapping is shared with nobody.
func (m *Machine) Allocate(vpn uint32, rw RWFlag) (PFN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVPN(vpn); err != nil {
		return 0, err
	}
	frame, err := m.frames.Allocate()
	if err != nil {
		return 0, err
	}
	m.proc().Table.SetEntry(vpn, frame, Has(rw, RWWrite), false)
	log.WithFields(log.Fields{
		"pid": m.proc().PID,
		"vpn": vpn,
		"pfn": frame,
		"rw":  rw.String(),
	}).Debug("mapped page")
	return frame, nil
}

// Deallocate unmaps vpn from the current process and releases one
// reference to its frame. Freeing is a unilateral act: siblings that
// still share the frame keep their entries, flags and all.
func (m *Machine) Deallocate(vpn uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pte := m.proc().Table.Lookup(vpn)
	if pte == nil {
		return errors.Wrapf(ErrInvalidMapping, "vpn %d", vpn)
	}
	// Capture before the clear erases the only record of the frame.
	frame := pte.Frame
	m.proc().Table.ClearEntry(vpn)
	m.frames.Release(frame)
	log.WithFields(log.Fields{"pid": m.proc().PID, "vpn": vpn, "pfn": frame}).Debug("unmapped page")
	return nil
}

// HandleFault resolves a failed translation of vpn under rw for the
// current process.
func (m *Machine) HandleFault(vpn uint32, rw RWFlag) FaultOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveFault(m.proc(), vpn, rw)
}

// Translate walks the current page table like the MMU would. The walk
// fails when the directory or the entry is missing, or when a write is
// asked of a non-writable entry.
func (m *Machine) Translate(vpn uint32, rw RWFlag) (PFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return translate(m.proc(), vpn, rw)
}

func translate(p *Process, vpn uint32, rw RWFlag) (PFN, bool) {
	pte := p.Table.Lookup(vpn)
	if pte == nil {
		return 0, false
	}
	if Has(rw, RWWrite) && !pte.Writable {
		return 0, false
	}
	return pte.Frame, true
}

// Access performs one memory access on the current process: translate,
// and on failure let the fault resolver repair the mapping and retry.
// An unrepairable fault is a segmentation violation.
func (m *Machine) Access(vpn uint32, rw RWFlag) (PFN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.proc()
	if pfn, ok := translate(p, vpn, rw); ok {
		return pfn, nil
	}
	if m.resolveFault(p, vpn, rw) == Unhandled {
		log.WithFields(log.Fields{"pid": p.PID, "vpn": vpn, "rw": rw.String()}).Warn("segmentation violation")
		return 0, errors.Wrapf(ErrSegmentation, "pid %d vpn %d %s", p.PID, vpn, rw)
	}
	pfn, ok := translate(p, vpn, rw)
	if !ok {
		panic("vmsim: translation failed after a handled fault")
	}
	return pfn, nil
}

// Dump writes a human-readable listing of the current process's valid
// mappings and the non-zero frame counts.
func (m *Machine) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.proc()
	fmt.Fprintf(w, "process %d\n", p.PID)
	for di, dir := range p.Table.Dirs {
		if dir == nil {
			continue
		}
		for ei := range dir.PTEs {
			pte := &dir.PTEs[ei]
			if !pte.Valid {
				continue
			}
			perm := "r-"
			if pte.Writable {
				perm = "rw"
			}
			private := " "
			if pte.Private {
				private = "p"
			}
			vpn := di*m.opts.EntriesPerDirectory + ei
			fmt.Fprintf(w, "  vpn %3d -> pfn %3d  %s %s\n", vpn, pte.Frame, perm, private)
		}
	}
	fmt.Fprintf(w, "mapcounts:")
	for pfn := 0; pfn < m.frames.Frames(); pfn++ {
		if c := m.frames.Count(PFN(pfn)); c > 0 {
			fmt.Fprintf(w, " %d:%d", pfn, c)
		}
	}
	fmt.Fprintln(w)
}
