package vmsim

// PTE is one virtual page's mapping record.
//
// Private marks an entry whose write permission was withdrawn purely
// for copy-on-write bookkeeping. It is what distinguishes a repairable
// write fault from a write to a page that was mapped read-only on
// purpose, and it survives even after a repair leaves the frame solely
// owned. Invariant: Writable implies Valid.
type PTE struct {
	Valid    bool
	Writable bool
	Private  bool
	Frame    PFN
}

// Directory is the second table level, holding the PTEs for one
// contiguous VPN range.
type Directory struct {
	PTEs []PTE
}

// PageTable is a process's two-level page table: a fixed array of
// directory slots, each materialized lazily on first use. One slot per
// entriesPerDir pages, one page per physical frame, so the table spans
// the whole configured address space.
type PageTable struct {
	Dirs []*Directory

	entriesPerDir int
}

func NewPageTable(totalFrames, entriesPerDir int) *PageTable {
	return &PageTable{
		Dirs:          make([]*Directory, totalFrames/entriesPerDir),
		entriesPerDir: entriesPerDir,
	}
}

// split decomposes a VPN into its directory and entry indices. Both
// are always derived, never stored.
func (pt *PageTable) split(vpn uint32) (int, int) {
	return int(vpn) / pt.entriesPerDir, int(vpn) % pt.entriesPerDir
}

// Lookup returns the PTE for vpn, or nil when the covering directory
// is absent or the entry is invalid.
func (pt *PageTable) Lookup(vpn uint32) *PTE {
	di, ei := pt.split(vpn)
	if di >= len(pt.Dirs) || pt.Dirs[di] == nil {
		return nil
	}
	pte := &pt.Dirs[di].PTEs[ei]
	if !pte.Valid {
		return nil
	}
	return pte
}

// ensure materializes the directory covering vpn if absent and returns
// vpn's entry, valid or not.
func (pt *PageTable) ensure(vpn uint32) *PTE {
	di, ei := pt.split(vpn)
	if pt.Dirs[di] == nil {
		pt.Dirs[di] = &Directory{PTEs: make([]PTE, pt.entriesPerDir)}
	}
	return &pt.Dirs[di].PTEs[ei]
}

// SetEntry writes every field of vpn's entry, materializing the
// directory first when needed.
func (pt *PageTable) SetEntry(vpn uint32, frame PFN, writable, private bool) {
	pte := pt.ensure(vpn)
	pte.Valid = true
	pte.Writable = writable
	pte.Private = private
	pte.Frame = frame
}

// ClearEntry resets vpn's entry. It never touches the frame registry;
// callers pair a clear with a release.
func (pt *PageTable) ClearEntry(vpn uint32) {
	di, ei := pt.split(vpn)
	if di >= len(pt.Dirs) || pt.Dirs[di] == nil {
		return
	}
	pt.Dirs[di].PTEs[ei] = PTE{}
}
