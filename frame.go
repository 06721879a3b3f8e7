package vmsim

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PFN is a physical frame number.
type PFN uint32

var ErrOutOfMemory = errors.New("out of memory: every page frame is mapped")

// FrameRegistry tracks, per physical frame, how many valid page table
// entries across all processes reference it. A frame is free iff its
// count is zero; a count above one means the frame is shared and any
// write to it must go through copy-on-write.
type FrameRegistry struct {
	mapcounts []uint32
}

func NewFrameRegistry(frames int) *FrameRegistry {
	return &FrameRegistry{mapcounts: make([]uint32, frames)}
}

// Allocate returns the lowest-numbered free frame and counts its first
// reference. Lowest-first is not an allocator strategy, it keeps
// allocation order reproducible.
func (r *FrameRegistry) Allocate() (PFN, error) {
	for pfn, count := range r.mapcounts {
		if count == 0 {
			r.mapcounts[pfn] = 1
			return PFN(pfn), nil
		}
	}
	return 0, ErrOutOfMemory
}

// Share counts one more entry referencing an already-mapped frame.
func (r *FrameRegistry) Share(pfn PFN) {
	r.mapcounts[pfn]++
}

// Release drops one reference to pfn. Releasing a free frame means the
// registry and some page table no longer agree on who maps what; that
// accounting corruption is unrecoverable, so it panics rather than
// being masked.
func (r *FrameRegistry) Release(pfn PFN) {
	if r.mapcounts[pfn] == 0 {
		log.WithField("pfn", pfn).Error("release of a free page frame")
		panic(fmt.Sprintf("vmsim: release of free frame %d", pfn))
	}
	r.mapcounts[pfn]--
}

// Count reports how many valid entries reference pfn.
func (r *FrameRegistry) Count(pfn PFN) uint32 { return r.mapcounts[pfn] }

// Shared reports whether more than one entry references pfn.
func (r *FrameRegistry) Shared(pfn PFN) bool { return r.mapcounts[pfn] > 1 }

// Frames is the configured number of physical frames.
func (r *FrameRegistry) Frames() int { return len(r.mapcounts) }
