package vmsim

import (
	log "github.com/sirupsen/logrus"
)

// FaultOutcome is the resolver's verdict on a failed translation.
type FaultOutcome int

const (
	// Unhandled: the access is a genuine violation. The caller decides
	// the consequence.
	Unhandled FaultOutcome = iota
	// Handled: the mapping was repaired and translation can be retried.
	Handled
)

func (o FaultOutcome) String() string {
	if o == Handled {
		return "handled"
	}
	return "unhandled"
}

// resolveFault classifies a failed translation of vpn under rw in p's
// address space and repairs it when it is a copy-on-write fault.
//
// The only repairable shape is a write to an entry that lost its write
// permission for COW bookkeeping: private and not writable. Unmapped
// pages and writes to deliberately read-only pages stay unhandled.
func (m *Machine) resolveFault(p *Process, vpn uint32, rw RWFlag) FaultOutcome {
	pte := p.Table.Lookup(vpn)
	if pte == nil {
		return Unhandled
	}
	if !Has(rw, RWWrite) || pte.Writable {
		return Unhandled
	}
	if !pte.Private {
		return Unhandled
	}

	// The faulting process owns this mapping privately from here on.
	pte.Writable = true

	if m.frames.Shared(pte.Frame) {
		// Other processes still alias the frame: move this entry to a
		// fresh frame and leave the old one to the remaining owners.
		// Release before allocating so the scan cannot hand the old
		// frame back. Only the mapping moves; frames are opaque.
		old := pte.Frame
		m.frames.Release(old)
		frame, err := m.frames.Allocate()
		if err != nil {
			// Nothing to break the share into. Undo and report the
			// write as a violation.
			m.frames.Share(old)
			pte.Writable = false
			log.WithFields(log.Fields{"pid": p.PID, "vpn": vpn}).Warn("copy-on-write break failed, out of frames")
			return Unhandled
		}
		pte.Frame = frame
		log.WithFields(log.Fields{
			"pid": p.PID,
			"vpn": vpn,
			"old": old,
			"new": frame,
		}).Debug("copy-on-write break")
	}
	return Handled
}
