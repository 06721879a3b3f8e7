package vmsim

import (
	log "github.com/sirupsen/logrus"
)

// Process is one simulated process. It exclusively owns its page
// table; nothing but a fork in flight ever reads another process's
// table. Processes are never reaped.
type Process struct {
	PID   uint32
	Table *PageTable
}

// Activate makes the process with the given pid current. An unknown
// pid is not an error, it is the fork trigger: the current process's
// whole address space is cloned copy-on-write into a new process and
// the new process becomes current.
func (m *Machine) Activate(pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.processes {
		if p.PID == pid {
			// Pure context switch, no table mutation.
			m.current = i
			log.WithField("pid", pid).Debug("context switch")
			return
		}
	}
	m.fork(pid)
}

// fork clones the current address space into a new process with the
// given pid and switches to it. No frame contents move: both sides
// keep referencing the same frames with write permission withdrawn, so
// the first write on either side re-faults through the COW resolver.
// The parent loses its writable bits too; fork is symmetric.
func (m *Machine) fork(pid uint32) {
	parent := m.processes[m.current]
	child := &Process{
		PID:   pid,
		Table: NewPageTable(m.opts.TotalFrames, m.opts.EntriesPerDirectory),
	}

	for di, dir := range parent.Table.Dirs {
		if dir == nil {
			continue
		}
		for ei := range dir.PTEs {
			src := &dir.PTEs[ei]
			if !src.Valid {
				continue
			}
			vpn := uint32(di*m.opts.EntriesPerDirectory + ei)
			dst := child.Table.ensure(vpn)

			// Anything writable now, or already flagged from an
			// earlier share, is COW-private once two tables map it.
			cow := src.Writable || src.Private

			// A child entry that is already valid was established by
			// an earlier fork step; fill in only the empty ones.
			if !dst.Valid {
				dst.Valid = true
				dst.Frame = src.Frame
				dst.Private = cow
				m.frames.Share(src.Frame)
			}
			dst.Writable = false

			if cow {
				src.Private = true
			}
			src.Writable = false
		}
	}

	m.processes = append(m.processes, child)
	m.current = len(m.processes) - 1
	log.WithFields(log.Fields{"parent": parent.PID, "child": pid}).Info("forked process")
}

// Current returns the pid of the current process.
func (m *Machine) Current() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processes[m.current].PID
}

// proc is the current process; the page table base always aliases its
// table. Callers hold m.mu.
func (m *Machine) proc() *Process {
	return m.processes[m.current]
}
