package vmsim

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var snapshotBucket = []byte("snapshots")

var ErrNoSnapshot = errors.New("snapshot not found")

// snapshotState is the persisted form of a machine. Only valid entries
// are written; directories rematerialize lazily on restore, and the
// frame counts are rebuilt from the entries themselves (the count of a
// frame is by definition the number of valid entries referencing it).
type snapshotState struct {
	TotalFrames         int            `json:"total_frames"`
	EntriesPerDirectory int            `json:"entries_per_directory"`
	Current             uint32         `json:"current"`
	Processes           []snapshotProc `json:"processes"`
}

type snapshotProc struct {
	PID     uint32          `json:"pid"`
	Entries []snapshotEntry `json:"entries,omitempty"`
}

type snapshotEntry struct {
	VPN      uint32 `json:"vpn"`
	Frame    PFN    `json:"pfn"`
	Writable bool   `json:"writable,omitempty"`
	Private  bool   `json:"private,omitempty"`
}

// Save persists the machine's full mapping state under name in the
// bolt database at path. The record is one algorithm byte followed by
// the compressed JSON state, so a store can mix algorithms.
func (m *Machine) Save(path, name string) error {
	m.mu.Lock()
	state := m.snapshot()
	alg := m.opts.Compression
	m.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	compress, _, err := codec(alg)
	if err != nil {
		return err
	}
	record := append([]byte{byte(alg)}, compress(raw)...)

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return errors.Wrap(err, "open snapshot store")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(snapshotBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), record)
	})
	if err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	log.WithFields(log.Fields{"name": name, "bytes": len(record)}).Info("saved snapshot")
	return nil
}

// Restore replaces the machine's whole state with the named snapshot
// from the bolt database at path. The snapshot's geometry must match
// the machine's.
func (m *Machine) Restore(path, name string) error {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "open snapshot store")
	}
	defer db.Close()

	var record []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		if b == nil {
			return errors.Wrapf(ErrNoSnapshot, "%q", name)
		}
		v := b.Get([]byte(name))
		if v == nil {
			return errors.Wrapf(ErrNoSnapshot, "%q", name)
		}
		record = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return err
	}
	if len(record) < 1 {
		return errors.Errorf("snapshot %q: empty record", name)
	}

	_, decompress, err := codec(CompressAlgorithm(record[0]))
	if err != nil {
		return errors.Wrapf(err, "snapshot %q", name)
	}
	raw, err := decompress(record[1:])
	if err != nil {
		return errors.Wrapf(err, "decompress snapshot %q", name)
	}
	var state snapshotState
	if err := json.Unmarshal(raw, &state); err != nil {
		return errors.Wrapf(err, "decode snapshot %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.restore(&state); err != nil {
		return errors.Wrapf(err, "snapshot %q", name)
	}
	log.WithFields(log.Fields{"name": name, "processes": len(m.processes)}).Info("restored snapshot")
	return nil
}

// snapshot flattens the machine. Callers hold m.mu.
func (m *Machine) snapshot() snapshotState {
	state := snapshotState{
		TotalFrames:         m.opts.TotalFrames,
		EntriesPerDirectory: m.opts.EntriesPerDirectory,
		Current:             m.processes[m.current].PID,
	}
	for _, p := range m.processes {
		sp := snapshotProc{PID: p.PID}
		for di, dir := range p.Table.Dirs {
			if dir == nil {
				continue
			}
			for ei := range dir.PTEs {
				pte := &dir.PTEs[ei]
				if !pte.Valid {
					continue
				}
				sp.Entries = append(sp.Entries, snapshotEntry{
					VPN:      uint32(di*m.opts.EntriesPerDirectory + ei),
					Frame:    pte.Frame,
					Writable: pte.Writable,
					Private:  pte.Private,
				})
			}
		}
		state.Processes = append(state.Processes, sp)
	}
	return state
}

// restore rebuilds every table and the frame registry from a snapshot.
// Callers hold m.mu.
func (m *Machine) restore(state *snapshotState) error {
	if state.TotalFrames != m.opts.TotalFrames || state.EntriesPerDirectory != m.opts.EntriesPerDirectory {
		return errors.Errorf("geometry mismatch: snapshot %d/%d, machine %d/%d",
			state.TotalFrames, state.EntriesPerDirectory,
			m.opts.TotalFrames, m.opts.EntriesPerDirectory)
	}
	if len(state.Processes) == 0 {
		return errors.New("no processes in snapshot")
	}

	frames := NewFrameRegistry(m.opts.TotalFrames)
	processes := make([]*Process, 0, len(state.Processes))
	current := -1
	for _, sp := range state.Processes {
		p := &Process{
			PID:   sp.PID,
			Table: NewPageTable(m.opts.TotalFrames, m.opts.EntriesPerDirectory),
		}
		for _, e := range sp.Entries {
			if int(e.VPN) >= m.opts.TotalFrames || int(e.Frame) >= m.opts.TotalFrames {
				return errors.Errorf("pid %d: entry vpn %d pfn %d out of range", sp.PID, e.VPN, e.Frame)
			}
			p.Table.SetEntry(e.VPN, e.Frame, e.Writable, e.Private)
			frames.Share(e.Frame)
		}
		if sp.PID == state.Current {
			current = len(processes)
		}
		processes = append(processes, p)
	}
	if current < 0 {
		return errors.Errorf("current pid %d not among snapshot processes", state.Current)
	}

	m.frames = frames
	m.processes = processes
	m.current = current
	return nil
}
