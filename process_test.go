package vmsim

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestSwitchToKnownProcess(t *testing.T) {
	assert := assertion.New(t)
	m := tiny(t)

	_, err := m.Allocate(0, RWRead|RWWrite)
	assert.NoError(err)
	m.Activate(3)
	assert.Equal(uint32(3), m.Current())

	before := *findProc(m, 0).Table.Lookup(0)
	m.Activate(0)
	assert.Equal(uint32(0), m.Current())

	// a switch to a known pid mutates no table
	assert.Equal(before, *findProc(m, 0).Table.Lookup(0))
	assert.Len(m.processes, 2)
	assert.Equal(uint32(2), m.frames.Count(0))
}

func TestForkSymmetry(t *testing.T) {
	assert := assertion.New(t)
	m := tiny(t)

	_, err := m.Allocate(0, RWRead|RWWrite)
	assert.NoError(err)
	_, err = m.Allocate(1, RWRead)
	assert.NoError(err)

	m.Activate(9)

	// the previously-writable page is COW on both sides
	for _, pid := range []uint32{0, 9} {
		pte := findProc(m, pid).Table.Lookup(0)
		if assert.NotNil(pte, "pid %d", pid) {
			assert.False(pte.Writable, "pid %d", pid)
			assert.True(pte.Private, "pid %d", pid)
			assert.Equal(PFN(0), pte.Frame, "pid %d", pid)
		}
	}
	assert.Equal(uint32(2), m.frames.Count(0))

	// the deliberately read-only page is shared but not private
	for _, pid := range []uint32{0, 9} {
		pte := findProc(m, pid).Table.Lookup(1)
		if assert.NotNil(pte, "pid %d", pid) {
			assert.False(pte.Writable, "pid %d", pid)
			assert.False(pte.Private, "pid %d", pid)
			assert.Equal(PFN(1), pte.Frame, "pid %d", pid)
		}
	}
	assert.Equal(uint32(2), m.frames.Count(1))
	checkConservation(t, m)
}

func TestForkSkipsInvalidEntries(t *testing.T) {
	assert := assertion.New(t)
	m, err := New(&Options{TotalFrames: 16, EntriesPerDirectory: 4})
	assert.NoError(err)

	// one mapping in the second directory; the first stays empty
	_, err = m.Allocate(6, RWRead|RWWrite)
	assert.NoError(err)
	m.Activate(1)

	child := findProc(m, 1)
	assert.Nil(child.Table.Dirs[0])
	assert.NotNil(child.Table.Dirs[1])
	assert.Nil(child.Table.Lookup(5))
	assert.NotNil(child.Table.Lookup(6))
	checkConservation(t, m)
}

// A private page whose share was already broken stays private, so a
// second fork makes it COW again.
func TestRepeatedForkOfRepairedPage(t *testing.T) {
	assert := assertion.New(t)
	m, err := New(&Options{TotalFrames: 8, EntriesPerDirectory: 4})
	assert.NoError(err)

	_, err = m.Allocate(0, RWRead|RWWrite)
	assert.NoError(err)
	m.Activate(1)
	_, err = m.Access(0, RWRead|RWWrite) // break the share: frame 1, sole owner
	assert.NoError(err)

	m.Activate(2) // fork again, from pid 1
	pte := findProc(m, 2).Table.Lookup(0)
	if assert.NotNil(pte) {
		assert.False(pte.Writable)
		assert.True(pte.Private)
		assert.Equal(PFN(1), pte.Frame)
	}
	prev := findProc(m, 1).Table.Lookup(0)
	assert.False(prev.Writable)
	assert.True(prev.Private)
	assert.Equal(uint32(2), m.frames.Count(1))
	checkConservation(t, m)
}

func TestForkChainSharesOneFrame(t *testing.T) {
	assert := assertion.New(t)
	m, err := New(&Options{TotalFrames: 8, EntriesPerDirectory: 4})
	assert.NoError(err)

	_, err = m.Allocate(0, RWRead|RWWrite)
	assert.NoError(err)
	m.Activate(1)
	m.Activate(2)
	m.Activate(3)

	assert.Equal(uint32(4), m.frames.Count(0))
	assert.Len(m.processes, 4)
	for _, p := range m.processes {
		pte := p.Table.Lookup(0)
		assert.False(pte.Writable)
		assert.True(pte.Private)
	}
	checkConservation(t, m)
}
