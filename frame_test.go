package vmsim

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestAllocateLowestFirst(t *testing.T) {
	assert := assertion.New(t)
	r := NewFrameRegistry(4)
	for want := 0; want < 4; want++ {
		pfn, err := r.Allocate()
		assert.NoError(err)
		assert.Equal(PFN(want), pfn)
	}
	// freeing the middle frame makes it the next one handed out
	r.Release(1)
	pfn, err := r.Allocate()
	assert.NoError(err)
	assert.Equal(PFN(1), pfn)
}

func TestAllocateOutOfMemory(t *testing.T) {
	assert := assertion.New(t)
	r := NewFrameRegistry(2)
	_, err := r.Allocate()
	assert.NoError(err)
	_, err = r.Allocate()
	assert.NoError(err)
	_, err = r.Allocate()
	assert.True(errors.Is(err, ErrOutOfMemory))
}

func TestShareAndRelease(t *testing.T) {
	assert := assertion.New(t)
	r := NewFrameRegistry(2)
	pfn, err := r.Allocate()
	assert.NoError(err)
	assert.Equal(uint32(1), r.Count(pfn))
	assert.False(r.Shared(pfn))

	r.Share(pfn)
	assert.Equal(uint32(2), r.Count(pfn))
	assert.True(r.Shared(pfn))

	r.Release(pfn)
	r.Release(pfn)
	assert.Equal(uint32(0), r.Count(pfn))

	// the freed frame is allocatable again
	again, err := r.Allocate()
	assert.NoError(err)
	assert.Equal(pfn, again)
}

func TestReleaseUnderflowPanics(t *testing.T) {
	assert := assertion.New(t)
	r := NewFrameRegistry(1)
	assert.Panics(func() { r.Release(0) })
}
