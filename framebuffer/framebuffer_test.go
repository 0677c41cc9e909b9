// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package framebuffer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwner_AllocateAndRelease(t *testing.T) {
	o := NewOwner()

	fb, err := o.Allocate(64, 48)
	require.NoError(t, err)
	assert.Equal(t, 64*4, fb.Stride)
	assert.Equal(t, 64*48*4, fb.Bytes())
	assert.Same(t, fb, o.Current())

	_, err = o.Allocate(8, 8)
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr, "second Allocate must not leak the first buffer")

	assert.True(t, o.Release())
	assert.Nil(t, o.Current())
	assert.Nil(t, fb.Pix)

	assert.Equal(t, Stats{Allocations: 1, Releases: 1}, o.Stats())
}

func TestOwner_DoubleReleaseIsCounted(t *testing.T) {
	o := NewOwner()
	_, err := o.Allocate(2, 2)
	require.NoError(t, err)

	assert.True(t, o.Release())
	assert.False(t, o.Release())
	assert.Equal(t, int64(1), o.Stats().DoubleReleases)
	assert.Equal(t, int64(1), o.Stats().Releases)
}

func TestOwner_ReplaceKeepsOneLive(t *testing.T) {
	o := NewOwner()

	first, err := o.Replace(32, 32)
	require.NoError(t, err)
	second, err := o.Replace(40, 20)
	require.NoError(t, err)

	assert.Nil(t, first.Pix, "previous buffer released")
	assert.Same(t, second, o.Current())

	st := o.Stats()
	assert.Equal(t, int64(2), st.Allocations)
	assert.Equal(t, int64(1), st.Releases)
	assert.Equal(t, int64(1), st.Live)
	assert.Equal(t, int64(40*20*4), st.LiveBytes)
}

func TestOwner_ReplaceFailureKeepsCurrent(t *testing.T) {
	o := NewOwner(WithMaxBytes(1024))
	cur, err := o.Allocate(8, 8)
	require.NoError(t, err)

	_, err = o.Replace(100, 100)
	require.Error(t, err)
	assert.Same(t, cur, o.Current())
	assert.NotNil(t, cur.Pix)
}

func TestOwner_AllocationErrors(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{"zero width", 0, 10},
		{"negative height", 10, -1},
		{"over limit", 1 << 14, 1 << 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOwner(WithMaxBytes(1 << 20))
			_, err := o.Allocate(tt.w, tt.h)
			var allocErr *AllocationError
			require.ErrorAs(t, err, &allocErr)
			assert.Equal(t, tt.w, allocErr.Width)
			assert.Nil(t, o.Current())
			assert.Equal(t, int64(0), o.Stats().Allocations)
		})
	}
}

func TestOwner_RuntimeRefusalIsRecovered(t *testing.T) {
	o := NewOwner()
	o.alloc = func(n int) []byte {
		var b []byte
		return b[:n] // slice bounds out of range
	}

	_, err := o.Allocate(4, 4)
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Contains(t, allocErr.Error(), "runtime refused allocation")
	assert.NotNil(t, errors.Unwrap(err))
	assert.Nil(t, o.Current())
}

func TestOwner_ConcurrentReadersSeeWholeBuffers(t *testing.T) {
	o := NewOwner()
	_, err := o.Allocate(4, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				fb := o.Current()
				if fb != nil {
					assert.Equal(t, fb.Width*fb.Height, fb.Stride/BytesPerPixel*fb.Height)
				}
			}
		}()
	}

	for i := 1; i <= 50; i++ {
		_, err := o.Replace(4+i, 4)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(1), o.Stats().Live)
}
