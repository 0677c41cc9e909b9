// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenthirtyam/go-vnc-bridge/framebuffer"
	"github.com/tenthirtyam/go-vnc-bridge/media"
)

func newTestImage(t *testing.T, w, h int, paint func(int, *media.Image)) *media.Image {
	t.Helper()
	img, err := media.NewImage(media.FormatI420, w, h)
	require.NoError(t, err)
	if paint != nil {
		paint(1, img)
	}
	return img
}

func TestServerAdapter_StartsOnceOnFirstPicture(t *testing.T) {
	session := media.NewSyntheticSession(media.SyntheticConfig{})
	factory := &fakeServerFactory{}
	owner := framebuffer.NewOwner()
	a := NewServerAdapter(factory.factory, owner, session, nil)
	assert.Equal(t, ServerUnstarted, a.State())

	img := newTestImage(t, 32, 16, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, a.HandleFrame(img))
	}

	assert.Equal(t, 1, factory.count())
	assert.Equal(t, ServerActive, a.State())
	w, h := a.Size()
	assert.Equal(t, 32, w)
	assert.Equal(t, 16, h)

	port := factory.port()
	assert.Equal(t, 5, port.marks)
	assert.Equal(t, [4]int{0, 0, 32, 16}, port.lastMark)

	v, _ := session.Variable(media.VarVideoWidth)
	assert.Equal(t, "32", v)
	v, _ = session.Variable(media.VarVideoHeight)
	assert.Equal(t, "16", v)

	st := a.Stats()
	assert.Equal(t, int64(1), st.EndpointStarts)
	assert.Equal(t, int64(5), st.FramesConverted)
	assert.Equal(t, int64(1), owner.Stats().Allocations)
}

func TestServerAdapter_ConvertsPicture(t *testing.T) {
	factory := &fakeServerFactory{}
	a := NewServerAdapter(factory.factory, framebuffer.NewOwner(), media.NewSyntheticSession(media.SyntheticConfig{}), nil)

	require.NoError(t, a.HandleFrame(newTestImage(t, 4, 4, solidPattern(255, 0, 0))))

	pix := factory.port().pix
	require.Len(t, pix, 4*4*4)
	for i := 0; i < len(pix); i += 4 {
		assert.True(t, near(pix[i], 255) && near(pix[i+1], 0) && near(pix[i+2], 0),
			"pixel %d = %v", i/4, pix[i:i+4])
	}
}

func TestServerAdapter_GeometryLockedSeparately(t *testing.T) {
	session := media.NewSyntheticSession(media.SyntheticConfig{})
	factory := &fakeServerFactory{}
	a := NewServerAdapter(factory.factory, framebuffer.NewOwner(), session, nil)

	// A width without a height locks only the width.
	require.NoError(t, a.HandleFrame(&media.Image{Format: media.FormatI420, Width: 8}))
	assert.Equal(t, 0, factory.count())
	v, ok := session.Variable(media.VarVideoWidth)
	assert.True(t, ok)
	assert.Equal(t, "8", v)
	_, ok = session.Variable(media.VarVideoHeight)
	assert.False(t, ok)

	require.NoError(t, a.HandleFrame(newTestImage(t, 8, 6, nil)))
	assert.Equal(t, 1, factory.count())
	w, h := a.Size()
	assert.Equal(t, []int{8, 6}, []int{w, h})
}

func TestServerAdapter_SkipsMismatchedGeometry(t *testing.T) {
	factory := &fakeServerFactory{}
	a := NewServerAdapter(factory.factory, framebuffer.NewOwner(), media.NewSyntheticSession(media.SyntheticConfig{}), nil)

	require.NoError(t, a.HandleFrame(newTestImage(t, 16, 16, nil)))
	require.NoError(t, a.HandleFrame(newTestImage(t, 32, 32, nil)))

	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 1, factory.port().marks)
	assert.Equal(t, int64(1), a.Stats().FramesSkipped)
}

func TestServerAdapter_InactiveEndpointNotUpdated(t *testing.T) {
	factory := &fakeServerFactory{}
	a := NewServerAdapter(factory.factory, framebuffer.NewOwner(), media.NewSyntheticSession(media.SyntheticConfig{}), nil)
	img := newTestImage(t, 8, 8, nil)

	require.NoError(t, a.HandleFrame(img))
	port := factory.port()
	port.mu.Lock()
	port.inactive = true
	port.mu.Unlock()

	require.NoError(t, a.HandleFrame(img))
	assert.Equal(t, 1, port.updates)
	assert.Equal(t, 1, port.marks)
}

func TestServerAdapter_CloseReleasesOnce(t *testing.T) {
	factory := &fakeServerFactory{}
	owner := framebuffer.NewOwner()
	a := NewServerAdapter(factory.factory, owner, media.NewSyntheticSession(media.SyntheticConfig{}), nil)

	require.NoError(t, a.HandleFrame(newTestImage(t, 8, 8, nil)))
	port := factory.port()

	a.Close()
	a.Close()

	assert.Equal(t, ServerStopped, a.State())
	assert.Nil(t, a.Port())
	assert.Equal(t, 1, port.shutdowns)
	assert.False(t, port.disconnect)

	st := owner.Stats()
	assert.Equal(t, int64(1), st.Releases)
	assert.Equal(t, int64(0), st.DoubleReleases)
	assert.Equal(t, int64(0), st.Live)

	// Frames after Close are ignored.
	require.NoError(t, a.HandleFrame(newTestImage(t, 8, 8, nil)))
	assert.Equal(t, 1, factory.count())
}

func TestServerAdapter_CloseWithoutEndpoint(t *testing.T) {
	owner := framebuffer.NewOwner()
	a := NewServerAdapter((&fakeServerFactory{}).factory, owner, media.NewSyntheticSession(media.SyntheticConfig{}), nil)

	a.Close()
	assert.Equal(t, ServerStopped, a.State())
	assert.Equal(t, int64(0), owner.Stats().DoubleReleases)
}

func TestServerAdapter_FactoryFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"listen", errors.New("address in use"), StartupError},
		{"allocation", &framebuffer.AllocationError{Reason: "too large"}, AllocationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner := framebuffer.NewOwner()
			factory := &fakeServerFactory{err: tt.err}
			a := NewServerAdapter(factory.factory, owner, media.NewSyntheticSession(media.SyntheticConfig{}), nil)

			err := a.HandleFrame(newTestImage(t, 8, 8, nil))
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, owner.Current())
			assert.Equal(t, int64(1), owner.Stats().Releases)
			assert.Equal(t, ServerUnstarted, a.State())
		})
	}
}

func TestServerAdapter_AllocationRefused(t *testing.T) {
	owner := framebuffer.NewOwner(framebuffer.WithMaxBytes(64))
	factory := &fakeServerFactory{}
	a := NewServerAdapter(factory.factory, owner, media.NewSyntheticSession(media.SyntheticConfig{}), nil)

	err := a.HandleFrame(newTestImage(t, 16, 16, nil))
	assert.True(t, IsKind(err, AllocationError), "got %v", err)
	assert.Equal(t, 0, factory.count())
}
