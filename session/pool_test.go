package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/vpudec"
)

func TestPoolRegistrationIsNotReentrant(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine(nil)
	allocator := &testAllocator{}

	info := testInitialInfo(2)
	geometry, err := engine.CalcFramebufferSizes(ctx, info)
	require.NoError(t, err)

	pool, err := buildFramebufferPool(ctx, allocator, engine, info, geometry, 0)
	require.NoError(t, err)

	err = pool.register(ctx, engine)
	var violation vpudec.ProtocolViolation
	require.ErrorAs(t, err, &violation)

	require.NoError(t, pool.release(ctx, allocator))
}

func TestPoolSlotTagsAreSequential(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine(nil)

	info := testInitialInfo(3)
	geometry, err := engine.CalcFramebufferSizes(ctx, info)
	require.NoError(t, err)

	pool, err := buildFramebufferPool(ctx, &testAllocator{}, engine, info, geometry, 0)
	require.NoError(t, err)

	for i, framebuffer := range pool.framebuffers {
		require.Equal(t, uint64(framebufferTagBase+i), framebuffer.Tag)
		require.Equal(t, geometry.TotalSize, framebuffer.Buffer.Size())
		require.Equal(t, geometry.YSize, framebuffer.CbOffset)
		require.Equal(t, geometry.YSize+geometry.CbCrSize, framebuffer.CrOffset)
	}
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine(nil)
	allocator := &testAllocator{}

	info := testInitialInfo(2)
	geometry, err := engine.CalcFramebufferSizes(ctx, info)
	require.NoError(t, err)

	pool, err := buildFramebufferPool(ctx, allocator, engine, info, geometry, 0)
	require.NoError(t, err)

	require.NoError(t, pool.release(ctx, allocator))
	require.NoError(t, pool.release(ctx, allocator))
	require.Len(t, allocator.deallocations, 2)
}

func TestFrameContextTrackerBase(t *testing.T) {
	tracker := newFrameContextTracker()
	require.Equal(t, vpudec.FrameContext(frameContextBase), tracker.next())
	require.Equal(t, vpudec.FrameContext(frameContextBase+1), tracker.next())
	require.NotEqual(t, vpudec.FrameContextNone, vpudec.FrameContext(frameContextBase))
}
