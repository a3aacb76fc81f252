package iot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VladikNeVladik/NBD-Server/internal/constants"
)

func TestAcquireRelease_Roundtrip(t *testing.T) {
	tbl := New()
	idx, err := tbl.Acquire(context.Background(), 7)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, 1, tbl.InUse())
	require.Equal(t, 7, tbl.Get(idx).Mother)

	tbl.Release(idx)
	require.Equal(t, 0, tbl.InUse())
	require.True(t, tbl.Idle())
}

func TestTryAcquire_ReturnsNoneWhenFull(t *testing.T) {
	tbl := New()
	for i := 0; i < constants.MaxIO; i++ {
		idx := tbl.TryAcquire(i)
		require.NotEqual(t, None, idx)
	}
	require.Equal(t, None, tbl.TryAcquire(999))
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	tbl := New()
	var idxs []int
	for i := 0; i < constants.MaxIO; i++ {
		idxs = append(idxs, tbl.TryAcquire(i))
	}

	done := make(chan int, 1)
	go func() {
		idx, err := tbl.Acquire(context.Background(), 42)
		require.NoError(t, err)
		done <- idx
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before a slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	tbl.Release(idxs[0])
	select {
	case idx := <-done:
		require.Equal(t, idxs[0], idx)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestFillAndGet(t *testing.T) {
	tbl := New()
	idx, err := tbl.Acquire(context.Background(), 1)
	require.NoError(t, err)

	tbl.Fill(idx, 4, 0x1000, 4096, 0)
	e := tbl.Get(idx)
	require.EqualValues(t, 4, e.Opcode)
	require.EqualValues(t, 0x1000, e.Offset)
	require.EqualValues(t, 4096, e.Length)
}

func TestBuffer_IsBlockAligned(t *testing.T) {
	tbl := New()
	require.Len(t, tbl.Buffer(0), constants.BlockSize)
	require.Len(t, tbl.Buffers(), constants.MaxIO)
}

func TestSetError(t *testing.T) {
	tbl := New()
	idx, err := tbl.Acquire(context.Background(), 1)
	require.NoError(t, err)
	tbl.SetError(idx, 22)
	require.EqualValues(t, 22, tbl.Get(idx).Error)
}
