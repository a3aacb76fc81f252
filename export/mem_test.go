package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory_WriteThenRead(t *testing.T) {
	m := NewMemory(8192)
	payload := bytes.Repeat([]byte{0x55}, 4096)

	n, err := m.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, 4096, n)

	got := make([]byte, 4096)
	n, err = m.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, 4096, n)
	require.Equal(t, payload, got)
}

func TestMemory_ReadPastEndReturnsZero(t *testing.T) {
	m := NewMemory(4096)
	buf := make([]byte, 100)
	n, err := m.ReadAt(buf, 5000)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMemory_PartialReadAtBoundary(t *testing.T) {
	m := NewMemory(4096)
	buf := make([]byte, 100)
	n, err := m.ReadAt(buf, 4050)
	require.NoError(t, err)
	require.Equal(t, 46, n)
}

func TestMemory_Size(t *testing.T) {
	m := NewMemory(1 << 20)
	require.Equal(t, int64(1<<20), m.Size())
}
