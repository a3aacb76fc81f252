package export

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_ReadWrite(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "export-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8192))
	require.NoError(t, f.Close())

	e, err := Open(f.Name(), false)
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, uint64(8192), e.Size())
	require.False(t, e.ReadOnly())
	require.NotZero(t, e.Fd())
	require.Equal(t, uint32(4096), e.PreferredBlockSize())
}

func TestOpen_ReadOnlyRejectsMissingFile(t *testing.T) {
	_, err := Open("/nonexistent/path/to/export.img", true)
	require.Error(t, err)
}

func TestOpen_ReadOnlyFlag(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "export-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	require.NoError(t, f.Close())

	e, err := Open(f.Name(), true)
	require.NoError(t, err)
	defer e.Close()
	require.True(t, e.ReadOnly())
}
