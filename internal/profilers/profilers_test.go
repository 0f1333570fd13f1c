package profilers

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestProfilesWrittenOnQuit(t *testing.T) {
	dir := t.TempDir()
	cpuPath, memPath := filepath.Join(dir, "cpu.prof"), filepath.Join(dir, "mem.prof")
	*flagCPUProfile, *flagMemProfile = cpuPath, memPath
	defer func() { *flagCPUProfile, *flagMemProfile = "", "" }()

	Setup(context.Background())
	OnQuit()

	for _, path := range []string{cpuPath, memPath} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0), path)
	}
}

func TestKeepAliveReturnsWhenInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	globalCtx = ctx
	keepAlive()
}
