package hook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWritesEnvToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")

	r := NewRunner(time.Second, nil)
	err := r.Run(context.Background(), "env > "+out, Env{
		XDPI: 300, YDPI: 300, Width: 2480, Height: 3508,
		Page: 1, IP: "192.168.1.50", Hostname: "front-desk", Func: "IMAGE",
		Filename: "scan0.jpeg", PerPage: true, ChunkFormat: "jpeg",
	})
	require.NoError(t, err)

	contents, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(contents)
	assert.Contains(t, text, "SCANNER_XDPI=300")
	assert.Contains(t, text, "SCANNER_HOSTNAME=front-desk")
	assert.Contains(t, text, "SCANNER_FILENAME=scan0.jpeg")
}

func TestRunOmitsFilenameForJobEnd(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")

	r := NewRunner(time.Second, nil)
	err := r.Run(context.Background(), "env > "+out, Env{
		IP: "192.168.1.50", Hostname: "front-desk", Func: "IMAGE",
		PerPage: false, ChunkFormat: "jpeg",
	})
	require.NoError(t, err)

	contents, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "SCANNER_FILENAME")
}

func TestRunEmptyCommandIsNoop(t *testing.T) {
	r := NewRunner(time.Second, nil)
	err := r.Run(context.Background(), "", Env{})
	assert.NoError(t, err)
}

func TestRunSurfacesNonZeroExit(t *testing.T) {
	r := NewRunner(time.Second, nil)
	err := r.Run(context.Background(), "exit 3", Env{})
	assert.Error(t, err)
}

func TestRunKillsHungHook(t *testing.T) {
	r := NewRunner(20*time.Millisecond, nil)
	err := r.Run(context.Background(), "sleep 5", Env{})
	assert.Error(t, err)
}
