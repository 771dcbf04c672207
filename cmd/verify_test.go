package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCommand(t *testing.T) {
	outDir, manifest := convertFixture(t, "--quantize", "f16")

	out, err := runCLI(t, "verify", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, manifest.Shards[0].FileName+": ok")
	assert.Contains(t, out, "verified 1 shards")
}

func TestVerifyCommandSHA256(t *testing.T) {
	outDir, _ := convertFixture(t, "--hash", "sha256")

	out, err := runCLI(t, "verify", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "verified")
}

func TestVerifyHashMismatch(t *testing.T) {
	outDir, manifest := convertFixture(t, "--quantize", "f16")
	shard := filepath.Join(outDir, manifest.Shards[0].FileName)

	data, err := os.ReadFile(shard)
	require.NoError(t, err)
	data[100] ^= 0xff
	require.NoError(t, os.WriteFile(shard, data, 0o644))

	out, err := runCLI(t, "verify", outDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 shards failed")
	assert.Contains(t, out, "hash mismatch")
}

func TestVerifySizeMismatch(t *testing.T) {
	outDir, manifest := convertFixture(t, "--quantize", "f16")
	shard := filepath.Join(outDir, manifest.Shards[0].FileName)

	data, err := os.ReadFile(shard)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(shard, data[:len(data)-10], 0o644))

	out, err := runCLI(t, "verify", outDir)
	require.Error(t, err)
	assert.Contains(t, out, "size mismatch")
}

func TestVerifyMissingShard(t *testing.T) {
	outDir, manifest := convertFixture(t, "--quantize", "f16")
	require.NoError(t, os.Remove(filepath.Join(outDir, manifest.Shards[0].FileName)))

	out, err := runCLI(t, "verify", outDir)
	require.Error(t, err)
	assert.Contains(t, out, "missing")
}

func TestVerifyNoManifest(t *testing.T) {
	_, err := runCLI(t, "verify", t.TempDir())
	require.Error(t, err)
}
