package sysinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	info, err := Collect(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, info.Arch)
	assert.NotEmpty(t, info.OS)
}

func TestFits(t *testing.T) {
	info := &SystemInfo{CPUCores: 8, MemoryTotalBytes: 16 << 30}

	require.NoError(t, info.Fits(4, 8<<30))
	require.NoError(t, info.Fits(8, 16<<30))
	require.ErrorContains(t, info.Fits(12, 0), "requires 12 CPUs")
	require.ErrorContains(t, info.Fits(4, 32<<30), "memory")

	unknown := &SystemInfo{}
	require.NoError(t, unknown.Fits(64, 1<<40))
}

func TestMemoryHuman(t *testing.T) {
	info := &SystemInfo{MemoryTotalBytes: 16 << 30}
	assert.Equal(t, "16GiB", info.MemoryHuman())
}
