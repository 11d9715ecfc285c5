package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

const cpuinfoFixture = `processor	: 0
model name	: Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz
cpu MHz		: 3600.000
physical id	: 0
siblings	: 8
cpu cores	: 8
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36
processor	: 1
model name	: Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz
cpu MHz		: 3600.000
physical id	: 0
siblings	: 8
cpu cores	: 8
`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFillCPUInfo(t *testing.T) {
	var hw domain.Capability
	fillCPUInfo(&hw, writeFixture(t, "cpuinfo", cpuinfoFixture))

	assert.Equal(t, "Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz", hw.CPUModel)
	assert.Equal(t, 3600, hw.FrequencyMHz)
	assert.Equal(t, 8, hw.Cores)
	assert.Zero(t, hw.ThreadsPerCore)
	assert.LessOrEqual(t, len(hw.Features), 64)
	assert.True(t, strings.HasPrefix(hw.Features, "fpu vme de"))
}

func TestFillCPUInfoHyperthreaded(t *testing.T) {
	fixture := strings.ReplaceAll(cpuinfoFixture, "siblings\t: 8", "siblings\t: 16")
	var hw domain.Capability
	fillCPUInfo(&hw, writeFixture(t, "cpuinfo", fixture))
	assert.Equal(t, 8, hw.Cores)
	assert.Equal(t, 2, hw.ThreadsPerCore)
}

func TestFillCPUInfoTwoSockets(t *testing.T) {
	fixture := cpuinfoFixture + strings.ReplaceAll(cpuinfoFixture, "physical id\t: 0", "physical id\t: 1")
	var hw domain.Capability
	fillCPUInfo(&hw, writeFixture(t, "cpuinfo", fixture))
	assert.Equal(t, 16, hw.Cores)
}

func TestFillCPUInfoMissingFile(t *testing.T) {
	hw := domain.Capability{Cores: 4}
	fillCPUInfo(&hw, filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, 4, hw.Cores)
	assert.Empty(t, hw.CPUModel)
}

func TestFillMemInfo(t *testing.T) {
	var hw domain.Capability
	fillMemInfo(&hw, writeFixture(t, "meminfo", "MemTotal:       16326656 kB\nMemFree:         1234 kB\n"))
	assert.Equal(t, 15944, hw.MemoryMiB)
}
