package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseMlucasStat(t *testing.T) {
	dir := t.TempDir()
	stat := `INFO: FFT length 6144K = 6291456 8-byte floats.
M108196001 Iter# = 9900000 [ 9.15% complete] clocks = 00:10:00.000 [ 6.4000 msec/iter]
M108196001 Iter# = 9950000 [ 9.20% complete] clocks = 00:10:00.000 [ 6.2000 msec/iter]
M108196001 Iter# = 10000000 [ 9.24% complete] clocks = 00:10:00.000 [ 6.3000 msec/iter]
`
	writeFile(t, dir, "p108196001.stat", stat)

	w := domain.Worker{Dir: dir, Engine: domain.EngineMlucas}
	snap := readEngineProgress(w, domain.Assignment{Kind: domain.KindPRP, N: 108196001})
	assert.Equal(t, uint64(10000000), snap.Iteration)
	assert.Equal(t, 6291456, snap.FFTLength)
	// median of the last checkpoints smooths jitter
	assert.Equal(t, 6.3, snap.MsecPerIter)
}

func TestParseMlucasStatStage1(t *testing.T) {
	dir := t.TempDir()
	stat := "M108196001 S1 bit = 500000 [ 50.00% complete] clocks = 00:10:00.000 [ 6.0000 msec/iter]\n"
	writeFile(t, dir, "p108196001.stat", stat)

	w := domain.Worker{Dir: dir, Engine: domain.EngineMlucas}
	snap := readEngineProgress(w, domain.Assignment{Kind: domain.KindPFactor, N: 108196001})
	assert.Equal(t, uint64(500000), snap.Iteration)
	assert.Equal(t, uint64(1000000), snap.S1Bits)
}

func TestParseGpuOwlLog(t *testing.T) {
	dir := t.TempDir()
	log := `2021-08-13 00:50:00 gpuowl d9 77936867 FFT: 4M 1K:8:512 (18.58 bpw)
2021-08-13 00:55:11 gpuowl d9 77936867 OK  33800000  43.37%; 790 us/it; ETA 0d 09:41; c3ac978fc78d8e34
2021-08-13 00:59:28 gpuowl d9 77936867 OK  34000000  43.63%; 785 us/it; ETA 0d 09:35; c3ac978fc78d8e34
`
	writeFile(t, dir, "gpuowl.log", log)

	w := domain.Worker{Dir: dir, Engine: domain.EngineGpuOwl}
	snap := readEngineProgress(w, domain.Assignment{Kind: domain.KindPRP, N: 77936867})
	assert.Equal(t, uint64(34000000), snap.Iteration)
	assert.Equal(t, 4*1024*1024, snap.FFTLength)
	assert.InDelta(t, 0.785, snap.MsecPerIter, 0.0001)
}

func TestParseGpuOwlIgnoresOtherExponents(t *testing.T) {
	dir := t.TempDir()
	log := "2021-08-13 00:59:28 gpuowl d9 70000001 OK  34000000  43.63%; 785 us/it; ETA 0d 09:35; c3ac978fc78d8e34\n"
	writeFile(t, dir, "gpuowl.log", log)

	w := domain.Worker{Dir: dir, Engine: domain.EngineGpuOwl}
	snap := readEngineProgress(w, domain.Assignment{Kind: domain.KindPRP, N: 77936867})
	assert.Zero(t, snap.Iteration)
}

func TestProgressMissingFile(t *testing.T) {
	w := domain.Worker{Dir: t.TempDir(), Engine: domain.EngineMlucas}
	snap := readEngineProgress(w, domain.Assignment{Kind: domain.KindPRP, N: 108196001})
	assert.Zero(t, snap.Iteration)
	assert.Zero(t, snap.MsecPerIter)
}

func TestComputeProgressPrimality(t *testing.T) {
	a := domain.Assignment{Kind: domain.KindPRP, N: 100000000}
	snap := ProgressSnapshot{Iteration: 25000000, MsecPerIter: 6.0}

	percent, left, ok := computeProgress(a, snap)
	require.True(t, ok)
	assert.InDelta(t, 25.0, percent, 0.001)
	want := time.Duration(6.0 * 75000000 * float64(time.Millisecond))
	assert.Equal(t, want, left)
}

func TestComputeProgressStage1IncludesStage2Estimate(t *testing.T) {
	a := domain.Assignment{Kind: domain.KindPFactor, N: 100000000}
	snap := ProgressSnapshot{Iteration: 500000, MsecPerIter: 6.0, S1Bits: 1000000}

	percent, left, ok := computeProgress(a, snap)
	require.True(t, ok)
	assert.InDelta(t, 50.0, percent, 0.001)
	// remaining stage 1 plus the 1.5x stage 2 estimate
	want := time.Duration(6.0 * (500000 + 1500000) * float64(time.Millisecond))
	assert.Equal(t, want, left)
}

func TestComputeProgressUnknownSpeed(t *testing.T) {
	a := domain.Assignment{Kind: domain.KindPRP, N: 100000000}
	percent, _, ok := computeProgress(a, ProgressSnapshot{Iteration: 25000000})
	assert.False(t, ok)
	assert.InDelta(t, 25.0, percent, 0.001)
}

func TestMedianLow(t *testing.T) {
	assert.Equal(t, 0.0, medianLow(nil))
	assert.Equal(t, 5.0, medianLow([]float64{5}))
	assert.Equal(t, 4.0, medianLow([]float64{6, 4, 9}))
	assert.Equal(t, 4.0, medianLow([]float64{6, 4, 9, 2}))
}
