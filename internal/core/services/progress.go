package services

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// ProgressSnapshot is what could be gleaned from an engine's stat/log file
// about the current assignment. Zero values mean unknown.
type ProgressSnapshot struct {
	Iteration   uint64
	MsecPerIter float64
	FFTLength   int
	S1Bits      uint64 // P-1 stage 1 bit count
	S2Point     uint64 // P-1 stage 2 progress marker
}

// readEngineProgress inspects the engine-specific progress file for the
// worker. The engines append as they go; a missing file just means the
// engine has not started this exponent yet.
func readEngineProgress(w domain.Worker, a domain.Assignment) ProgressSnapshot {
	switch w.Engine {
	case domain.EngineCUDALucas:
		return parseCUDALucasProgress(logPath(w, "cudalucas.out"), a.N)
	case domain.EngineGpuOwl:
		return parseGpuOwlProgress(logPath(w, "gpuowl.log"), a.N)
	default:
		return parseMlucasStat(filepath.Join(w.Dir, fmt.Sprintf("p%d.stat", a.N)))
	}
}

func logPath(w domain.Worker, def string) string {
	if w.LogFile != "" {
		return filepath.Join(w.Dir, w.LogFile)
	}
	return filepath.Join(w.Dir, def)
}

func readLines(path string) []string {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

// medianLow of the collected per-iteration timings, matching how the
// engines' own ETA displays smooth over jitter.
func medianLow(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return s[(len(s)-1)/2]
}

var (
	mlucasIterRe = regexp.MustCompile(`(Iter#|S1|S2)(?: bit| at q)? = (\d+) \[ ?(\d+\.\d+)% complete\] .*\[ *(\d+\.\d+) (m?sec)/iter\]`)
	mlucasFFTRe  = regexp.MustCompile(`FFT length \d{3,}K = (\d{6,})`)
)

// parseMlucasStat scans the tail of an Mlucas p<exp>.stat file for the most
// recent Iter/S1/S2 checkpoint lines, taking the median msec/iter of the
// last five.
func parseMlucasStat(path string) ProgressSnapshot {
	lines := readLines(path)
	var snap ProgressSnapshot
	var timings []float64
	found := 0
	for i := len(lines) - 1; i >= 0 && found < 5; i-- {
		if m := mlucasFFTRe.FindStringSubmatch(lines[i]); m != nil && snap.FFTLength == 0 {
			snap.FFTLength, _ = strconv.Atoi(m[1])
			continue
		}
		m := mlucasIterRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		found++
		iter, _ := strconv.ParseUint(m[2], 10, 64)
		pct, _ := strconv.ParseFloat(m[3], 64)
		if found == 1 {
			snap.Iteration = iter
			switch m[1] {
			case "S1":
				if pct > 0 {
					snap.S1Bits = uint64(float64(iter) / (pct / 100))
				}
			case "S2":
				snap.S2Point = iter
			}
		}
		msec, _ := strconv.ParseFloat(m[4], 64)
		if m[5] == "sec" {
			msec *= 1000
		}
		timings = append(timings, msec)
	}
	snap.MsecPerIter = medianLow(timings)
	return snap
}

var cudaLineRe = regexp.MustCompile(
	`\bM(\d{7,})\b.*?\b(\d{5,})\b.*?\b(\d+\.\d{1,5})\b.*?\b(\d{3,})K\b`)

// parseCUDALucasProgress reads CUDALucas' checkpoint output, which carries
// exponent, iteration, ms/iter and FFT size on one line.
func parseCUDALucasProgress(path string, exponent uint64) ProgressSnapshot {
	lines := readLines(path)
	var snap ProgressSnapshot
	var timings []float64
	for i := len(lines) - 1; i >= 0 && len(timings) < 5; i-- {
		m := cudaLineRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		n, _ := strconv.ParseUint(m[1], 10, 64)
		if n != exponent {
			break
		}
		iter, _ := strconv.ParseUint(m[2], 10, 64)
		if snap.Iteration == 0 {
			snap.Iteration = iter
			fftK, _ := strconv.Atoi(m[4])
			snap.FFTLength = fftK * 1024
		} else if iter > snap.Iteration {
			break
		}
		ms, _ := strconv.ParseFloat(m[3], 64)
		timings = append(timings, ms)
	}
	snap.MsecPerIter = medianLow(timings)
	return snap
}

var (
	gpuowlIterRe = regexp.MustCompile(`(\d{7,}) (LL|P1|OK|EE)? +(\d{5,})`)
	gpuowlUsRe   = regexp.MustCompile(`\b(\d+) us/it;?\b`)
	gpuowlFFTRe  = regexp.MustCompile(`\b\d{7,} FFT: (\d+(?:\.\d+)?[KM])\b`)
	gpuowlBitsRe = regexp.MustCompile(`\b\d{7,} P1(?: B1=\d+, B2=\d+;|\(\d+(?:\.\d)?M?\)) (\d+) bits;?\b`)
)

// parseGpuOwlProgress reads the tail of gpuowl.log for the current
// exponent's iteration lines.
func parseGpuOwlProgress(path string, exponent uint64) ProgressSnapshot {
	lines := readLines(path)
	var snap ProgressSnapshot
	var timings []float64
	found := 0
	for i := len(lines) - 1; i >= 0 && found < 20; i-- {
		line := lines[i]
		if m := gpuowlFFTRe.FindStringSubmatch(line); m != nil && snap.FFTLength == 0 {
			snap.FFTLength = parseFFTSize(m[1])
			continue
		}
		if m := gpuowlBitsRe.FindStringSubmatch(line); m != nil && snap.S1Bits == 0 {
			bits, _ := strconv.ParseUint(m[1], 10, 64)
			snap.S1Bits = bits
			continue
		}
		m := gpuowlIterRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.ParseUint(m[1], 10, 64)
		if n != exponent {
			break
		}
		found++
		iter, _ := strconv.ParseUint(m[3], 10, 64)
		if snap.Iteration == 0 {
			snap.Iteration = iter
		} else if iter > snap.Iteration {
			break
		}
		if us := gpuowlUsRe.FindStringSubmatch(line); us != nil && len(timings) < 5 {
			v, _ := strconv.ParseFloat(us[1], 64)
			timings = append(timings, v/1000)
		}
	}
	snap.MsecPerIter = medianLow(timings)
	return snap
}

func parseFFTSize(s string) int {
	unit := s[len(s)-1]
	v, _ := strconv.ParseFloat(s[:len(s)-1], 64)
	switch unit {
	case 'K':
		return int(v * 1024)
	case 'M':
		return int(v * 1024 * 1024)
	}
	n, _ := strconv.Atoi(s)
	return n
}

// computeProgress turns a snapshot into percent done and time remaining.
// The denominators follow the engine's phases: stage 2 points, then stage 1
// bits, then the exponent itself.
func computeProgress(a domain.Assignment, snap ProgressSnapshot) (percent float64, left time.Duration, ok bool) {
	total := a.N
	if snap.S1Bits > 0 {
		total = snap.S1Bits
	}
	if snap.S2Point > 0 {
		total = snap.S2Point
	}
	if total == 0 {
		return 0, 0, false
	}
	percent = 100 * float64(snap.Iteration) / float64(total)

	if snap.MsecPerIter == 0 {
		return percent, 0, false
	}
	var msecLeft float64
	switch {
	case snap.S1Bits > 0:
		msecLeft = snap.MsecPerIter * float64(snap.S1Bits-snap.Iteration)
		// stage 2 estimate per EWM: roughly 1.5x the stage 1 work
		msecLeft += snap.MsecPerIter * float64(snap.S1Bits) * 1.5
		if a.PrimalityTest() {
			msecLeft += snap.MsecPerIter * float64(a.N)
		}
	case snap.S2Point > 0:
		msecLeft = snap.MsecPerIter * float64(snap.S2Point-snap.Iteration)
		if a.PrimalityTest() {
			msecLeft += snap.MsecPerIter * float64(a.N)
		}
	default:
		msecLeft = snap.MsecPerIter * float64(a.N-snap.Iteration)
	}
	return percent, time.Duration(msecLeft * float64(time.Millisecond)), true
}

// stageName labels the phase reported with a progress update.
func stageName(a domain.Assignment, snap ProgressSnapshot) string {
	switch {
	case snap.S1Bits > 0:
		return "S1"
	case snap.S2Point > 0:
		return "S2"
	}
	switch a.Kind {
	case domain.KindTest, domain.KindDoubleCheck:
		return "LL"
	case domain.KindPRP, domain.KindPRPDC:
		return "PRP"
	case domain.KindCert:
		return "CERT"
	}
	return ""
}
