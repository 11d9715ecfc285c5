package services

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// Empirically observed error rates for first-time tests, used only to tell
// the user their odds.
const (
	llErrorRate  = 0.018
	prpErrorRate = 0.0001
)

// Status writes a human-readable report of the queued work: per-assignment
// type, cumulative time left with expected completion date, and for
// primality tests the odds of the exponent yielding a prime.
func (m *Manager) Status(w io.Writer) error {
	assignments := m.queuedAssignments()
	fmt.Fprintln(w, "Below is a report on the work you have queued and any expected completion dates.")
	if len(assignments) == 0 {
		fmt.Fprintln(w, "No work queued up.")
		return nil
	}

	msec := m.stateFloat(keyUsecPerIt, 0)
	var cumLeft time.Duration
	primalityCount := 0
	totalProb := 0.0
	allMersenne := true
	now := m.now()

	for _, a := range assignments {
		snap := readEngineProgress(m.worker, a)
		if snap.MsecPerIter == 0 {
			snap.MsecPerIter = msec
		}
		_, left, ok := computeProgress(a, snap)

		workStr, counted, aprob := describeAssignment(a)
		totalProb += aprob

		mersenne := a.IsMersenne()
		if !mersenne {
			allMersenne = false
		}

		if !ok {
			fmt.Fprintf(w, "%d, %s, Finish cannot be estimated\n", a.N, workStr)
		} else {
			cumLeft += left
			finish := now.Add(cumLeft)
			fmt.Fprintf(w, "%d, %s, %s (%s)\n", a.N, workStr,
				formatDuration(cumLeft), finish.Format(time.ANSIC))
		}
		if counted {
			primalityCount++
			fmt.Fprintf(w, "The chance that the exponent (%d) you are testing will yield a %sprime is about 1 in %d (%.6f%%).\n",
				a.N, mersennePrefix(mersenne), int(1.0/aprob), aprob*100)
		}
		if mersenne {
			digits := int(float64(a.N)*math.Log10(2)) + 1
			fmt.Fprintf(w, "The exponent %d has approximately %d decimal digits (using formula p * log10(2) + 1)\n",
				a.N, digits)
		}
	}
	if primalityCount > 1 {
		fmt.Fprintf(w, "The chance that one of the %d exponents you are testing will yield a %sprime is about 1 in %d (%.6f%%).\n",
			primalityCount, mersennePrefix(allMersenne), int(1.0/totalProb), totalProb*100)
	}
	return nil
}

// describeAssignment returns a display string for the assignment's work
// type, whether it counts toward the prime-odds summary, and its
// probability of yielding a prime.
func describeAssignment(a domain.Assignment) (workStr string, counted bool, prob float64) {
	bits := a.SieveDepth
	if bits < 32 {
		bits = 32
	}
	// odds of an unfactored candidate surviving to be prime, scaled by how
	// deeply it was trial-factored and whether P-1 already ran
	base := func(rate float64) float64 {
		pm1 := 1.0
		if a.PMinus1ed != 0 {
			pm1 = 1.04
		}
		return (bits - 1) * 1.733 * rate * pm1 /
			(math.Log2(a.K) + math.Log2(float64(a.B))*float64(a.N))
	}

	switch a.Kind {
	case domain.KindTest:
		return "Lucas-Lehmer test", true, base(1.0)
	case domain.KindDoubleCheck:
		return "Double-check", true, base(llErrorRate)
	case domain.KindPRP:
		return "PRP", true, base(1.0)
	case domain.KindPRPDC:
		return "PRPDC", true, base(prpErrorRate)
	case domain.KindPMinus1:
		return fmt.Sprintf("P-1 B1=%.0f", a.B1), false, 0
	case domain.KindPFactor:
		return "P-1", false, 0
	case domain.KindCert:
		return "Certify", false, 0
	}
	return string(a.Kind), false, 0
}

func mersennePrefix(mersenne bool) string {
	if mersenne {
		return "Mersenne "
	}
	return ""
}

// formatDuration renders like "3 days, 2:04:05" for day-scale spans.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d.Hours())
	mnt := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days == 1 {
		return fmt.Sprintf("1 day, %d:%02d:%02d", h, mnt, s)
	}
	if days > 1 {
		return fmt.Sprintf("%d days, %d:%02d:%02d", days, h, mnt, s)
	}
	return fmt.Sprintf("%d:%02d:%02d", h, mnt, s)
}
