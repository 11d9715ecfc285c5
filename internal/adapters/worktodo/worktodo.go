// Package worktodo reads and rewrites the work-queue text file the compute
// engines consume (worktodo.ini / worktodo.txt). One assignment per line,
// the record kind given by the leading keyword. Lines this package cannot
// parse are preserved verbatim on every rewrite: an unparsable line may
// still be reserved work for an engine with a newer grammar, and losing it
// means losing the reservation.
package worktodo

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

// workPattern recognizes the record kinds this client manages. Anything else
// is carried through untouched.
var workPattern = regexp.MustCompile(
	`^(Test|DoubleCheck|PRP(?:DC)?|P(?:F|f)actor|Pminus1|Cert)\s*=\s*([0-9A-F]{32})(,(?:-?\d+(?:\.\d+)?|"\d+(?:,\d+)*")){3,9}$`)

// File is a work-queue adapter bound to one worker's work file. Single
// writer per file; rewrites are atomic temp-and-rename.
type File struct {
	path string
}

var _ ports.WorkQueue = (*File)(nil)

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// ReadAll returns the file's lines in order: parsed assignments where the
// grammar matches, verbatim entries with a warning where it does not. A
// missing file is an empty queue.
func (f *File) ReadAll() ([]ports.QueueEntry, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.LocalIOError{Path: f.path, Err: err}
	}
	defer file.Close()

	var entries []ports.QueueEntry
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		raw := sc.Text()
		if strings.TrimSpace(raw) == "" {
			entries = append(entries, ports.QueueEntry{Raw: raw})
			continue
		}
		a, err := ParseLine(strings.TrimSpace(raw))
		if err != nil {
			entries = append(entries, ports.QueueEntry{Raw: raw, Warning: err})
			continue
		}
		entries = append(entries, ports.QueueEntry{Assignment: a, Raw: raw})
	}
	if err := sc.Err(); err != nil {
		return nil, &domain.LocalIOError{Path: f.path, Err: err}
	}
	return entries, nil
}

// Append adds rendered records to the end of the file.
func (f *File) Append(assignments []domain.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &domain.LocalIOError{Path: f.path, Err: err}
	}
	defer file.Close()
	for _, a := range assignments {
		if _, err := fmt.Fprintln(file, RenderLine(a)); err != nil {
			return &domain.LocalIOError{Path: f.path, Err: err}
		}
	}
	return nil
}

// Remove rewrites the file omitting assignments matching the predicate.
// Every other line, parsable or not, keeps its exact bytes and relative
// order.
func (f *File) Remove(match func(domain.Assignment) bool) (int, error) {
	entries, err := f.ReadAll()
	if err != nil {
		return 0, err
	}
	kept := make([]string, 0, len(entries))
	removed := 0
	for _, e := range entries {
		if e.Assignment != nil && match(*e.Assignment) {
			removed++
			continue
		}
		kept = append(kept, e.Raw)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, f.rewrite(kept)
}

// Replace rewrites the file to exactly the given assignments, in order.
func (f *File) Replace(assignments []domain.Assignment) error {
	lines := make([]string, len(assignments))
	for i, a := range assignments {
		lines[i] = RenderLine(a)
	}
	return f.rewrite(lines)
}

func (f *File) rewrite(lines []string) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return &domain.LocalIOError{Path: f.path, Err: err}
	}
	defer os.Remove(tmp.Name())
	for _, l := range lines {
		if _, err := fmt.Fprintln(tmp, l); err != nil {
			tmp.Close()
			return &domain.LocalIOError{Path: f.path, Err: err}
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &domain.LocalIOError{Path: f.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &domain.LocalIOError{Path: f.path, Err: err}
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return &domain.LocalIOError{Path: f.path, Err: err}
	}
	return nil
}

// ParseLine parses one work-file record.
func ParseLine(raw string) (*domain.Assignment, error) {
	if !workPattern.MatchString(raw) {
		return nil, fmt.Errorf("unrecognized work record: %q", raw)
	}
	keyword, rest, _ := strings.Cut(raw, "=")
	kind := domain.AssignmentKind(strings.TrimSpace(keyword))
	if kind == "PFactor" {
		kind = domain.KindPFactor
	}

	r := csv.NewReader(strings.NewReader(strings.TrimSpace(rest)))
	fields, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("malformed work record %q: %w", raw, err)
	}

	a := &domain.Assignment{
		Kind:       kind,
		UID:        fields[0],
		K:          1.0,
		B:          2,
		C:          -1,
		SieveDepth: 99.0,
		PMinus1ed:  1,
	}

	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	atof := func(s string) float64 { v, _ := strconv.ParseFloat(s, 64); return v }
	atou := func(s string) uint64 { v, _ := strconv.ParseUint(s, 10, 64); return v }

	switch kind {
	case domain.KindTest, domain.KindDoubleCheck:
		if len(fields) < 4 {
			return nil, fmt.Errorf("work record %q: want 4 fields, have %d", raw, len(fields))
		}
		a.N = atou(fields[1])
		a.SieveDepth = atof(fields[2])
		a.PMinus1ed = atoi(fields[3])
	case domain.KindPRP, domain.KindPRPDC:
		if len(fields) < 5 {
			return nil, fmt.Errorf("work record %q: want 5+ fields, have %d", raw, len(fields))
		}
		a.K = atof(fields[1])
		a.B = atoi(fields[2])
		a.N = atou(fields[3])
		a.C = atoi(fields[4])
		if len(fields) >= 7 {
			a.SieveDepth = atof(fields[5])
			a.TestsSaved = atof(fields[6])
		}
		if len(fields) >= 9 {
			a.PRPBase = atoi(fields[7])
			a.PRPResidueType = atoi(fields[8])
		}
		if n := len(fields); n == 6 || n == 8 || n == 10 {
			a.KnownFactors = fields[n-1]
		}
	case domain.KindPFactor:
		if len(fields) < 7 {
			return nil, fmt.Errorf("work record %q: want 7 fields, have %d", raw, len(fields))
		}
		a.K = atof(fields[1])
		a.B = atoi(fields[2])
		a.N = atou(fields[3])
		a.C = atoi(fields[4])
		a.SieveDepth = atof(fields[5])
		a.TestsSaved = atof(fields[6])
	case domain.KindPMinus1:
		if len(fields) < 6 {
			return nil, fmt.Errorf("work record %q: want 6+ fields, have %d", raw, len(fields))
		}
		a.K = atof(fields[1])
		a.B = atoi(fields[2])
		a.N = atou(fields[3])
		a.C = atoi(fields[4])
		a.B1 = atof(fields[5])
		if len(fields) >= 7 {
			a.B2 = atof(fields[6])
		}
		if len(fields) >= 8 {
			a.SieveDepth = atof(fields[7])
		}
	case domain.KindCert:
		if len(fields) < 6 {
			return nil, fmt.Errorf("work record %q: want 6 fields, have %d", raw, len(fields))
		}
		a.K = atof(fields[1])
		a.B = atoi(fields[2])
		a.N = atou(fields[3])
		a.C = atoi(fields[4])
		a.CertSquarings = atoi(fields[5])
	default:
		return nil, fmt.Errorf("unrecognized work record kind %q", kind)
	}
	return a, nil
}

// RenderLine renders an assignment as its work-file record.
func RenderLine(a domain.Assignment) string {
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	switch a.Kind {
	case domain.KindTest, domain.KindDoubleCheck:
		return fmt.Sprintf("%s=%s,%d,%s,%d", a.Kind, a.UID, a.N, num(a.SieveDepth), a.PMinus1ed)
	case domain.KindPRP, domain.KindPRPDC:
		s := fmt.Sprintf("%s=%s,%s,%d,%d,%d", a.Kind, a.UID, num(a.K), a.B, a.N, a.C)
		if a.SieveDepth != 99.0 || a.TestsSaved != 0 || a.PRPBase != 0 {
			s += "," + num(a.SieveDepth) + "," + num(a.TestsSaved)
			if a.PRPBase != 0 {
				s += fmt.Sprintf(",%d,%d", a.PRPBase, a.PRPResidueType)
			}
		}
		if a.KnownFactors != "" {
			s += `,"` + a.KnownFactors + `"`
		}
		return s
	case domain.KindPFactor:
		return fmt.Sprintf("%s=%s,%s,%d,%d,%d,%s,%s",
			a.Kind, a.UID, num(a.K), a.B, a.N, a.C, num(a.SieveDepth), num(a.TestsSaved))
	case domain.KindPMinus1:
		s := fmt.Sprintf("%s=%s,%s,%d,%d,%d,%s", a.Kind, a.UID, num(a.K), a.B, a.N, a.C, num(a.B1))
		// the sieve depth is positional, so a record carrying one keeps B2
		if a.B2 != 0 || a.SieveDepth != 0 {
			s += "," + num(a.B2)
		}
		if a.SieveDepth != 0 {
			s += "," + num(a.SieveDepth)
		}
		return s
	case domain.KindCert:
		return fmt.Sprintf("%s=%s,%s,%d,%d,%d,%d", a.Kind, a.UID, num(a.K), a.B, a.N, a.C, a.CertSquarings)
	}
	return ""
}
