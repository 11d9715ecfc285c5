// Package localini is the durable local state store: an ini-like file shared
// with the compute engines (the classic local.ini). Unknown keys, comments
// and foreign sections round-trip byte-stably, and saves are atomic
// (write-temp-then-rename) so a crash mid-write never corrupts the previous
// good state.
package localini

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// Section is the ini section owned by this program.
const Section = "primenet"

type lineKind int

const (
	lineRaw lineKind = iota // comment, blank, or foreign-section content
	lineSection
	lineKV
)

type line struct {
	kind    lineKind
	raw     string
	section string // for lineSection and lineKV
	key     string // for lineKV, lowercased
	value   string
}

// Store mirrors the state file in memory. Set only mutates the mirror; Save
// persists.
type Store struct {
	path  string
	lines []line
	index map[string]int // key -> index into lines, keys in Section only
	dirty bool
}

// New returns an empty store bound to path, for first runs where no state
// file exists yet.
func New(path string) *Store {
	return &Store{path: path, index: map[string]int{}}
}

// Load reads the state file at path. A missing file yields
// domain.ErrStateNotFound, which is not a failure on first run. A malformed
// file is a fatal ConfigError and is never silently reset.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrStateNotFound)
		}
		return nil, &domain.LocalIOError{Path: path, Err: err}
	}
	defer f.Close()

	s := New(path)
	section := ""
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		raw := sc.Text()
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";"):
			s.lines = append(s.lines, line{kind: lineRaw, raw: raw})
		case strings.HasPrefix(trimmed, "["):
			if !strings.HasSuffix(trimmed, "]") {
				return nil, &domain.ConfigError{
					Reason: fmt.Sprintf("malformed section header at %s:%d", path, lineno),
					Remedy: "fix or restore the local state file; do not delete it, it holds the instance registration",
				}
			}
			section = strings.ToLower(strings.TrimSpace(trimmed[1 : len(trimmed)-1]))
			s.lines = append(s.lines, line{kind: lineSection, raw: raw, section: section})
		case strings.Contains(trimmed, "="):
			k, v, _ := strings.Cut(trimmed, "=")
			k = strings.ToLower(strings.TrimSpace(k))
			v = strings.TrimSpace(v)
			s.lines = append(s.lines, line{kind: lineKV, raw: raw, section: section, key: k, value: v})
			if section == Section {
				s.index[k] = len(s.lines) - 1
			}
		default:
			return nil, &domain.ConfigError{
				Reason: fmt.Sprintf("unparsable line at %s:%d: %q", path, lineno, raw),
				Remedy: "fix or restore the local state file; do not delete it, it holds the instance registration",
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &domain.LocalIOError{Path: path, Err: err}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns the value for key in the primenet section.
func (s *Store) Get(key string) (string, bool) {
	i, ok := s.index[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return s.lines[i].value, true
}

// Set updates key in the in-memory mirror. The change is durable only after
// Save.
func (s *Store) Set(key, value string) {
	key = strings.ToLower(key)
	if i, ok := s.index[key]; ok {
		if s.lines[i].value == value {
			return
		}
		s.lines[i].value = value
		s.lines[i].raw = key + "=" + value
		s.dirty = true
		return
	}
	at := s.sectionEnd()
	kv := line{kind: lineKV, raw: key + "=" + value, section: Section, key: key, value: value}
	s.lines = append(s.lines[:at], append([]line{kv}, s.lines[at:]...)...)
	s.reindex()
	s.dirty = true
}

// Keys lists every key in the primenet section, in file order.
func (s *Store) Keys() []string {
	out := make([]string, 0, len(s.index))
	for _, l := range s.lines {
		if l.kind == lineKV && l.section == Section {
			out = append(out, l.key)
		}
	}
	return out
}

// Delete removes key from the mirror.
func (s *Store) Delete(key string) {
	i, ok := s.index[strings.ToLower(key)]
	if !ok {
		return
	}
	s.lines = append(s.lines[:i], s.lines[i+1:]...)
	s.reindex()
	s.dirty = true
}

// sectionEnd returns the insertion point for a new key: just past the last
// line of the primenet section, creating the section header if absent.
func (s *Store) sectionEnd() int {
	last := -1
	for i, l := range s.lines {
		if (l.kind == lineSection || l.kind == lineKV) && l.section == Section {
			last = i
		}
	}
	if last >= 0 {
		return last + 1
	}
	s.lines = append(s.lines, line{kind: lineSection, raw: "[" + Section + "]", section: Section})
	return len(s.lines)
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.index))
	for i, l := range s.lines {
		if l.kind == lineKV && l.section == Section {
			s.index[l.key] = i
		}
	}
}

// Save writes the mirror atomically: temp file in the same directory, then
// rename over the previous state.
func (s *Store) Save() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return &domain.LocalIOError{Path: s.path, Err: err}
	}
	defer os.Remove(tmp.Name())

	var b strings.Builder
	for _, l := range s.lines {
		b.WriteString(l.raw)
		b.WriteByte('\n')
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return &domain.LocalIOError{Path: s.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &domain.LocalIOError{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &domain.LocalIOError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return &domain.LocalIOError{Path: s.path, Err: err}
	}
	s.dirty = false
	return nil
}

// GetInt64 reads key as a base-10 integer, returning def when absent or
// unparsable.
func (s *Store) GetInt64(key string, def int64) int64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetInt64 stores key as a base-10 integer.
func (s *Store) SetInt64(key string, v int64) {
	s.Set(key, strconv.FormatInt(v, 10))
}

// GetFloat reads key as a float, returning def when absent or unparsable.
func (s *Store) GetFloat(key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
