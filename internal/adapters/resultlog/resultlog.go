// Package resultlog reads the result files the compute engines append to,
// from a persisted byte offset, so every line is forwarded to the server at
// most once across restarts. The line format is selected by the configured
// engine kind, never sniffed from content; a line the configured parser does
// not recognize becomes an Unrecognized variant, not a dropped line.
package resultlog

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

// Parser turns one raw result-file line into a classified ResultLine.
type Parser interface {
	Parse(raw string) domain.ResultLine
}

// ParserFor returns the parser matching the engine that owns the file.
func ParserFor(engine domain.EngineKind) Parser {
	if engine == domain.EngineCUDALucas {
		return cudaLucasParser{}
	}
	// Mlucas v19+ and GpuOwl v7+ both emit one JSON object per line.
	return jsonParser{}
}

// Reader is a ResultLog over one worker's results file.
type Reader struct {
	path   string
	parser Parser
}

var _ ports.ResultLog = (*Reader)(nil)

func NewReader(path string, engine domain.EngineKind) *Reader {
	return &Reader{path: path, parser: ParserFor(engine)}
}

func (r *Reader) Path() string { return r.path }

// ReadNew returns the complete lines appended since offset, classified, and
// the offset just past the last complete line. A trailing line without a
// newline is still being written by the engine and is left for the next
// pass. A missing file is an empty log. If the file shrank below offset it
// was replaced externally, and reading restarts from the beginning.
func (r *Reader) ReadNew(offset int64) ([]domain.ResultLine, int64, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, &domain.LocalIOError{Path: r.path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, &domain.LocalIOError{Path: r.path, Err: err}
	}
	if offset > st.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, &domain.LocalIOError{Path: r.path, Err: err}
	}

	var lines []domain.ResultLine
	br := bufio.NewReader(f)
	pos := offset
	for {
		chunk, err := br.ReadString('\n')
		if err == io.EOF {
			// incomplete trailing line, or nothing left
			break
		}
		if err != nil {
			return lines, pos, &domain.LocalIOError{Path: r.path, Err: err}
		}
		pos += int64(len(chunk))
		raw := strings.TrimRight(chunk, "\r\n")
		if strings.TrimSpace(raw) == "" {
			continue
		}
		line := r.parser.Parse(raw)
		line.EndOffset = pos
		lines = append(lines, line)
	}
	return lines, pos, nil
}
