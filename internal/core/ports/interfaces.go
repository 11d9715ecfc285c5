package ports

import (
	"context"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// StateStore is the durable key/value mirror of the instance's local.ini.
// Set mutates only the in-memory mirror; Save persists atomically. The
// lifecycle manager saves after every state-changing step so a kill loses at
// most the in-flight step.
type StateStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	// Keys lists every key in the instance section, in file order.
	Keys() []string
	Save() error
}

// QueueEntry is one line of a work file: a parsed assignment, or a foreign
// line preserved verbatim (Assignment nil, Warning set).
type QueueEntry struct {
	Assignment *domain.Assignment
	Raw        string
	Warning    error
}

// WorkQueue reads and rewrites one worker's work file. Rewrites preserve the
// byte-exact form and relative order of untouched lines, parsable or not,
// because the compute engines are strict textual parsers. Single writer per
// file; the rewrite is an atomic temp-and-rename critical section.
type WorkQueue interface {
	ReadAll() ([]QueueEntry, error)
	Append(assignments []domain.Assignment) error
	// Remove rewrites the file omitting assignments matching the predicate
	// and returns how many records were dropped.
	Remove(match func(domain.Assignment) bool) (int, error)
	// Replace rewrites the file to contain exactly the given assignments, in
	// order. Used by recovery when the server list is authoritative.
	Replace(assignments []domain.Assignment) error
}

// ResultLog reads an engine's result file from a persisted byte offset.
// ReadNew never re-returns a line from a prior call for the same offset, and
// the per-line EndOffset advances non-decreasingly.
type ResultLog interface {
	ReadNew(offset int64) ([]domain.ResultLine, int64, error)
}

// Registration is the server's acknowledgement of a computer update.
type Registration struct {
	GUID     string
	UserID   string
	UserName string
	Hostname string
}

// ProgressReport is one assignment-progress update.
type ProgressReport struct {
	AID         string
	Percent     float64
	ETASeconds  int64
	NextCheckin int64
	Stage       string
	FFTLength   int
}

// ProgramOptions is the option set exchanged with the server; server-pushed
// values win and are persisted locally.
type ProgramOptions struct {
	WorkType    domain.WorkType
	NumWorkers  int
	DaysOfWork  int
	DayMemory   int
	NightMemory int
}

// ServerClient is the stateless request/response layer over the coordination
// API. Every call is idempotent-safe to retry; transient failures are
// already retried with backoff inside the client, so callers are
// retry-agnostic.
type ServerClient interface {
	// Register performs the computer-update transaction, minting a new GUID
	// when the instance has none.
	Register(ctx context.Context, guid string, cap domain.Capability, user, hostname string) (Registration, error)

	// SendProgramOptions exchanges option preferences; the returned set
	// reflects any server-side overrides.
	SendProgramOptions(ctx context.Context, guid string, workerIndex int, opts ProgramOptions) (ProgramOptions, error)

	// RequestAssignments reserves up to count assignments of the preferred
	// work type. Fewer, or zero, than requested is not an error.
	RequestAssignments(ctx context.Context, guid string, workerIndex int, pref domain.WorkType, count int) ([]domain.Assignment, error)

	// SubmitResult forwards one result line. Rejections are reported in the
	// outcome, not as an error, so the loop can continue.
	SubmitResult(ctx context.Context, guid string, line domain.ResultLine) (domain.SubmitOutcome, string, error)

	// SubmitProgress is best-effort; failures are logged, never fatal.
	SubmitProgress(ctx context.Context, guid string, workerIndex int, rep ProgressReport) error

	// Unreserve releases one assignment back to the server.
	Unreserve(ctx context.Context, guid string, aid string) error

	// ListReservations returns the server's authoritative list of this
	// instance's reserved assignments, in server order.
	ListReservations(ctx context.Context, guid string, workerIndex int) ([]domain.Assignment, error)

	// UploadProof uploads a proof artifact, resuming from the last
	// server-acknowledged chunk offset on interruption.
	UploadProof(ctx context.Context, guid string, aid string, path string) error
}
