package domain

// ResultKind classifies one line of an engine's result log. Classification
// drives whether the owning assignment is removed from the work queue and
// whether the prime-found notification fires.
type ResultKind string

const (
	ResultPrimeFound    ResultKind = "prime"
	ResultComposite     ResultKind = "composite"
	ResultFactorFound   ResultKind = "factor"
	ResultNoFactor      ResultKind = "nofactor"
	ResultFailure       ResultKind = "failure"
	ResultInformational ResultKind = "info"
	ResultUnrecognized  ResultKind = "unrecognized"
)

// ProofInfo references the proof artifact a PRP result produced.
type ProofInfo struct {
	Power int    `json:"power"`
	MD5   string `json:"md5"`
	File  string `json:"file,omitempty"`
}

// ProgramInfo names the engine that produced a result.
type ProgramInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResultLine is one classified record from an engine's result log. Raw holds
// the line exactly as the engine wrote it; the server receives Raw, never a
// reformatted rendition. Res64 is an opaque hex token compared
// case-insensitively but transmitted as received.
type ResultLine struct {
	Kind ResultKind

	Raw      string
	Exponent uint64
	AID      string // 32-hex assignment ID, empty for unattributed results
	WorkType string // engine worktype string: LL, PRP-3, PM1, Cert

	Res64        string
	ResidueType  int
	ShiftCount   uint64
	ErrorCode    string
	FFTLength    int
	KnownFactors []string
	Factors      []string
	B1           float64
	B2           float64

	Proof   *ProofInfo
	Program ProgramInfo

	// EndOffset is the byte offset just past this line in the result log,
	// persisted once the line has been forwarded so it is never re-read.
	EndOffset int64
}

// Submittable reports whether the line carries a completed outcome the
// server wants. Informational and unrecognized lines only advance the
// offset.
func (r ResultLine) Submittable() bool {
	switch r.Kind {
	case ResultPrimeFound, ResultComposite, ResultFactorFound, ResultNoFactor:
		return true
	}
	return false
}

// SubmitOutcome is the server's verdict on one submitted result.
type SubmitOutcome int

const (
	SubmitAccepted SubmitOutcome = iota
	// SubmitDuplicate means the server already holds this result; treated as
	// success so retries stay idempotent.
	SubmitDuplicate
	SubmitRejected
)

func (o SubmitOutcome) String() string {
	switch o {
	case SubmitAccepted:
		return "accepted"
	case SubmitDuplicate:
		return "duplicate-ignored"
	case SubmitRejected:
		return "rejected"
	}
	return "unknown"
}
