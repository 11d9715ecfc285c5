package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

// WorkerState is the lifecycle phase a worker is in during a pass.
type WorkerState string

const (
	StateIdle           WorkerState = "IDLE"
	StateAwaitingWork   WorkerState = "AWAITING_WORK"
	StateHasWork        WorkerState = "HAS_WORK"
	StateAwaitingResult WorkerState = "AWAITING_RESULT"
	StateReporting      WorkerState = "REPORTING"
	StateRecovering     WorkerState = "RECOVERING"
)

// ManagerConfig carries the per-instance policy knobs.
type ManagerConfig struct {
	// DaysOfWork is the queue-ahead threshold: when the estimated time left
	// on queued work drops below it, one extra assignment is requested.
	DaysOfWork float64
	// NumCache is the baseline number of assignments to keep queued.
	NumCache int
	// TimeoutSeconds is reported to the server as the next expected
	// check-in; 0 means the daily default.
	TimeoutSeconds int
}

// PassReport summarizes one pass over one worker.
type PassReport struct {
	Submitted int
	Acquired  int
	// Issues counts recorded-but-non-fatal problems (rejected results,
	// failed best-effort calls) that should be reflected in the exit code.
	Issues int
}

// Manager drives the assignment lifecycle for one worker: it reconciles the
// worker's result log against the server, keeps the work queue topped up,
// and repairs local state from the server's authoritative reservation list
// when the two disagree. The compute engine itself is an external
// collaborator reached only through the queue and result files.
type Manager struct {
	logger  *slog.Logger
	inst    *Instance
	client  ports.ServerClient
	queue   ports.WorkQueue
	results ports.ResultLog
	worker  domain.Worker
	cfg     ManagerConfig

	state  WorkerState
	notify io.Writer
	now    func() time.Time
}

func NewManager(logger *slog.Logger, inst *Instance, client ports.ServerClient,
	queue ports.WorkQueue, results ports.ResultLog, worker domain.Worker, cfg ManagerConfig) *Manager {
	if cfg.NumCache < 0 {
		cfg.NumCache = 0
	}
	if cfg.DaysOfWork == 0 {
		cfg.DaysOfWork = 3.0
	}
	return &Manager{
		logger:  logger.With("worker", worker.Index),
		inst:    inst,
		client:  client,
		queue:   queue,
		results: results,
		worker:  worker,
		cfg:     cfg,
		state:   StateIdle,
		notify:  os.Stdout,
		now:     time.Now,
	}
}

func (m *Manager) setState(s WorkerState) {
	if m.state != s {
		m.logger.Debug("worker state", "from", string(m.state), "to", string(s))
		m.state = s
	}
}

// State returns the worker's current lifecycle phase.
func (m *Manager) State() WorkerState { return m.state }

// Pass runs one full lifecycle pass: report finished results, retry pending
// proof uploads, send progress, reconcile queue state, top up the queue.
// Errors from one step defer the remainder of that step to the next pass
// but do not abort the others unless fatal.
func (m *Manager) Pass(ctx context.Context) (PassReport, error) {
	var rep PassReport

	m.setState(StateReporting)
	if err := m.reportResults(ctx, &rep); err != nil {
		if domain.Fatal(err) {
			return rep, err
		}
		m.logger.Error("result reporting incomplete, deferring to next pass", "error", err)
		rep.Issues++
	}

	m.retryPendingProofs(ctx, &rep)

	eta, etaKnown := m.updateProgressAll(ctx)

	if err := m.maybeRecover(ctx); err != nil {
		if domain.Fatal(err) {
			return rep, err
		}
		m.logger.Error("recovery attempt failed", "error", err)
		rep.Issues++
	}

	if err := m.topUpQueue(ctx, eta, etaKnown, &rep); err != nil {
		if domain.Fatal(err) {
			return rep, err
		}
		m.logger.Error("assignment request failed, deferring to next pass", "error", err)
		rep.Issues++
	}

	if rep.Acquired > 0 {
		// let the server see ETAs for the assignments acquired this pass
		m.updateProgressAll(ctx)
	}

	m.setState(StateAwaitingResult)
	return rep, nil
}

// reportResults forwards every new result line to the server. For a given
// assignment, submission happens-before queue removal; the offset advances
// only past lines that were fully handled, so a transient failure re-reads
// exactly the unhandled tail next pass.
func (m *Manager) reportResults(ctx context.Context, rep *PassReport) error {
	offset := m.stateInt64(offsetKey(m.worker.Index), 0)
	lines, _, err := m.results.ReadNew(offset)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	m.logger.Info("new result lines found", "count", len(lines))

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case line.Kind == domain.ResultInformational:
			// engine chatter; just move past it
		case line.Kind == domain.ResultUnrecognized:
			m.logger.Warn("unrecognized result line left for manual review", "line", line.Raw)
			rep.Issues++
		case line.Kind == domain.ResultFailure:
			m.logger.Error("engine reported a failed unit", "exponent", line.Exponent, "line", line.Raw)
			rep.Issues++
		default:
			if err := m.submitOne(ctx, line, rep); err != nil {
				return err
			}
		}
		if err := m.inst.StateMutate(func(s ports.StateStore) {
			s.Set(offsetKey(m.worker.Index), strconv.FormatInt(line.EndOffset, 10))
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) submitOne(ctx context.Context, line domain.ResultLine, rep *PassReport) error {
	var outcome domain.SubmitOutcome
	var reason string
	err := m.inst.withRegistration(ctx, func(guid string) error {
		var err error
		outcome, reason, err = m.client.SubmitResult(ctx, guid, line)
		return err
	})
	if err != nil {
		return err
	}

	switch outcome {
	case domain.SubmitRejected:
		// keep the assignment queued and the line in the results file; the
		// operator decides what to do with it
		m.logger.Error("server rejected result", "exponent", line.Exponent, "aid", line.AID, "reason", reason)
		rep.Issues++
		return nil
	case domain.SubmitDuplicate:
		m.logger.Info("server already had this result", "exponent", line.Exponent, "aid", line.AID)
	default:
		m.logger.Info("result accepted", "exponent", line.Exponent, "aid", line.AID, "kind", string(line.Kind))
	}
	rep.Submitted++

	if line.Kind == domain.ResultPrimeFound {
		m.announcePrime(line)
	}
	if err := m.appendSentLine(line.Raw); err != nil {
		m.logger.Warn("could not record line in sent file", "error", err)
	}

	removed, err := m.queue.Remove(func(a domain.Assignment) bool {
		if line.AID != "" {
			return a.UID == line.AID
		}
		return a.N == line.Exponent
	})
	if err != nil {
		return err
	}
	if removed == 0 {
		// engine restarted and reran work we no longer track; the server
		// has deduplicated, nothing local to clean up
		m.logger.Debug("result had no matching queue record", "exponent", line.Exponent)
	}
	if err := m.inst.StateMutate(func(s ports.StateStore) {
		m.dropReserved(s, line.AID)
		if line.Proof != nil && line.AID != "" {
			if path := m.proofPath(line); path != "" {
				s.Set(proofKey(line.AID), path)
			}
		}
	}); err != nil {
		return err
	}

	if line.Proof != nil && line.AID != "" {
		m.uploadProof(ctx, line.AID, rep)
	}
	return nil
}

func (m *Manager) proofPath(line domain.ResultLine) string {
	if line.Proof.File != "" {
		if filepath.IsAbs(line.Proof.File) {
			return line.Proof.File
		}
		return filepath.Join(m.worker.Dir, line.Proof.File)
	}
	// GpuOwl's conventional location
	p := filepath.Join(m.worker.Dir, "proof", fmt.Sprintf("%d-%d.proof", line.Exponent, line.Proof.Power))
	if _, err := os.Stat(p); err != nil {
		m.logger.Warn("result references a proof artifact that cannot be found", "exponent", line.Exponent)
		return ""
	}
	return p
}

// uploadProof is eligible only after the owning result was accepted. A
// failed upload stays pending and is retried every pass until acknowledged.
func (m *Manager) uploadProof(ctx context.Context, aid string, rep *PassReport) {
	path, ok := m.inst.StateGet(proofKey(aid))
	if !ok {
		return
	}
	err := m.inst.withRegistration(ctx, func(guid string) error {
		return m.client.UploadProof(ctx, guid, aid, path)
	})
	if err != nil {
		m.logger.Error("proof upload unfinished, will resume next pass", "aid", aid, "error", err)
		rep.Issues++
		return
	}
	m.logger.Info("proof artifact uploaded", "aid", aid, "file", path)
	if err := m.inst.StateMutate(func(s ports.StateStore) { s.Delete(proofKey(aid)) }); err != nil {
		m.logger.Warn("could not clear pending proof marker", "error", err)
	}
}

func (m *Manager) retryPendingProofs(ctx context.Context, rep *PassReport) {
	for _, key := range m.inst.StateKeys() {
		aid, ok := strings.CutPrefix(key, "pending_proof_")
		if !ok {
			continue
		}
		m.uploadProof(ctx, aid, rep)
	}
}

// updateProgressAll estimates and reports progress for every queued
// assignment, returning the summed time left. Only the first assignment's
// engine file yields a fresh speed sample; later queue entries have not
// started and reuse it, as does the cached value from earlier runs.
func (m *Manager) updateProgressAll(ctx context.Context) (time.Duration, bool) {
	assignments := m.queuedAssignments()
	if len(assignments) == 0 {
		return 0, false
	}

	msec := m.stateFloat(keyUsecPerIt, 0)
	var total time.Duration
	known := true
	for i, a := range assignments {
		snap := readEngineProgress(m.worker, a)
		if i == 0 && snap.MsecPerIter > 0 {
			if err := m.inst.StateMutate(func(s ports.StateStore) {
				s.Set(keyUsecPerIt, fmt.Sprintf("%.2f", snap.MsecPerIter))
			}); err != nil {
				m.logger.Warn("could not cache iteration speed", "error", err)
			}
			msec = snap.MsecPerIter
		}
		if snap.MsecPerIter == 0 {
			snap.MsecPerIter = msec
		}
		percent, left, ok := computeProgress(a, snap)
		if !ok {
			m.logger.Debug("completion cannot be estimated yet", "exponent", a.N)
			known = false
		} else {
			total += left
		}

		report := ports.ProgressReport{
			AID:         a.UID,
			Percent:     percent,
			ETASeconds:  int64(total / time.Second),
			NextCheckin: m.nextCheckin(),
			Stage:       "",
			FFTLength:   snap.FFTLength,
		}
		if percent > 0 {
			report.Stage = stageName(a, snap)
		}
		if !ok {
			report.ETASeconds = 7 * 24 * 60 * 60 // a week, per convention for unknown
		}
		err := m.inst.withRegistration(ctx, func(guid string) error {
			return m.client.SubmitProgress(ctx, guid, m.worker.Index, report)
		})
		if err != nil {
			// best effort by contract
			m.logger.Warn("progress update not delivered", "exponent", a.N, "error", err)
		}
		if ctx.Err() != nil {
			return total, known
		}
	}
	return total, known
}

func (m *Manager) nextCheckin() int64 {
	if m.cfg.TimeoutSeconds > 0 {
		return int64(m.cfg.TimeoutSeconds)
	}
	return 24 * 60 * 60
}

// maybeRecover enters the recovery path automatically when local state may
// disagree with the server: an assignment request that never committed (the
// acquiring marker survived a crash), or a queue file that lost its contents
// while the durable state still lists outstanding reservations.
func (m *Manager) maybeRecover(ctx context.Context) error {
	if _, pending := m.inst.StateGet(acquiringKey(m.worker.Index)); pending {
		m.logger.Warn("an assignment request did not commit, reconciling with server")
		return m.Recover(ctx)
	}
	if len(m.queuedAssignments()) > 0 {
		return nil
	}
	if len(m.reservedAIDs()) == 0 {
		return nil
	}
	m.logger.Warn("work queue is empty but reservations are outstanding, reconciling with server")
	return m.Recover(ctx)
}

// Recover rewrites the local queue from the server's authoritative
// reservation list. The server is the source of truth for what is reserved;
// local files remain the source of truth for what is not yet submitted.
func (m *Manager) Recover(ctx context.Context) error {
	m.setState(StateRecovering)
	defer m.setState(StateIdle)

	var reservations []domain.Assignment
	err := m.inst.withRegistration(ctx, func(guid string) error {
		var err error
		reservations, err = m.client.ListReservations(ctx, guid, m.worker.Index)
		return err
	})
	if err != nil {
		return err
	}
	if err := m.queue.Replace(reservations); err != nil {
		return err
	}
	aids := make([]string, len(reservations))
	for i, a := range reservations {
		aids[i] = a.UID
	}
	if err := m.inst.StateMutate(func(s ports.StateStore) {
		m.setReserved(s, aids)
		s.Delete(acquiringKey(m.worker.Index))
	}); err != nil {
		return err
	}
	m.logger.Info("queue rebuilt from server reservations", "count", len(reservations))
	return nil
}

// topUpQueue requests new work when the queue runs under the days-of-work
// budget. The queue file write happens-before the state save that marks
// the acquisition committed, so a crash in between is repaired by recovery
// rather than by losing granted work.
func (m *Manager) topUpQueue(ctx context.Context, eta time.Duration, etaKnown bool, rep *PassReport) error {
	queued := m.queuedAssignments()

	target := m.cfg.NumCache + 1
	if etaKnown && eta <= m.daysOfWork() {
		target++
		m.logger.Debug("queued work is under the days-of-work budget",
			"eta", eta.String(), "budget", m.daysOfWork().String())
	}
	toGet := target - len(queued)
	if toGet < 1 {
		m.setState(StateIdle)
		m.logger.Debug("queue is full enough", "queued", len(queued), "target", target)
		return nil
	}

	m.setState(StateAwaitingWork)
	// the marker is durable before the request goes out: a crash between the
	// server granting work and the queue write leaves it set, and the next
	// pass reconciles against the server's reservation list
	if err := m.inst.StateMutate(func(s ports.StateStore) {
		s.Set(acquiringKey(m.worker.Index), "1")
	}); err != nil {
		return err
	}
	var got []domain.Assignment
	err := m.inst.withRegistration(ctx, func(guid string) error {
		var err error
		got, err = m.client.RequestAssignments(ctx, guid, m.worker.Index,
			m.worker.WorkType.PromoteLLToPRP(), toGet)
		return err
	})
	if len(got) > 0 {
		if werr := m.queue.Append(got); werr != nil {
			return werr
		}
		aids := make([]string, 0, len(got))
		for _, a := range got {
			aids = append(aids, a.UID)
		}
		if serr := m.inst.StateMutate(func(s ports.StateStore) {
			m.setReserved(s, append(m.reservedAIDsFrom(s), aids...))
			s.Delete(acquiringKey(m.worker.Index))
		}); serr != nil {
			return serr
		}
		rep.Acquired += len(got)
		m.setState(StateHasWork)
	}
	if err != nil {
		// the marker stays set: the server may have reserved work the reply
		// for which never arrived
		return err
	}
	if len(got) == 0 {
		if serr := m.inst.StateMutate(func(s ports.StateStore) {
			s.Delete(acquiringKey(m.worker.Index))
		}); serr != nil {
			return serr
		}
	}
	if len(got) < toGet {
		m.logger.Warn("received fewer assignments than requested", "requested", toGet, "received", len(got))
	}
	return nil
}

// UnreserveAll releases every queued assignment back to the server and
// empties the queue.
func (m *Manager) UnreserveAll(ctx context.Context) error {
	assignments := m.queuedAssignments()
	if len(assignments) == 0 {
		m.logger.Info("no work queued")
		return nil
	}
	for _, a := range assignments {
		if err := m.UnreserveOne(ctx, a.UID); err != nil {
			return err
		}
	}
	return nil
}

// UnreserveOne releases a single assignment and drops its queue record.
func (m *Manager) UnreserveOne(ctx context.Context, aid string) error {
	err := m.inst.withRegistration(ctx, func(guid string) error {
		return m.client.Unreserve(ctx, guid, aid)
	})
	if err != nil {
		return err
	}
	if _, err := m.queue.Remove(func(a domain.Assignment) bool { return a.UID == aid }); err != nil {
		return err
	}
	m.logger.Info("assignment unreserved", "aid", aid)
	return m.inst.StateMutate(func(s ports.StateStore) {
		m.dropReserved(s, aid)
	})
}

// HasQueued reports whether this worker's queue holds the assignment.
func (m *Manager) HasQueued(aid string) bool {
	for _, a := range m.queuedAssignments() {
		if a.UID == aid {
			return true
		}
	}
	return false
}

// queuedAssignments reads the queue, logging (never dropping) lines the
// grammar does not cover, and de-duplicates by assignment ID.
func (m *Manager) queuedAssignments() []domain.Assignment {
	entries, err := m.queue.ReadAll()
	if err != nil {
		m.logger.Error("work queue unreadable", "error", err)
		return nil
	}
	seen := map[string]bool{}
	var out []domain.Assignment
	for _, e := range entries {
		if e.Warning != nil {
			m.logger.Warn("work file line preserved verbatim", "line", e.Raw, "reason", e.Warning)
			continue
		}
		if e.Assignment == nil || seen[e.Assignment.UID] {
			continue
		}
		seen[e.Assignment.UID] = true
		out = append(out, *e.Assignment)
	}
	return out
}

func (m *Manager) announcePrime(line domain.ResultLine) {
	kind := "probable prime"
	if line.WorkType == "LL" {
		kind = "Mersenne prime"
	}
	m.logger.Warn("NEW PRIME FOUND", "exponent", line.Exponent, "kind", kind)
	fmt.Fprintf(m.notify, "\aNew %s! M%d is prime! Do not clear the results file; notify the project maintainers.\n",
		kind, line.Exponent)
}

func (m *Manager) appendSentLine(raw string) error {
	path := filepath.Join(m.worker.Dir, "results_sent.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &domain.LocalIOError{Path: path, Err: err}
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, raw)
	return err
}

func (m *Manager) daysOfWork() time.Duration {
	return time.Duration(m.cfg.DaysOfWork * 24 * float64(time.Hour))
}

func (m *Manager) reservedAIDs() []string {
	v, ok := m.inst.StateGet(reservedKey(m.worker.Index))
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// reservedAIDsFrom reads the reservation list through an already-held store
// handle. StateMutate closures must use this, not reservedAIDs, which takes
// the instance lock itself.
func (m *Manager) reservedAIDsFrom(s ports.StateStore) []string {
	v, ok := s.Get(reservedKey(m.worker.Index))
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func (m *Manager) setReserved(s ports.StateStore, aids []string) {
	seen := map[string]bool{}
	uniq := aids[:0]
	for _, a := range aids {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		uniq = append(uniq, a)
	}
	if len(uniq) == 0 {
		s.Delete(reservedKey(m.worker.Index))
		return
	}
	s.Set(reservedKey(m.worker.Index), strings.Join(uniq, ","))
}

func (m *Manager) dropReserved(s ports.StateStore, aid string) {
	if aid == "" {
		return
	}
	var kept []string
	for _, r := range m.reservedAIDsFrom(s) {
		if r != aid {
			kept = append(kept, r)
		}
	}
	m.setReserved(s, kept)
}

func (m *Manager) stateInt64(key string, def int64) int64 {
	v, ok := m.inst.StateGet(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (m *Manager) stateFloat(key string, def float64) float64 {
	v, ok := m.inst.StateGet(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
