package primenet

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/adapters/worktodo"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

// Config tunes the protocol client.
type Config struct {
	BaseURL  string // v5 transaction endpoint
	ProofURL string // proof artifact upload endpoint
	// AppVersion is the application string sent on registration, e.g.
	// "Linux64,Mlucas,v20".
	AppVersion string
	// MaxRetries bounds retry attempts per call within one pass; transient
	// failures beyond that are deferred to the next scheduled pass.
	MaxRetries      uint64
	InitialInterval time.Duration
	Timeout         time.Duration
}

// Client implements ports.ServerClient against the v5 transaction API. It is
// stateless between calls: the caller owns the GUID and all durable state.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

var _ ports.ServerClient = (*Client)(nil)

func NewClient(logger *slog.Logger, cfg Config) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// NewGUID mints a fresh 32-hex instance identifier.
func NewGUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// HardwareID derives the stable hardware fingerprint sent on registration.
func HardwareID(cpuModel, hostname string) string {
	sum := md5.Sum([]byte(cpuModel + hostname))
	return hex.EncodeToString(sum[:])
}

// transact signs, sends and decodes one v5 transaction, retrying transient
// failures with exponential backoff. The returned map is the full response.
func (c *Client) transact(ctx context.Context, op string, guid string, p *params) (map[string]string, error) {
	p.sign(guid, newSalt())
	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + "/?" + p.encode()

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.cfg.InitialInterval)),
		c.cfg.MaxRetries), ctx)

	var resp map[string]string
	err := backoff.Retry(func() error {
		var err error
		resp, err = c.roundTrip(ctx, op, reqURL)
		if err != nil && !domain.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, op, reqURL string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: op, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &domain.NetworkError{Op: op, Err: err}
	}
	if res.StatusCode >= 500 {
		return nil, &domain.ServerError{Op: op, Code: res.StatusCode, Detail: res.Status}
	}
	if res.StatusCode != http.StatusOK {
		return nil, &domain.ProtocolRejection{Op: op, Code: res.StatusCode, Detail: res.Status}
	}

	resp := parseResponse(string(body))
	rc, err := responseCode(resp)
	if err != nil {
		return nil, &domain.ServerError{Op: op, Code: 0, Detail: err.Error()}
	}
	if rc != errOK {
		return resp, c.classify(op, rc, resp["pnErrorDetail"])
	}
	if d := resp["pnErrorDetail"]; d != "" && d != "SUCCESS" {
		c.logger.Debug("server success with detail", "op", op, "detail", d)
	}
	return resp, nil
}

// classify maps a non-zero pnErrorResult onto the error taxonomy.
func (c *Client) classify(op string, rc int, detail string) error {
	text := errorText[rc]
	if text == "" {
		text = "unknown error code"
	}
	if detail != "" {
		text = text + ": " + detail
	}
	switch rc {
	case errServerBusy, errDatabaseCorrupt, errDatabaseFull:
		return &domain.ServerError{Op: op, Code: rc, Detail: text}
	case errAccessDenied, errInvalidUser:
		return &domain.AuthError{Reason: text}
	case errUnregisteredCPU, errStaleCPUInfo, errCPUIdentityMismatch, errCPUConfigMismatch:
		return fmt.Errorf("%s: %s: %w", op, text, domain.ErrRegistrationStale)
	default:
		return &domain.ProtocolRejection{Op: op, Code: rc, Detail: text}
	}
}

// Register performs the computer-update transaction. Pass an empty guid on
// first contact; the minted identifier comes back in the Registration and
// must be persisted before anything else happens.
func (c *Client) Register(ctx context.Context, guid string, cap domain.Capability, user, hostname string) (ports.Registration, error) {
	if guid == "" {
		guid = NewGUID()
	}
	p := baseParams("uc")
	p.add("g", guid)
	p.add("hg", HardwareID(cap.CPUModel, hostname))
	p.add("wg", "")
	p.add("a", c.cfg.AppVersion)
	p.add("c", truncate(cap.CPUModel, 64))
	p.add("f", truncate(cap.Features, 64))
	p.addInt("L1", cap.L1CacheKiB)
	p.addInt("L2", cap.L2CacheKiB)
	p.addInt("np", cap.Cores)
	p.addInt("hp", cap.ThreadsPerCore)
	p.addInt("m", cap.MemoryMiB)
	p.addInt("s", cap.FrequencyMHz)
	p.addInt("h", 24) // hours per day the instance runs
	p.addInt("r", 0)  // rolling average, 0 lets the server pick
	p.add("u", user)
	if hostname != "" {
		p.add("cn", truncate(hostname, 20))
	}

	c.logger.Info("registering instance", "user", user, "hostname", hostname, "os", runtime.GOOS)
	resp, err := c.transact(ctx, "register", guid, p)
	if err != nil {
		return ports.Registration{}, err
	}
	return ports.Registration{
		GUID:     guid,
		UserID:   resp["u"],
		UserName: resp["un"],
		Hostname: resp["cn"],
	}, nil
}

// SendProgramOptions exchanges option preferences with the server. Values
// the server echoes back override the local ones and must be persisted.
func (c *Client) SendProgramOptions(ctx context.Context, guid string, workerIndex int, opts ports.ProgramOptions) (ports.ProgramOptions, error) {
	p := baseParams("po")
	p.add("g", guid)
	p.addInt("c", workerIndex)
	p.addInt("w", int(opts.WorkType))
	p.addInt("nw", opts.NumWorkers)
	p.addInt("DaysOfWork", opts.DaysOfWork)
	p.addInt("DayMemory", opts.DayMemory)
	p.addInt("NightMemory", opts.NightMemory)

	resp, err := c.transact(ctx, "program-options", guid, p)
	if err != nil {
		return opts, err
	}
	out := opts
	if v, ok := resp["w"]; ok {
		if wt, err := domain.ParseWorkType(v); err == nil {
			out.WorkType = wt
		}
	}
	if v, ok := resp["DaysOfWork"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.DaysOfWork = n
		}
	}
	return out, nil
}

// RequestAssignments reserves up to count assignments. The server hands out
// one per transaction, so the client loops; an exhausted category simply
// yields fewer than requested, and zero is not an error.
func (c *Client) RequestAssignments(ctx context.Context, guid string, workerIndex int, pref domain.WorkType, count int) ([]domain.Assignment, error) {
	var out []domain.Assignment
	for i := 0; i < count; i++ {
		p := baseParams("ga")
		p.add("g", guid)
		p.addInt("c", workerIndex)
		p.add("a", "")

		resp, err := c.transact(ctx, "request-assignment", guid, p)
		if err != nil {
			var rej *domain.ProtocolRejection
			if errors.As(err, &rej) && rej.Code == errNoAssignment {
				c.logger.Info("no work of the preferred type available", "worktype", pref.String())
				return out, nil
			}
			return out, err
		}
		a, err := assignmentFromResponse(resp)
		if err != nil {
			return out, &domain.ProtocolRejection{Op: "request-assignment", Code: errInvalidAssignment, Detail: err.Error()}
		}
		a.ReservedAt = time.Now().UTC()
		c.logger.Info("assignment reserved", "aid", a.UID, "kind", string(a.Kind), "exponent", a.N)
		out = append(out, *a)
	}
	return out, nil
}

// assignmentFromResponse maps the flat ga response onto an Assignment. On
// the wire, "k" is the assignment ID and "A" the k multiplier.
func assignmentFromResponse(resp map[string]string) (*domain.Assignment, error) {
	w, err := strconv.Atoi(resp["w"])
	if err != nil {
		return nil, fmt.Errorf("assignment response missing worktype: %q", resp["w"])
	}
	aid := resp["k"]
	if aid == "" {
		return nil, fmt.Errorf("assignment response missing assignment ID")
	}
	n, err := strconv.ParseUint(resp["n"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("assignment response has bad exponent %q", resp["n"])
	}
	// Small exponents on primality worktypes mean a confused server; do not
	// queue them.
	if n < 15_000_000 {
		switch w {
		case workTypeFactor, workTypePFactor, workTypeFirstLL, workTypeDblChk:
			return nil, fmt.Errorf("server sent bad exponent %d for worktype %d", n, w)
		}
	}

	a := &domain.Assignment{
		UID:        aid,
		N:          n,
		K:          1.0,
		B:          2,
		C:          -1,
		SieveDepth: 99.0,
		PMinus1ed:  1,
	}
	f := func(key string) float64 { v, _ := strconv.ParseFloat(resp[key], 64); return v }
	i := func(key string) int { v, _ := strconv.Atoi(resp[key]); return v }

	switch w {
	case workTypeFirstLL, workTypeDblChk:
		a.Kind = domain.KindTest
		if w == workTypeDblChk {
			a.Kind = domain.KindDoubleCheck
		}
		a.SieveDepth = f("sf")
		a.PMinus1ed = i("p1")
	case workTypePRP:
		a.Kind = domain.KindPRP
		if _, dc := resp["dc"]; dc {
			a.Kind = domain.KindPRPDC
		}
		a.K = f("A")
		a.B = i("b")
		a.C = i("c")
		if _, ok := resp["sf"]; ok {
			a.SieveDepth = f("sf")
			a.TestsSaved = f("saved")
		}
		if _, ok := resp["base"]; ok {
			a.PRPBase = i("base")
			a.PRPResidueType = i("rt")
		}
		if kf, ok := resp["kf"]; ok {
			a.KnownFactors = kf
		}
	case workTypePFactor:
		a.Kind = domain.KindPFactor
		a.K = f("A")
		a.B = i("b")
		a.C = i("c")
		a.SieveDepth = f("sf")
		a.TestsSaved = f("saved")
	case workTypeCert:
		a.Kind = domain.KindCert
		a.K = f("A")
		a.B = i("b")
		a.C = i("c")
		a.CertSquarings = i("ns")
	default:
		return nil, fmt.Errorf("server sent unsupported worktype %d", w)
	}
	return a, nil
}

// SubmitResult forwards one classified result line. The raw line rides along
// as the message so the server archive matches the engine's output exactly.
func (c *Client) SubmitResult(ctx context.Context, guid string, line domain.ResultLine) (domain.SubmitOutcome, string, error) {
	rt, err := resultType(line)
	if err != nil {
		return domain.SubmitRejected, err.Error(), nil
	}

	p := baseParams("ar")
	p.add("g", guid)
	if line.AID != "" {
		p.add("k", line.AID)
	} else {
		p.add("k", "0")
	}
	p.add("m", line.Raw)
	p.addInt("r", rt)
	p.add("n", strconv.FormatUint(line.Exponent, 10))

	switch rt {
	case arLLResult, arLLPrime:
		p.addInt("d", 1)
		if rt == arLLResult {
			p.add("rd", zfill16(line.Res64))
		}
		p.add("sc", strconv.FormatUint(line.ShiftCount, 10))
		p.add("ec", orDefault(line.ErrorCode, "00000000"))
	case arPRPResult, arPRPPrime:
		p.addInt("d", 1)
		p.addInt("A", 1)
		p.addInt("b", 2)
		p.addInt("c", -1)
		if rt == arPRPResult {
			p.add("rd", zfill16(line.Res64))
			if line.ResidueType != 0 {
				p.addInt("rt", line.ResidueType)
			}
		}
		p.add("ec", orDefault(line.ErrorCode, "00000000"))
		if len(line.KnownFactors) > 0 {
			p.addInt("nkf", len(line.KnownFactors))
		}
		p.add("base", strings.TrimPrefix(line.WorkType, "PRP-"))
		if line.ShiftCount != 0 {
			p.add("sc", strconv.FormatUint(line.ShiftCount, 10))
		}
		p.addInt("gbz", 1) // Gerbicz error checking
		if line.Proof != nil {
			p.addInt("pp", line.Proof.Power)
			p.add("ph", line.Proof.MD5)
		}
	case arCert:
		p.addInt("d", 1)
		p.add("rd", zfill16(line.Res64))
		if line.ShiftCount != 0 {
			p.add("sc", strconv.FormatUint(line.ShiftCount, 10))
		}
		p.add("ec", orDefault(line.ErrorCode, "00000000"))
	case arP1Factor, arP1NoFactor:
		p.addInt("d", 1)
		p.addInt("A", 1)
		p.addInt("b", 2)
		p.addInt("c", -1)
		p.add("B1", strconv.FormatFloat(line.B1, 'f', -1, 64))
		if line.B2 != 0 {
			p.add("B2", strconv.FormatFloat(line.B2, 'f', -1, 64))
		}
		if rt == arP1Factor && len(line.Factors) > 0 {
			p.add("f", line.Factors[0])
		}
	}
	if line.FFTLength != 0 {
		p.addInt("fftlen", line.FFTLength)
	}

	resp, err := c.transact(ctx, "submit-result", guid, p)
	if err != nil {
		var rej *domain.ProtocolRejection
		if errors.As(err, &rej) {
			if rej.Code == errWorkNoLongerNeeded {
				// the server already holds an equivalent result
				return domain.SubmitDuplicate, rej.Detail, nil
			}
			return domain.SubmitRejected, rej.Detail, nil
		}
		return domain.SubmitRejected, "", err
	}
	if d := resp["pnErrorDetail"]; strings.Contains(strings.ToLower(d), "duplicate") {
		return domain.SubmitDuplicate, d, nil
	}
	return domain.SubmitAccepted, "", nil
}

func resultType(line domain.ResultLine) (int, error) {
	switch line.Kind {
	case domain.ResultPrimeFound:
		if strings.HasPrefix(line.WorkType, "PRP") {
			return arPRPPrime, nil
		}
		return arLLPrime, nil
	case domain.ResultComposite:
		if strings.HasPrefix(line.WorkType, "PRP") {
			return arPRPResult, nil
		}
		if line.WorkType == "Cert" {
			return arCert, nil
		}
		return arLLResult, nil
	case domain.ResultFactorFound:
		return arP1Factor, nil
	case domain.ResultNoFactor:
		return arP1NoFactor, nil
	}
	return 0, fmt.Errorf("result kind %q has no server result type", line.Kind)
}

// SubmitProgress sends one assignment-progress update. Best effort by
// contract; the caller logs failures and moves on.
func (c *Client) SubmitProgress(ctx context.Context, guid string, workerIndex int, rep ports.ProgressReport) error {
	p := baseParams("ap")
	p.add("g", guid)
	p.add("k", rep.AID)
	p.add("p", fmt.Sprintf("%.4f", rep.Percent))
	p.add("d", strconv.FormatInt(rep.NextCheckin, 10))
	p.add("e", strconv.FormatInt(rep.ETASeconds, 10))
	p.addInt("c", workerIndex)
	if rep.Stage != "" {
		p.add("stage", rep.Stage)
	}
	if rep.FFTLength != 0 {
		p.addInt("fftlen", rep.FFTLength)
	}
	_, err := c.transact(ctx, "submit-progress", guid, p)
	return err
}

// Unreserve releases one assignment back to the server.
func (c *Client) Unreserve(ctx context.Context, guid string, aid string) error {
	p := baseParams("au")
	p.add("g", guid)
	p.add("k", aid)
	_, err := c.transact(ctx, "unreserve", guid, p)
	return err
}

// ListReservations fetches the server's authoritative reservation list for
// this instance and worker, as work-file records in server order. Recovery
// treats this list as the source of truth for what is reserved.
func (c *Client) ListReservations(ctx context.Context, guid string, workerIndex int) ([]domain.Assignment, error) {
	p := baseParams("la")
	p.add("g", guid)
	p.addInt("c", workerIndex)

	resp, err := c.transact(ctx, "list-reservations", guid, p)
	if err != nil {
		return nil, err
	}
	count, _ := strconv.Atoi(resp["count"])
	out := make([]domain.Assignment, 0, count)
	for i := 0; i < count; i++ {
		raw, ok := resp["a"+strconv.Itoa(i)]
		if !ok {
			return nil, &domain.ServerError{Op: "list-reservations", Code: 0,
				Detail: fmt.Sprintf("reservation list is missing entry %d of %d", i, count)}
		}
		a, err := worktodo.ParseLine(raw)
		if err != nil {
			return nil, &domain.ServerError{Op: "list-reservations", Code: 0, Detail: err.Error()}
		}
		out = append(out, *a)
	}
	return out, nil
}

func zfill16(s string) string {
	s = strings.TrimSpace(s)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
