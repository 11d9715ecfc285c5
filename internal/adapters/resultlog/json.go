package resultlog

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// flexUint tolerates the engines' habit of emitting numbers either bare or
// quoted, which varies between Mlucas and GpuOwl versions.
type flexUint uint64

func (u *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*u = flexUint(v)
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type jsonResult struct {
	Status       string             `json:"status"`
	Exponent     flexUint           `json:"exponent"`
	WorkType     string             `json:"worktype"`
	AID          string             `json:"aid"`
	Res64        string             `json:"res64"`
	ResidueType  int                `json:"residue-type"`
	ShiftCount   flexUint           `json:"shift-count"`
	ErrorCode    string             `json:"error-code"`
	FFTLength    int                `json:"fft-length"`
	KnownFactors []string           `json:"known-factors"`
	Factors      []string           `json:"factors"`
	B1           flexFloat          `json:"B1"`
	B2           flexFloat          `json:"B2"`
	Proof        *domain.ProofInfo  `json:"proof"`
	Program      domain.ProgramInfo `json:"program"`
}

// jsonParser handles the one-JSON-object-per-line result format of Mlucas
// v19+ and GpuOwl v7+.
type jsonParser struct{}

func (jsonParser) Parse(raw string) domain.ResultLine {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		// engine chatter, banners, pre-v19 human-readable results
		return domain.ResultLine{Kind: domain.ResultInformational, Raw: raw}
	}
	var jr jsonResult
	if err := json.Unmarshal([]byte(trimmed), &jr); err != nil {
		return domain.ResultLine{Kind: domain.ResultUnrecognized, Raw: raw}
	}
	line := domain.ResultLine{
		Raw:          raw,
		Exponent:     uint64(jr.Exponent),
		AID:          jr.AID,
		WorkType:     jr.WorkType,
		Res64:        jr.Res64,
		ResidueType:  jr.ResidueType,
		ShiftCount:   uint64(jr.ShiftCount),
		ErrorCode:    jr.ErrorCode,
		FFTLength:    jr.FFTLength,
		KnownFactors: jr.KnownFactors,
		Factors:      jr.Factors,
		B1:           float64(jr.B1),
		B2:           float64(jr.B2),
		Proof:        jr.Proof,
		Program:      jr.Program,
	}
	line.Kind = classify(jr.WorkType, jr.Status)
	if line.Kind == domain.ResultUnrecognized || line.Exponent == 0 {
		line.Kind = domain.ResultUnrecognized
	}
	return line
}

// classify maps the engine's worktype/status pair onto the result taxonomy.
func classify(workType, status string) domain.ResultKind {
	switch {
	case workType == "LL" || strings.HasPrefix(workType, "PRP"):
		switch status {
		case "P":
			return domain.ResultPrimeFound
		case "C":
			return domain.ResultComposite
		case "E":
			return domain.ResultFailure
		}
	case workType == "PM1":
		switch status {
		case "F":
			return domain.ResultFactorFound
		case "NF":
			return domain.ResultNoFactor
		case "E":
			return domain.ResultFailure
		}
	case workType == "Cert":
		if status == "C" {
			return domain.ResultComposite
		}
	}
	return domain.ResultUnrecognized
}
