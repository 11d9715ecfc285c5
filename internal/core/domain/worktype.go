package domain

import (
	"fmt"
	"strconv"
)

// WorkType is a PrimeNet work-preference code selecting the category of
// assignment requested from the server.
type WorkType int

const (
	WorkPFactor    WorkType = 4   // P-1 factoring
	WorkLLFirst    WorkType = 100 // smallest available first-time LL
	WorkLLDblChk   WorkType = 101 // LL double-check
	WorkLLWorldRec WorkType = 102 // world-record-sized first-time LL
	WorkLL100M     WorkType = 104 // 100M digit LL
	WorkPRPFirst   WorkType = 150 // smallest available first-time PRP
	WorkPRPDblChk  WorkType = 151 // PRP double-check
	WorkPRPWR      WorkType = 152 // world-record-sized first-time PRP
	WorkPRP100M    WorkType = 153 // 100M digit PRP
	WorkPRPProof   WorkType = 155 // double-check using PRP with proof
	WorkCert       WorkType = 200 // proof certification
)

var workTypeMnemonics = map[string]WorkType{
	"Pfactor":          WorkPFactor,
	"SmallestAvail":    WorkLLFirst,
	"DoubleCheck":      WorkLLDblChk,
	"WorldRecord":      WorkLLWorldRec,
	"100Mdigit":        WorkLL100M,
	"SmallestAvailPRP": WorkPRPFirst,
	"DoubleCheckPRP":   WorkPRPDblChk,
	"WorldRecordPRP":   WorkPRPWR,
	"100MdigitPRP":     WorkPRP100M,
}

var supportedWorkTypes = map[WorkType]bool{
	WorkPFactor:    true,
	WorkLLFirst:    true,
	WorkLLDblChk:   true,
	WorkLLWorldRec: true,
	WorkLL100M:     true,
	WorkPRPFirst:   true,
	WorkPRPDblChk:  true,
	WorkPRPWR:      true,
	WorkPRP100M:    true,
	WorkPRPProof:   true,
}

// ParseWorkType accepts either the numeric code or the server mnemonic
// ("DoubleCheckPRP", "SmallestAvail", ...).
func ParseWorkType(s string) (WorkType, error) {
	if wt, ok := workTypeMnemonics[s]; ok {
		return wt, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unrecognized worktype %q", s)
	}
	wt := WorkType(n)
	if !supportedWorkTypes[wt] {
		return 0, fmt.Errorf("unsupported worktype %d", n)
	}
	return wt, nil
}

// PromoteLLToPRP maps first-time LL preferences to their PRP equivalent.
// First-time LL assignments are no longer handed out by the server, so the
// preference is upgraded before requesting work.
func (w WorkType) PromoteLLToPRP() WorkType {
	switch w {
	case WorkLLFirst:
		return WorkPRPFirst
	case WorkLLWorldRec:
		return WorkPRPWR
	case WorkLL100M:
		return WorkPRP100M
	}
	return w
}

func (w WorkType) String() string {
	switch w {
	case WorkPFactor:
		return "P-1 factoring"
	case WorkLLFirst:
		return "first-time LL"
	case WorkLLDblChk:
		return "double-check LL"
	case WorkLLWorldRec:
		return "world-record LL"
	case WorkLL100M:
		return "100M digit LL"
	case WorkPRPFirst:
		return "first-time PRP"
	case WorkPRPDblChk:
		return "double-check PRP"
	case WorkPRPWR:
		return "world-record PRP"
	case WorkPRP100M:
		return "100M digit PRP"
	case WorkPRPProof:
		return "double-check PRP with proof"
	case WorkCert:
		return "certification"
	}
	return strconv.Itoa(int(w))
}
