package domain

import "time"

// AssignmentKind is the record keyword an assignment carries in the work
// file. It determines which comma-separated fields follow the keyword.
type AssignmentKind string

const (
	KindTest        AssignmentKind = "Test"
	KindDoubleCheck AssignmentKind = "DoubleCheck"
	KindPRP         AssignmentKind = "PRP"
	KindPRPDC       AssignmentKind = "PRPDC"
	KindPFactor     AssignmentKind = "Pfactor"
	KindPMinus1     AssignmentKind = "Pminus1"
	KindCert        AssignmentKind = "Cert"
)

// Assignment is one server-reserved unit of primality-testing work on the
// number k*b^n+c. UID is the 32-hex assignment ID issued by the server and
// is stable across local save/resume cycles.
type Assignment struct {
	Kind AssignmentKind
	UID  string

	K float64
	B int
	N uint64
	C int

	SieveDepth float64 // trial-factoring bit depth already done
	PMinus1ed  int     // 1 if P-1 factoring was already done
	TestsSaved float64
	B1         float64 // P-1 stage 1 bound
	B2         float64 // P-1 stage 2 bound

	PRPBase        int
	PRPResidueType int
	CertSquarings  int
	KnownFactors   string // quoted comma list, verbatim from the record

	ReservedAt time.Time
}

// IsMersenne reports whether the assignment tests a plain Mersenne number
// 2^n-1, which is the common case for every worktype but cofactor work.
func (a Assignment) IsMersenne() bool {
	return a.K == 1.0 && a.B == 2 && a.C == -1
}

// PrimalityTest reports whether the assignment runs a full LL or PRP test,
// as opposed to factoring or certification work.
func (a Assignment) PrimalityTest() bool {
	switch a.Kind {
	case KindTest, KindDoubleCheck, KindPRP, KindPRPDC:
		return true
	}
	return false
}
