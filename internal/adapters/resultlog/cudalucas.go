package resultlog

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// CUDALucas predates the JSON result format and only runs LL tests. Its two
// line shapes are:
//
//	M( 108928711 )C, 0x810d83b6917d846c, offset = 106008371, n = 6272K, CUDALucas v2.06, AID: 02E4F2B14BB23E2E4B95FC138FC715A8
//	M( 108928711 )P, offset = 106008371, n = 6272K, CUDALucas v2.06, AID: 02E4F2B14BB23E2E4B95FC138FC715A8
var cudaPattern = regexp.MustCompile(
	`^M\( (\d{7,}) \)(P|C, (0x[0-9a-f]{16})), offset = (\d+), n = (\d{3,})K, (CUDALucas v[^\s,]+)(?:, AID: ([0-9A-F]{32}))?$`)

type cudaLucasParser struct{}

func (cudaLucasParser) Parse(raw string) domain.ResultLine {
	m := cudaPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return domain.ResultLine{Kind: domain.ResultInformational, Raw: raw}
	}
	exponent, _ := strconv.ParseUint(m[1], 10, 64)
	shift, _ := strconv.ParseUint(m[4], 10, 64)
	fftK, _ := strconv.Atoi(m[5])
	program := strings.SplitN(m[6], " ", 2)

	line := domain.ResultLine{
		Raw:        raw,
		Exponent:   exponent,
		AID:        m[7],
		WorkType:   "LL",
		ShiftCount: shift,
		FFTLength:  fftK * 1024,
		Program:    domain.ProgramInfo{Name: program[0]},
	}
	if len(program) == 2 {
		line.Program.Version = program[1]
	}
	if m[2][0] == 'P' {
		line.Kind = domain.ResultPrimeFound
		line.Res64 = strings.Repeat("0", 16)
	} else {
		line.Kind = domain.ResultComposite
		line.Res64 = strings.TrimPrefix(m[3], "0x")
	}
	return line
}
