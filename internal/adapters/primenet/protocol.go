// Package primenet is the client for the coordination server's v5
// transaction API: url-encoded GET requests answered by key=value lines,
// with an MD5-derived security hash over the query string. The wire format
// and error-code table match what the server has accepted for decades;
// identifiers, residues and checksums pass through as opaque tokens.
package primenet

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
)

const (
	transactionAPIVersion = "0.95"
	projectToken          = "GIMPS"

	// v5ClientConstant keys the security-hash scramble; it identifies a
	// trusted client generation to the server.
	v5ClientConstant = 17737
)

// Server pnErrorResult codes.
const (
	errOK                   = 0
	errServerBusy           = 3
	errInvalidVersion       = 4
	errInvalidTransaction   = 5
	errInvalidParameter     = 7
	errAccessDenied         = 9
	errDatabaseCorrupt      = 11
	errDatabaseFull         = 13
	errInvalidUser          = 21
	errUnregisteredCPU      = 30
	errObsoleteClient       = 31
	errStaleCPUInfo         = 32
	errCPUIdentityMismatch  = 33
	errCPUConfigMismatch    = 34
	errNoAssignment         = 40
	errInvalidAssignmentKey = 43
	errInvalidAssignment    = 44
	errInvalidResultType    = 45
	errInvalidWorkType      = 46
	errWorkNoLongerNeeded   = 47
)

var errorText = map[int]string{
	errServerBusy:           "server busy",
	errInvalidVersion:       "invalid version",
	errInvalidTransaction:   "invalid transaction",
	errInvalidParameter:     "invalid parameter",
	errAccessDenied:         "access denied",
	errDatabaseCorrupt:      "server database malfunction",
	errDatabaseFull:         "server database full or broken",
	errInvalidUser:          "invalid user",
	errUnregisteredCPU:      "instance not registered",
	errObsoleteClient:       "obsolete client, please upgrade",
	errStaleCPUInfo:         "stale instance info",
	errCPUIdentityMismatch:  "instance identity mismatch",
	errCPUConfigMismatch:    "instance configuration mismatch",
	errNoAssignment:         "no assignment",
	errInvalidAssignmentKey: "invalid assignment key",
	errInvalidAssignment:    "invalid assignment type",
	errInvalidResultType:    "invalid result type",
	errInvalidWorkType:      "invalid work type",
	errWorkNoLongerNeeded:   "work no longer needed",
}

// Server worktype codes in assignment responses.
const (
	workTypeFactor  = 2
	workTypePMinus1 = 3
	workTypePFactor = 4
	workTypeECM     = 5
	workTypeFirstLL = 100
	workTypeDblChk  = 101
	workTypePRP     = 150
	workTypeCert    = 200
)

// Assignment-result type codes.
const (
	arNoResult    = 0
	arTFFactor    = 1
	arP1Factor    = 2
	arECMFactor   = 3
	arTFNoFactor  = 4
	arP1NoFactor  = 5
	arECMNoFactor = 6
	arLLResult    = 100
	arLLPrime     = 101
	arPRPResult   = 150
	arPRPPrime    = 151
	arCert        = 200
)

// params is an insertion-ordered url-encoded parameter list. Order matters:
// the security hash covers the encoded query string exactly as sent, so the
// encoding must not reorder keys the way url.Values does.
type params struct {
	pairs [][2]string
}

func baseParams(transaction string) *params {
	p := &params{}
	p.add("px", projectToken)
	p.add("v", transactionAPIVersion)
	p.add("t", transaction)
	return p
}

func (p *params) add(key, value string) {
	p.pairs = append(p.pairs, [2]string{key, value})
}

func (p *params) addInt(key string, v int) {
	p.add(key, strconv.Itoa(v))
}

func (p *params) encode() string {
	var b strings.Builder
	for i, kv := range p.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}

// sign appends the ss/sh security parameters. The per-GUID key is an MD5 of
// the GUID scrambled with the client constant, and the hash covers the
// encoded query plus that key.
func (p *params) sign(guid string, salt int) {
	k := md5.Sum([]byte(guid))
	for i := 0; i < 16; i++ {
		k[i] ^= k[(int(k[i])^(v5ClientConstant&0xFF))%16] ^ byte(v5ClientConstant/256)
	}
	keySum := md5.Sum(k[:])
	key := strings.ToUpper(hex.EncodeToString(keySum[:]))

	p.addInt("ss", salt)
	hashed := md5.Sum([]byte(p.encode() + "&" + key))
	p.add("sh", strings.ToUpper(hex.EncodeToString(hashed[:])))
}

func newSalt() int {
	return rand.Intn(0x10000)
}

// parseResponse decodes the server's key=value line response, which ends at
// an ==END== marker.
func parseResponse(body string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "==END==" {
			break
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func responseCode(resp map[string]string) (int, error) {
	raw, ok := resp["pnErrorResult"]
	if !ok {
		return 0, fmt.Errorf("response is missing pnErrorResult")
	}
	return strconv.Atoi(raw)
}
