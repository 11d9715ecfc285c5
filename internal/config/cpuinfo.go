package config

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// DetectCapability reads the host's CPU and memory description from /proc.
// Everything here is best effort: on platforms without /proc the caller's
// flag or stored values take over, and only the zero fields stay zero.
func DetectCapability() domain.Capability {
	hw := domain.Capability{
		Cores: runtime.NumCPU(),
	}
	fillCPUInfo(&hw, "/proc/cpuinfo")
	fillMemInfo(&hw, "/proc/meminfo")
	return hw
}

func fillCPUInfo(hw *domain.Capability, path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	physical := map[string]bool{}
	coresPerSocket := 0
	siblings := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "model name":
			if hw.CPUModel == "" {
				hw.CPUModel = value
			}
		case "flags":
			if hw.Features == "" {
				// the server caps the field at 64 characters
				if len(value) > 64 {
					value = value[:64]
				}
				hw.Features = value
			}
		case "cpu MHz":
			if hw.FrequencyMHz == 0 {
				if mhz, err := strconv.ParseFloat(value, 64); err == nil {
					hw.FrequencyMHz = int(mhz)
				}
			}
		case "physical id":
			physical[value] = true
		case "cpu cores":
			if n, err := strconv.Atoi(value); err == nil {
				coresPerSocket = n
			}
		case "siblings":
			if n, err := strconv.Atoi(value); err == nil {
				siblings = n
			}
		}
	}

	if coresPerSocket > 0 {
		cores := coresPerSocket
		if len(physical) > 1 {
			cores *= len(physical)
		}
		hw.Cores = cores
		if siblings > coresPerSocket {
			hw.ThreadsPerCore = siblings / coresPerSocket
		}
	}
}

func fillMemInfo(hw *domain.Capability, path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			if kib, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				hw.MemoryMiB = int(kib / 1024)
			}
			return
		}
	}
}
