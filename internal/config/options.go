// Package config resolves the program's effective settings from three
// layers: built-in defaults, the durable local state file, and command-line
// flags. An explicitly given flag wins and is written back to the state
// file; an absent flag falls back to the stored value, so settings survive
// across runs without repeating them.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

// Options is the full settings surface. Zero values are filled by
// Defaults before flag parsing.
type Options struct {
	WorkDir     string
	WorkFile    string
	ResultsFile string
	LocalFile   string
	LogFile     string
	WorkersFile string

	Username string

	WorkType   string
	NumCache   int
	DaysOfWork float64
	NumWorkers int
	Timeout    int

	Engine string

	Hostname     string
	CPUModel     string
	Features     string
	FrequencyMHz int
	MemoryMiB    int
	L1CacheKiB   int
	L2CacheKiB   int
	Cores        int
	Hyperthreads int

	Debug    bool
	Parallel bool
}

// Defaults returns the option set before any state or flag is applied.
// Hardware fields start from what /proc reports so a bare first run
// registers with something truthful.
func Defaults() Options {
	hw := DetectCapability()
	return Options{
		WorkDir:      ".",
		WorkFile:     "worktodo.ini",
		ResultsFile:  "results.txt",
		LocalFile:    "local.ini",
		WorkType:     strconv.Itoa(int(domain.WorkLLFirst)),
		NumCache:     0,
		DaysOfWork:   3.0,
		NumWorkers:   1,
		Timeout:      60 * 60,
		Engine:       string(domain.EngineMlucas),
		CPUModel:     orUnknown(hw.CPUModel),
		Features:     hw.Features,
		FrequencyMHz: hw.FrequencyMHz,
		MemoryMiB:    hw.MemoryMiB,
		L1CacheKiB:   orInt(hw.L1CacheKiB, 8),
		L2CacheKiB:   orInt(hw.L2CacheKiB, 512),
		Cores:        orInt(hw.Cores, 1),
		Hyperthreads: hw.ThreadsPerCore,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "cpu.unknown"
	}
	return s
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// StatePath returns the absolute path of the local state file.
func (o Options) StatePath() string { return filepath.Join(o.WorkDir, o.LocalFile) }

// Validate rejects settings the server would refuse, so a bad value fails
// fast locally instead of as a cryptic transaction error. It runs after the
// state merge, which also catches hand-edited state files.
func (o Options) Validate() error {
	if n := len(o.CPUModel); n < 8 || n > 64 {
		return &domain.ConfigError{
			Reason: fmt.Sprintf("cpu model string is %d characters, the server accepts 8 to 64", n),
			Remedy: "set --cpu_model to a descriptive 8-64 character string",
		}
	}
	if len(o.Hostname) > 20 {
		return &domain.ConfigError{
			Reason: "hostname is longer than 20 characters",
			Remedy: "set --hostname to a shorter name",
		}
	}
	if len(o.Features) > 64 {
		return &domain.ConfigError{
			Reason: "cpu features string is longer than 64 characters",
			Remedy: "set --features to a shorter list",
		}
	}
	if o.NumCache < 0 {
		return &domain.ConfigError{
			Reason: "num_cache cannot be negative",
			Remedy: "set --num_cache to 0 or more",
		}
	}
	if o.NumWorkers < 1 {
		return &domain.ConfigError{
			Reason: "num_workers must be at least 1",
			Remedy: "set --num_workers to 1 or more",
		}
	}
	if _, err := domain.ParseWorkType(o.WorkType); err != nil {
		return &domain.ConfigError{
			Reason: fmt.Sprintf("unsupported worktype %q", o.WorkType),
			Remedy: "pick a supported worktype code or mnemonic",
			Err:    err,
		}
	}
	switch domain.EngineKind(o.Engine) {
	case domain.EngineMlucas, domain.EngineGpuOwl, domain.EngineCUDALucas:
	default:
		return &domain.ConfigError{
			Reason: fmt.Sprintf("unknown engine %q", o.Engine),
			Remedy: "use mlucas, gpuowl or cudalucas",
		}
	}
	return nil
}

// mergeField wires one option field to its state key.
type mergeField struct {
	key string
	get func(o *Options) string
	set func(o *Options, v string) error
}

func strField(key string, f func(o *Options) *string) mergeField {
	return mergeField{
		key: key,
		get: func(o *Options) string { return *f(o) },
		set: func(o *Options, v string) error { *f(o) = v; return nil },
	}
}

func intField(key string, f func(o *Options) *int) mergeField {
	return mergeField{
		key: key,
		get: func(o *Options) string { return strconv.Itoa(*f(o)) },
		set: func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*f(o) = n
			return nil
		},
	}
}

func floatField(key string, f func(o *Options) *float64) mergeField {
	return mergeField{
		key: key,
		get: func(o *Options) string { return strconv.FormatFloat(*f(o), 'f', -1, 64) },
		set: func(o *Options, v string) error {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			*f(o) = x
			return nil
		},
	}
}

var mergeFields = []mergeField{
	strField("workfile", func(o *Options) *string { return &o.WorkFile }),
	strField("resultsfile", func(o *Options) *string { return &o.ResultsFile }),
	strField("username", func(o *Options) *string { return &o.Username }),
	strField("worktype", func(o *Options) *string { return &o.WorkType }),
	intField("num_cache", func(o *Options) *int { return &o.NumCache }),
	intField("num_workers", func(o *Options) *int { return &o.NumWorkers }),
	floatField("days_work", func(o *Options) *float64 { return &o.DaysOfWork }),
	strField("engine", func(o *Options) *string { return &o.Engine }),
	strField("hostname", func(o *Options) *string { return &o.Hostname }),
	strField("cpu_model", func(o *Options) *string { return &o.CPUModel }),
	strField("features", func(o *Options) *string { return &o.Features }),
	intField("frequency", func(o *Options) *int { return &o.FrequencyMHz }),
	intField("memory", func(o *Options) *int { return &o.MemoryMiB }),
	intField("l1", func(o *Options) *int { return &o.L1CacheKiB }),
	intField("l2", func(o *Options) *int { return &o.L2CacheKiB }),
	intField("np", func(o *Options) *int { return &o.Cores }),
	intField("hp", func(o *Options) *int { return &o.Hyperthreads }),
}

// MergeState reconciles options with the state store. explicit reports
// whether a flag was given on the command line (by its state-key name):
// given flags overwrite the store, absent ones are read from it. It
// returns whether the store was changed and needs saving.
func MergeState(o *Options, store ports.StateStore, explicit func(key string) bool) (bool, error) {
	updated := false
	for _, f := range mergeFields {
		stored, has := store.Get(f.key)
		if !explicit(f.key) && has {
			if err := f.set(o, stored); err != nil {
				return updated, &domain.ConfigError{
					Reason: fmt.Sprintf("stored value %s=%q is not valid", f.key, stored),
					Remedy: "fix the value in the local state file",
					Err:    err,
				}
			}
			continue
		}
		if cur := f.get(o); !has || stored != cur {
			store.Set(f.key, cur)
			updated = true
		}
	}
	return updated, nil
}

// Capability assembles the hardware description sent to the server.
func (o Options) Capability() domain.Capability {
	return domain.Capability{
		CPUModel:       o.CPUModel,
		Features:       o.Features,
		FrequencyMHz:   o.FrequencyMHz,
		MemoryMiB:      o.MemoryMiB,
		L1CacheKiB:     o.L1CacheKiB,
		L2CacheKiB:     o.L2CacheKiB,
		Cores:          o.Cores,
		ThreadsPerCore: o.Hyperthreads,
	}
}
