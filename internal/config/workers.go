package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// workersFile is the optional multi-worker layout, one entry per compute
// slot. Fields left empty inherit from the top-level options.
type workersFile struct {
	Workers []workerSpec `yaml:"workers"`
}

type workerSpec struct {
	Dir         string             `yaml:"dir"`
	WorkFile    string             `yaml:"workfile"`
	ResultsFile string             `yaml:"resultsfile"`
	LogFile     string             `yaml:"logfile"`
	Engine      string             `yaml:"engine"`
	WorkType    string             `yaml:"worktype"`
	Capability  *domain.Capability `yaml:"capability"`
}

// BuildWorkers resolves the worker list. With a workers file every entry
// comes from it; without one, NumWorkers identical slots are derived from
// the options, worker 0 in the work directory itself and the rest in
// numbered subdirectories, matching how the engines lay out multi-worker
// runs.
func BuildWorkers(o Options) ([]domain.Worker, error) {
	baseType, err := domain.ParseWorkType(o.WorkType)
	if err != nil {
		return nil, err
	}

	if o.WorkersFile != "" {
		return workersFromFile(o, baseType)
	}

	workers := make([]domain.Worker, o.NumWorkers)
	for i := range workers {
		dir := o.WorkDir
		if i > 0 {
			dir = filepath.Join(o.WorkDir, fmt.Sprintf("worker%d", i))
		}
		workers[i] = domain.Worker{
			Index:       i,
			Dir:         dir,
			WorkFile:    o.WorkFile,
			ResultsFile: o.ResultsFile,
			LogFile:     o.LogFile,
			Engine:      domain.EngineKind(o.Engine),
			WorkType:    baseType,
			Capability:  o.Capability(),
		}
	}
	return workers, nil
}

func workersFromFile(o Options, baseType domain.WorkType) ([]domain.Worker, error) {
	path := o.WorkersFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.WorkDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.LocalIOError{Path: path, Err: err}
	}
	var wf workersFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, &domain.ConfigError{
			Reason: fmt.Sprintf("workers file %s does not parse", path),
			Remedy: "fix the YAML syntax",
			Err:    err,
		}
	}
	if len(wf.Workers) == 0 {
		return nil, &domain.ConfigError{
			Reason: fmt.Sprintf("workers file %s lists no workers", path),
			Remedy: "add at least one workers entry or drop --workers",
		}
	}

	workers := make([]domain.Worker, len(wf.Workers))
	for i, spec := range wf.Workers {
		w := domain.Worker{
			Index:       i,
			Dir:         orElseStr(spec.Dir, o.WorkDir),
			WorkFile:    orElseStr(spec.WorkFile, o.WorkFile),
			ResultsFile: orElseStr(spec.ResultsFile, o.ResultsFile),
			LogFile:     orElseStr(spec.LogFile, o.LogFile),
			Engine:      domain.EngineKind(orElseStr(spec.Engine, o.Engine)),
			WorkType:    baseType,
			Capability:  o.Capability(),
		}
		if !filepath.IsAbs(w.Dir) {
			w.Dir = filepath.Join(o.WorkDir, w.Dir)
		}
		if spec.WorkType != "" {
			wt, err := domain.ParseWorkType(spec.WorkType)
			if err != nil {
				return nil, &domain.ConfigError{
					Reason: fmt.Sprintf("workers file entry %d: %v", i, err),
					Remedy: "pick a supported worktype code or mnemonic",
				}
			}
			w.WorkType = wt
		}
		if spec.Capability != nil {
			w.Capability = *spec.Capability
		}
		switch w.Engine {
		case domain.EngineMlucas, domain.EngineGpuOwl, domain.EngineCUDALucas:
		default:
			return nil, &domain.ConfigError{
				Reason: fmt.Sprintf("workers file entry %d: unknown engine %q", i, w.Engine),
				Remedy: "use mlucas, gpuowl or cudalucas",
			}
		}
		workers[i] = w
	}
	return workers, nil
}

func orElseStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
