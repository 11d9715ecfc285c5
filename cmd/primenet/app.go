package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/adapters/localini"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/adapters/primenet"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/adapters/resultlog"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/adapters/worktodo"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/config"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/services"
)

const (
	transactionURL = "https://v5.mersenne.org/v5server/"
	proofUploadURL = "https://www.mersenne.org/proof_upload/"
)

// engineVersions maps each engine to the application string the server
// expects on registration.
var engineVersions = map[domain.EngineKind]string{
	domain.EngineMlucas:    "Mlucas,v20.1",
	domain.EngineGpuOwl:    "GpuOwl,v7.2",
	domain.EngineCUDALucas: "CUDALucas,v2.06",
}

// app is the assembled program: state store, instance lock, server client
// and one lifecycle manager per worker.
type app struct {
	logger   *slog.Logger
	lock     *localini.InstanceLock
	instance *services.Instance
	managers []*services.Manager
}

// flagForKey maps state-store keys to the flag names that set them, for
// the keys whose spellings differ.
var flagForKey = map[string]string{
	"l1": "L1",
	"l2": "L2",
}

func newApp(opts config.Options, changed func(flag string) bool) (*app, error) {
	logger := newLogger(opts.Debug)

	lock, err := localini.AcquireLock(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			lock.Release()
		}
	}()

	store, err := localini.Load(opts.StatePath())
	if errors.Is(err, domain.ErrStateNotFound) {
		logger.Info("no local state file yet, starting fresh", "path", opts.StatePath())
		store = localini.New(opts.StatePath())
		err = nil
	}
	if err != nil {
		return nil, err
	}

	explicit := func(key string) bool {
		name := key
		if f, okk := flagForKey[key]; okk {
			name = f
		}
		return changed(name)
	}
	updated, err := config.MergeState(&opts, store, explicit)
	if err != nil {
		return nil, err
	}
	if opts.Hostname == "" {
		if host, herr := os.Hostname(); herr == nil {
			if len(host) > 20 {
				host = host[:20]
			}
			opts.Hostname = host
		}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if updated {
		if err := store.Save(); err != nil {
			return nil, err
		}
	}

	workers, err := config.BuildWorkers(opts)
	if err != nil {
		return nil, err
	}

	workType, err := domain.ParseWorkType(opts.WorkType)
	if err != nil {
		return nil, err
	}

	client := primenet.NewClient(logger, primenet.Config{
		BaseURL:    transactionURL,
		ProofURL:   proofUploadURL,
		AppVersion: "Linux64," + engineVersions[domain.EngineKind(opts.Engine)],
	})

	instance := services.NewInstance(logger, store, client,
		opts.Username, opts.Hostname, opts.Capability(), ports.ProgramOptions{
			WorkType:   workType,
			NumWorkers: opts.NumWorkers,
			DaysOfWork: int(opts.DaysOfWork),
		})

	managers := make([]*services.Manager, len(workers))
	for i, w := range workers {
		if err := os.MkdirAll(w.Dir, 0o755); err != nil {
			return nil, &domain.LocalIOError{Path: w.Dir, Err: err}
		}
		queue := worktodo.NewFile(filepath.Join(w.Dir, w.WorkFile))
		results := resultlog.NewReader(filepath.Join(w.Dir, w.ResultsFile), w.Engine)
		managers[i] = services.NewManager(logger, instance, client, queue, results, w,
			services.ManagerConfig{
				DaysOfWork:     opts.DaysOfWork,
				NumCache:       opts.NumCache,
				TimeoutSeconds: opts.Timeout,
			})
	}

	ok = true
	return &app{
		logger:   logger,
		lock:     lock,
		instance: instance,
		managers: managers,
	}, nil
}

func (a *app) Close() {
	if a.lock != nil {
		a.lock.Release()
	}
}
