package services

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

// Scheduler drives all worker managers. With a zero interval it performs a
// single pass and returns; otherwise it loops until the context is
// cancelled, which is how the program runs under a service manager.
type Scheduler struct {
	logger   *slog.Logger
	managers []*Manager
	interval time.Duration
	parallel bool

	issues int
}

func NewScheduler(logger *slog.Logger, managers []*Manager, interval time.Duration, parallel bool) *Scheduler {
	return &Scheduler{
		logger:   logger,
		managers: managers,
		interval: interval,
		parallel: parallel,
	}
}

// Run blocks until a single pass completes (interval zero), the context is
// cancelled, or a fatal error occurs. The error is nil on a clean stop;
// Issues reports how many non-fatal problems were recorded along the way.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.passAll(ctx); err != nil {
		return err
	}
	if s.interval <= 0 {
		return nil
	}

	s.logger.Info("entering continuous mode", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.passAll(ctx); err != nil {
				return err
			}
		}
	}
}

// Issues counts the non-fatal problems recorded across all passes, for the
// process exit code.
func (s *Scheduler) Issues() int { return s.issues }

// passAll runs one pass per worker. Worker errors are isolated from each
// other; only fatal errors (bad credentials, unusable config) stop the run.
func (s *Scheduler) passAll(ctx context.Context) error {
	if s.parallel {
		return s.passAllParallel(ctx)
	}
	for _, m := range s.managers {
		if err := ctx.Err(); err != nil {
			return nil
		}
		rep, err := m.Pass(ctx)
		s.issues += rep.Issues
		if err != nil {
			if domain.Fatal(err) {
				return err
			}
			s.logger.Error("worker pass failed", "error", err)
			s.issues++
		}
	}
	return nil
}

func (s *Scheduler) passAllParallel(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	reports := make([]PassReport, len(s.managers))
	errs := make([]error, len(s.managers))
	for i, m := range s.managers {
		i, m := i, m
		g.Go(func() error {
			rep, err := m.Pass(gctx)
			reports[i] = rep
			if err != nil && domain.Fatal(err) {
				return err
			}
			errs[i] = err
			return nil
		})
	}
	err := g.Wait()
	for i := range s.managers {
		s.issues += reports[i].Issues
		if errs[i] != nil {
			s.logger.Error("worker pass failed", "worker", s.managers[i].worker.Index, "error", errs[i])
			s.issues++
		}
	}
	return err
}
