package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/adapters/localini"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

func newInstanceUnderTest(t *testing.T, server ports.ServerClient, user string) (*Instance, *localini.Store) {
	t.Helper()
	store := localini.New(filepath.Join(t.TempDir(), "local.ini"))
	inst := NewInstance(quietLogger(), store, server, user, "box1",
		domain.Capability{CPUModel: "some test cpu model"},
		ports.ProgramOptions{WorkType: domain.WorkPRPFirst, NumWorkers: 1, DaysOfWork: 3})
	return inst, store
}

func TestEnsureRegisteredMintsAndPersistsGUID(t *testing.T) {
	server := &fakeServer{}
	inst, store := newInstanceUnderTest(t, server, "ANONYMOUS")

	guid, err := inst.EnsureRegistered(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, guid)
	assert.Equal(t, 1, server.registers)

	stored, ok := store.Get("guid")
	assert.True(t, ok)
	assert.Equal(t, guid, stored)
	user, _ := store.Get("username")
	assert.Equal(t, "ANONYMOUS", user)

	// a second call uses the stored GUID, no further transaction
	again, err := inst.EnsureRegistered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, guid, again)
	assert.Equal(t, 1, server.registers)
}

func TestEnsureRegisteredRequiresUser(t *testing.T) {
	inst, _ := newInstanceUnderTest(t, &fakeServer{}, "")
	_, err := inst.EnsureRegistered(context.Background())
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

// staleRegisterServer refuses computer updates for a GUID it has forgotten,
// while accepting fresh registrations.
type staleRegisterServer struct {
	fakeServer
	forgotten string
}

func (s *staleRegisterServer) Register(ctx context.Context, guid string, cap domain.Capability, user, hostname string) (ports.Registration, error) {
	if guid != "" && guid == s.forgotten {
		s.registers++
		return ports.Registration{}, fmt.Errorf("cpu update: %w", domain.ErrRegistrationStale)
	}
	return s.fakeServer.Register(ctx, guid, cap, user, hostname)
}

func TestReregisterFallsBackToFreshGUID(t *testing.T) {
	server := &staleRegisterServer{forgotten: "deadbeef00000000deadbeef00000000"}
	inst, store := newInstanceUnderTest(t, server, "ANONYMOUS")
	require.NoError(t, inst.StateMutate(func(s ports.StateStore) {
		s.Set("guid", server.forgotten)
	}))

	guid, err := inst.Reregister(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, server.forgotten, guid)
	assert.NotEmpty(t, guid)
	stored, _ := store.Get("guid")
	assert.Equal(t, guid, stored)
}

func TestWithRegistrationRetriesOnceOnStale(t *testing.T) {
	server := &fakeServer{}
	inst, _ := newInstanceUnderTest(t, server, "ANONYMOUS")

	calls := 0
	err := inst.withRegistration(context.Background(), func(guid string) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("assignment: %w", domain.ErrRegistrationStale)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, server.registers)
}

func TestWithRegistrationPassesOtherErrorsThrough(t *testing.T) {
	inst, _ := newInstanceUnderTest(t, &fakeServer{}, "ANONYMOUS")

	boom := errors.New("boom")
	calls := 0
	err := inst.withRegistration(context.Background(), func(guid string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

// optionsFailServer registers fine but cannot exchange program options.
type optionsFailServer struct {
	fakeServer
}

func (s *optionsFailServer) SendProgramOptions(ctx context.Context, guid string, workerIndex int, opts ports.ProgramOptions) (ports.ProgramOptions, error) {
	return ports.ProgramOptions{}, &domain.NetworkError{Op: "program-options", Err: errors.New("timeout")}
}

func TestRegistrationSurvivesOptionsExchangeFailure(t *testing.T) {
	inst, store := newInstanceUnderTest(t, &optionsFailServer{}, "ANONYMOUS")

	guid, err := inst.EnsureRegistered(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, guid)
	stored, ok := store.Get("guid")
	assert.True(t, ok)
	assert.Equal(t, guid, stored)
}

func TestSyncOptionsPersistsServerOverrides(t *testing.T) {
	server := &fakeServer{}
	inst, store := newInstanceUnderTest(t, server, "ANONYMOUS")

	require.NoError(t, inst.SyncOptions(context.Background()))
	wt, _ := store.Get("worktype")
	assert.Equal(t, "150", wt)
	days, _ := store.Get("days_work")
	assert.Equal(t, "3", days)
}
