package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

// State-store keys owned by the lifecycle layer.
const (
	keyGUID       = "guid"
	keyUsername   = "username"
	keyUserName   = "name"
	keyHostname   = "hostname"
	keyWorkType   = "worktype"
	keyDaysOfWork = "days_work"
	keyUsecPerIt  = "usec_per_iter"
)

func offsetKey(worker int) string    { return "result_offset_" + strconv.Itoa(worker) }
func reservedKey(worker int) string  { return "reserved_" + strconv.Itoa(worker) }
func acquiringKey(worker int) string { return "acquiring_" + strconv.Itoa(worker) }
func proofKey(aid string) string     { return "pending_proof_" + aid }

// Instance owns the registration lifecycle and serializes all writes to the
// shared state store; the store is the only resource workers share, so
// access goes through this mutex.
type Instance struct {
	mu     sync.Mutex
	logger *slog.Logger
	state  ports.StateStore
	client ports.ServerClient

	user       string
	hostname   string
	capability domain.Capability
	options    ports.ProgramOptions
}

func NewInstance(logger *slog.Logger, state ports.StateStore, client ports.ServerClient,
	user, hostname string, cap domain.Capability, opts ports.ProgramOptions) *Instance {
	return &Instance{
		logger:     logger,
		state:      state,
		client:     client,
		user:       user,
		hostname:   hostname,
		capability: cap,
		options:    opts,
	}
}

// GUID returns the registered instance identifier, if any.
func (inst *Instance) GUID() (string, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state.Get(keyGUID)
}

// EnsureRegistered returns the instance GUID, performing the first-time
// registration flow when the local state has none. The GUID is persisted
// before this returns; once registered it never changes without an explicit
// re-registration.
func (inst *Instance) EnsureRegistered(ctx context.Context) (string, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if guid, ok := inst.state.Get(keyGUID); ok && guid != "" {
		return guid, nil
	}
	return inst.registerLocked(ctx, "")
}

// Reregister re-sends the computer update for an existing GUID (stale-info
// recovery), falling back to a brand new registration when the server no
// longer knows the GUID at all.
func (inst *Instance) Reregister(ctx context.Context) (string, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	guid, _ := inst.state.Get(keyGUID)
	newGUID, err := inst.registerLocked(ctx, guid)
	if err != nil && errors.Is(err, domain.ErrRegistrationStale) && guid != "" {
		inst.logger.Warn("server no longer recognizes this GUID, registering anew")
		return inst.registerLocked(ctx, "")
	}
	return newGUID, err
}

func (inst *Instance) registerLocked(ctx context.Context, guid string) (string, error) {
	if inst.user == "" {
		return "", &domain.ConfigError{
			Reason: "no user ID configured for registration",
			Remedy: "pass --username (use ANONYMOUS if you have no account)",
		}
	}
	reg, err := inst.client.Register(ctx, guid, inst.capability, inst.user, inst.hostname)
	if err != nil {
		return "", fmt.Errorf("register instance: %w", err)
	}

	inst.state.Set(keyGUID, reg.GUID)
	inst.state.Set(keyUsername, orElse(reg.UserID, inst.user))
	if reg.UserName != "" {
		inst.state.Set(keyUserName, reg.UserName)
	}
	inst.state.Set(keyHostname, orElse(reg.Hostname, inst.hostname))
	if err := inst.state.Save(); err != nil {
		return "", err
	}
	inst.logger.Info("instance registered",
		"guid", reg.GUID, "user", orElse(reg.UserID, inst.user), "hostname", inst.hostname)

	opts, err := inst.client.SendProgramOptions(ctx, reg.GUID, 0, inst.options)
	if err != nil {
		// registration itself stands; options exchange happens again next pass
		inst.logger.Warn("program options exchange failed", "error", err)
		return reg.GUID, nil
	}
	inst.applyOptionsLocked(opts)
	return reg.GUID, nil
}

// SyncOptions pushes the option set and persists any server overrides.
func (inst *Instance) SyncOptions(ctx context.Context) error {
	guid, err := inst.EnsureRegistered(ctx)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	opts, err := inst.client.SendProgramOptions(ctx, guid, 0, inst.options)
	if err != nil {
		return err
	}
	inst.applyOptionsLocked(opts)
	return nil
}

func (inst *Instance) applyOptionsLocked(opts ports.ProgramOptions) {
	inst.options = opts
	inst.state.Set(keyWorkType, strconv.Itoa(int(opts.WorkType)))
	inst.state.Set(keyDaysOfWork, strconv.Itoa(opts.DaysOfWork))
	if err := inst.state.Save(); err != nil {
		inst.logger.Error("persisting program options failed", "error", err)
	}
}

// withRegistration runs fn with a valid GUID, re-registering and retrying
// exactly once when the server reports the registration stale mid-call.
func (inst *Instance) withRegistration(ctx context.Context, fn func(guid string) error) error {
	guid, err := inst.EnsureRegistered(ctx)
	if err != nil {
		return err
	}
	err = fn(guid)
	if err == nil || !errors.Is(err, domain.ErrRegistrationStale) {
		return err
	}
	inst.logger.Warn("registration stale, re-registering", "error", err)
	guid, err = inst.Reregister(ctx)
	if err != nil {
		return err
	}
	return fn(guid)
}

// StateMutate runs fn under the store lock and saves. Managers use it for
// every durable step so concurrent worker passes never interleave writes.
func (inst *Instance) StateMutate(fn func(ports.StateStore)) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	fn(inst.state)
	return inst.state.Save()
}

// StateGet reads one key under the store lock.
func (inst *Instance) StateGet(key string) (string, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state.Get(key)
}

// StateKeys lists the store's keys under the store lock.
func (inst *Instance) StateKeys() []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state.Keys()
}

func orElse(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
