package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

func TestSchedulerSinglePass(t *testing.T) {
	server := &fakeServer{toGrant: []domain.Assignment{prpAssignment(testAID1, 108174367)}}
	rig := newRig(t, server)

	sched := NewScheduler(quietLogger(), []*Manager{rig.manager}, 0, false)
	require.NoError(t, sched.Run(context.Background()))
	assert.Zero(t, sched.Issues())

	entries, err := rig.queue.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSchedulerRecordsIssues(t *testing.T) {
	server := &fakeServer{submitOutcome: domain.SubmitRejected, submitReason: "bad residue"}
	rig := newRig(t, server)
	require.NoError(t, rig.queue.Append([]domain.Assignment{prpAssignment(testAID1, 108174367)}))
	rig.writeResult(t, compositeLine(testAID1, 108174367))

	sched := NewScheduler(quietLogger(), []*Manager{rig.manager}, 0, false)
	require.NoError(t, sched.Run(context.Background()))
	assert.Positive(t, sched.Issues())
}

func TestSchedulerContinuousStopsOnCancel(t *testing.T) {
	rig := newRig(t, &fakeServer{})
	sched := NewScheduler(quietLogger(), []*Manager{rig.manager}, 10*time.Millisecond, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestSchedulerParallelPasses(t *testing.T) {
	serverA := &fakeServer{toGrant: []domain.Assignment{prpAssignment(testAID1, 108174367)}}
	serverB := &fakeServer{toGrant: []domain.Assignment{prpAssignment(testAID2, 109000001)}}
	rigA := newRig(t, serverA)
	rigB := newRig(t, serverB)

	sched := NewScheduler(quietLogger(), []*Manager{rigA.manager, rigB.manager}, 0, true)
	require.NoError(t, sched.Run(context.Background()))

	a, err := rigA.queue.ReadAll()
	require.NoError(t, err)
	b, err := rigB.queue.ReadAll()
	require.NoError(t, err)
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}
