package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/ports"
)

func TestStatusEmptyQueue(t *testing.T) {
	rig := newRig(t, &fakeServer{})
	var out bytes.Buffer
	require.NoError(t, rig.manager.Status(&out))
	assert.Contains(t, out.String(), "No work queued up.")
}

func TestStatusReportsQueuedWork(t *testing.T) {
	rig := newRig(t, &fakeServer{})
	require.NoError(t, rig.queue.Append([]domain.Assignment{
		prpAssignment(testAID1, 108174367),
		{Kind: domain.KindPFactor, UID: testAID2, K: 1, B: 2, N: 107000903, C: -1, SieveDepth: 75, TestsSaved: 2},
	}))

	var out bytes.Buffer
	require.NoError(t, rig.manager.Status(&out))
	s := out.String()

	assert.Contains(t, s, "108174367, PRP")
	assert.Contains(t, s, "107000903, P-1")
	// no engine progress yet, so completion is unknown
	assert.Contains(t, s, "Finish cannot be estimated")
	// prime odds are printed for the primality test only
	assert.Contains(t, s, "The chance that the exponent (108174367)")
	assert.NotContains(t, s, "exponent (107000903) you are testing")
	assert.Contains(t, s, "Mersenne prime")
	assert.Contains(t, s, "decimal digits")
}

func TestStatusCumulativeETA(t *testing.T) {
	rig := newRig(t, &fakeServer{})
	require.NoError(t, rig.queue.Append([]domain.Assignment{
		prpAssignment(testAID1, 100000000),
		prpAssignment(testAID2, 100000000),
	}))
	// a cached speed makes both ETAs computable
	require.NoError(t, rig.inst.StateMutate(func(s ports.StateStore) {
		s.Set("usec_per_iter", "6.0")
	}))

	var out bytes.Buffer
	require.NoError(t, rig.manager.Status(&out))
	assert.NotContains(t, out.String(), "Finish cannot be estimated")
}
