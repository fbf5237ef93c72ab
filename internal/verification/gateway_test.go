package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPassesCleanFact(t *testing.T) {
	gw := NewGateway(nil)
	verdict, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectFact,
		Statement:   "ci lints pass",
		Confidence:  0.8,
		CitedEvents: 2,
		ClusterSize: 3,
	})
	require.NoError(t, err)
	assert.True(t, verdict.Passed())
	assert.Empty(t, verdict.Warnings())
}

func TestVerifyRejectsUngroundedCandidate(t *testing.T) {
	gw := NewGateway(nil)
	_, err := gw.Verify(context.Background(), Subject{Kind: SubjectFact, Confidence: 0.8})
	require.Error(t, err)
}

func TestVerifyRejectsLowCoverageCluster(t *testing.T) {
	gw := NewGateway(nil)
	_, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectFact,
		Confidence:  0.8,
		CitedEvents: 1,
		ClusterSize: 10,
	})
	require.Error(t, err)
}

func TestVerifyRejectsConfidenceOutOfBounds(t *testing.T) {
	gw := NewGateway(nil)
	_, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectFact,
		Confidence:  1.5,
		CitedEvents: 1,
	})
	require.Error(t, err)
}

func TestVerifyWarnsOnLowConfidenceButPasses(t *testing.T) {
	gw := NewGateway(nil)
	verdict, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectFact,
		Confidence:  0.1,
		CitedEvents: 1,
	})
	require.NoError(t, err)
	assert.True(t, verdict.Passed())
	assert.NotEmpty(t, verdict.Warnings())
}

func TestVerifyRejectsDirectContradictionOfHighConfidenceFact(t *testing.T) {
	gw := NewGateway(nil)
	_, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectFact,
		Confidence:  0.6,
		CitedEvents: 1,
		Contradicts: []ExistingFact{{Statement: "ci lints fail", Confidence: 0.9}},
	})
	require.Error(t, err)
}

func TestVerifyAllowsTiedContradictionAsWarning(t *testing.T) {
	gw := NewGateway(nil)
	verdict, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectFact,
		Confidence:  0.9,
		CitedEvents: 1,
		Contradicts: []ExistingFact{{Statement: "ci lints fail", Confidence: 0.9}},
	})
	require.NoError(t, err)
	assert.True(t, verdict.Passed())
}

func TestVerifyRejectsProcedureWithCyclicSteps(t *testing.T) {
	gw := NewGateway(nil)
	_, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectProcedure,
		Confidence:  0.7,
		CitedEvents: 2,
		DependsOn: map[string][]string{
			"a": {"b"},
			"b": {"c"},
			"c": {"a"},
		},
	})
	require.Error(t, err)
}

func TestVerifyRejectsNearDuplicateFact(t *testing.T) {
	gw := NewGateway(nil)
	_, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectFact,
		Confidence:  0.7,
		CitedEvents: 1,
		Contradicts: []ExistingFact{{Statement: "ci lints pass", Confidence: 0.4, SimilarityHint: 0.97}},
	})
	require.Error(t, err)
}

func TestVerifyWarnsOnIsolatedEntity(t *testing.T) {
	gw := NewGateway(nil)
	verdict, err := gw.Verify(context.Background(), Subject{
		Kind:        SubjectEntity,
		Confidence:  0.7,
		CitedEvents: 1,
	})
	require.NoError(t, err)
	assert.True(t, verdict.Passed())
	assert.NotEmpty(t, verdict.Warnings())
}

func TestVerifyPassesConnectedEntityWithoutWarning(t *testing.T) {
	gw := NewGateway(nil)
	verdict, err := gw.Verify(context.Background(), Subject{
		Kind:          SubjectEntity,
		Confidence:    0.7,
		CitedEvents:   1,
		ConnectsToHub: true,
	})
	require.NoError(t, err)
	assert.Empty(t, verdict.Warnings())
}

func TestVerifyWarnsOnLatencyBudgetBreach(t *testing.T) {
	gw := NewGateway(nil)
	verdict, err := gw.Verify(context.Background(), Subject{
		Kind:          SubjectFact,
		Confidence:    0.7,
		CitedEvents:   1,
		Latency:       500 * time.Millisecond,
		LatencyBudget: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, verdict.Passed())
	assert.NotEmpty(t, verdict.Warnings())
}

func TestVerifyRemediatesOnceThenPasses(t *testing.T) {
	remediated := false
	gw := NewGateway(func(ctx context.Context, gate GateName, s Subject) (Subject, bool) {
		remediated = true
		s.CitedEvents = 1
		return s, true
	})
	verdict, err := gw.Verify(context.Background(), Subject{Kind: SubjectFact, Confidence: 0.7})
	require.NoError(t, err)
	assert.True(t, remediated)
	assert.True(t, verdict.Remediated)
	assert.True(t, verdict.Passed())
}

func TestVerifyFatalAfterSecondViolation(t *testing.T) {
	gw := NewGateway(func(ctx context.Context, gate GateName, s Subject) (Subject, bool) {
		// Remediation attempted but the rewrite still has no citations.
		return s, true
	})
	_, err := gw.Verify(context.Background(), Subject{Kind: SubjectFact, Confidence: 0.7})
	require.Error(t, err)
}

func TestVerifyNoRemediationHandlerIsImmediatelyFatal(t *testing.T) {
	gw := NewGateway(nil)
	_, err := gw.Verify(context.Background(), Subject{Kind: SubjectFact, Confidence: 0.7})
	require.Error(t, err)
}
