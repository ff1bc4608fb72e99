package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Deterministic(t *testing.T) {
	c := NewComputer(3)

	sig1, count1 := c.Compute("use async context managers for database connections")
	sig2, count2 := c.Compute("use async context managers for database connections")

	assert.Equal(t, sig1, sig2)
	assert.Equal(t, count1, count2)
	assert.False(t, sig1.IsZero())
}

func TestCompute_EmptyContentReturnsSentinel(t *testing.T) {
	c := NewComputer(3)

	tests := []string{"", "   ", "!!! ... ???"}
	for _, content := range tests {
		sig, count := c.Compute(content)
		assert.True(t, sig.IsZero(), "content %q should produce sentinel", content)
		assert.Zero(t, count)
	}
}

func TestCompute_ShortContentStillFingerprints(t *testing.T) {
	c := NewComputer(3)

	sig, count := c.Compute("hello")
	assert.False(t, sig.IsZero())
	assert.Equal(t, 1, count)
}

func TestCompute_NormalizesCaseAndPunctuation(t *testing.T) {
	c := NewComputer(3)

	sig1, _ := c.Compute("Use async context managers!")
	sig2, _ := c.Compute("use async context managers")
	assert.Equal(t, sig1, sig2)
}

func TestEstimatedJaccard_IdenticalContent(t *testing.T) {
	c := NewComputer(3)

	sig1, _ := c.Compute("prefer table driven tests in go code")
	sig2, _ := c.Compute("prefer table driven tests in go code")
	assert.Equal(t, 1.0, EstimatedJaccard(sig1, sig2))
}

func TestEstimatedJaccard_Symmetric(t *testing.T) {
	c := NewComputer(3)

	sig1, _ := c.Compute("always close database connections in a defer statement")
	sig2, _ := c.Compute("always close database connections after each query completes")

	assert.Equal(t, EstimatedJaccard(sig1, sig2), EstimatedJaccard(sig2, sig1))
}

func TestEstimatedJaccard_SimilarContentScoresHigherThanUnrelated(t *testing.T) {
	c := NewComputer(3)

	base, _ := c.Compute("use async context managers for database connections in python services")
	similar, _ := c.Compute("use async context managers for database connections in python workers")
	unrelated, _ := c.Compute("the quarterly report is due on friday afternoon before the meeting")

	simScore := EstimatedJaccard(base, similar)
	unrelScore := EstimatedJaccard(base, unrelated)
	assert.Greater(t, simScore, unrelScore)
}

func TestEstimatedJaccard_ZeroSignaturesNeverMatch(t *testing.T) {
	c := NewComputer(3)
	sig, _ := c.Compute("real content here")

	var zero Signature
	assert.Equal(t, 0.0, EstimatedJaccard(zero, sig))
	assert.Equal(t, 0.0, EstimatedJaccard(sig, zero))
	assert.Equal(t, 0.0, EstimatedJaccard(zero, zero))
}

func TestNewComputer_DefaultsShingleSize(t *testing.T) {
	c := NewComputer(0)
	require.Equal(t, DefaultShingleSize, c.shingleSize)
}
