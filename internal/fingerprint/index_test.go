package fingerprint

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_InsertAndFindIdentical(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	sig, _ := c.Compute("use async context managers for database connections")
	idx.Insert("r1", sig)

	matches := idx.FindNearDuplicates(sig, 0.85, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].ReflectionID)
	assert.Equal(t, 1.0, matches[0].Similarity)
}

func TestIndex_InsertIdempotent(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	sig, _ := c.Compute("idempotent insert should not grow the index")
	idx.Insert("r1", sig)
	idx.Insert("r1", sig)
	idx.Insert("r1", sig)

	assert.Equal(t, 1, idx.Size())
	matches := idx.FindNearDuplicates(sig, 0.85, 10)
	assert.Len(t, matches, 1)
}

func TestIndex_NoMatchReturnsEmpty(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	stored, _ := c.Compute("always close database connections in a defer statement")
	idx.Insert("r1", stored)

	probe, _ := c.Compute("the quarterly report is due on friday afternoon")
	matches := idx.FindNearDuplicates(probe, 0.85, 10)
	assert.Empty(t, matches)
}

func TestIndex_OrderedBySimilarityDescending(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	base := "use async context managers for database connections in python services today"
	near := "use async context managers for database connections in python services tomorrow"
	further := "use async context managers for database connections in golang workers maybe"

	sigBase, _ := c.Compute(base)
	sigNear, _ := c.Compute(near)
	sigFurther, _ := c.Compute(further)

	idx.Insert("further", sigFurther)
	idx.Insert("near", sigNear)

	matches := idx.FindNearDuplicates(sigBase, 0.1, 10)
	require.GreaterOrEqual(t, len(matches), 2)
	assert.Equal(t, "near", matches[0].ReflectionID)
	for i := 1; i < len(matches); i++ {
		assert.LessOrEqual(t, matches[i].Similarity, matches[i-1].Similarity)
	}
}

func TestIndex_LimitCapsResults(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	sig, _ := c.Compute("repeated content stored under many identifiers")
	for i := 0; i < 5; i++ {
		idx.Insert(fmt.Sprintf("r%d", i), sig)
	}

	matches := idx.FindNearDuplicates(sig, 0.85, 2)
	assert.Len(t, matches, 2)
}

func TestIndex_ZeroSignatureProbeFindsNothing(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	sig, _ := c.Compute("real indexed content")
	idx.Insert("r1", sig)

	var zero Signature
	assert.Empty(t, idx.FindNearDuplicates(zero, 0.0, 10))
}

func TestIndex_ZeroSignatureInsertDoesNotMatch(t *testing.T) {
	idx := NewIndex(nil)

	var zero Signature
	idx.Insert("r1", zero)
	assert.Equal(t, 1, idx.Size())

	c := NewComputer(3)
	probe, _ := c.Compute("some probe content")
	assert.Empty(t, idx.FindNearDuplicates(probe, 0.0, 10))
}

func TestIndex_Remove(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	sig, _ := c.Compute("content that will be removed from the index")
	idx.Insert("r1", sig)
	require.Equal(t, 1, idx.Size())

	idx.Remove("r1")
	assert.Equal(t, 0, idx.Size())
	assert.Empty(t, idx.FindNearDuplicates(sig, 0.85, 10))

	// Removing again is a no-op.
	idx.Remove("r1")
}

func TestIndex_ReplaceSignatureForExistingID(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	oldSig, _ := c.Compute("the original content for this reflection")
	newSig, _ := c.Compute("entirely different content replacing the original")

	idx.Insert("r1", oldSig)
	idx.Insert("r1", newSig)

	assert.Equal(t, 1, idx.Size())
	assert.Empty(t, idx.FindNearDuplicates(oldSig, 0.85, 10))

	matches := idx.FindNearDuplicates(newSig, 0.85, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].ReflectionID)
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	c := NewComputer(3)
	idx := NewIndex(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				content := fmt.Sprintf("concurrent content number %d for goroutine %d", j, n)
				sig, _ := c.Compute(content)
				idx.Insert(fmt.Sprintf("g%d-r%d", n, j), sig)
				idx.FindNearDuplicates(sig, 0.85, 5)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20*50, idx.Size())
}
