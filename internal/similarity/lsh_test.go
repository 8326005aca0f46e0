package similarity

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/confluence/internal/embedding"
)

func randomUnit(rng *rand.Rand, d int) []float64 {
	v := make([]float64, d)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	embedding.Normalize(v)
	return v
}

func TestLSHFindsNearDuplicate(t *testing.T) {
	const d = 32
	rng := rand.New(rand.NewSource(42))
	l := NewLSH(LSHConfig{Dimensions: d, Tables: 12, Bits: 8, Seed: 3})

	target := randomUnit(rng, d)
	require.NoError(t, l.Upsert("target", target))
	for i := 0; i < 200; i++ {
		require.NoError(t, l.Upsert(string(rune('a'+i%26))+string(rune('0'+i/26)), randomUnit(rng, d)))
	}

	near := append([]float64(nil), target...)
	near[0] += 0.05
	embedding.Normalize(near)

	hits, err := l.Search(context.Background(), near, 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "target", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.99)
}

func TestLSHRemoveAndReplace(t *testing.T) {
	l := NewLSH(LSHConfig{Dimensions: 4, Seed: 1})
	require.NoError(t, l.Upsert("x", []float64{1, 0, 0, 0}))
	require.NoError(t, l.Upsert("x", []float64{0, 1, 0, 0}))
	assert.Equal(t, 1, l.Len())

	hits, err := l.Search(context.Background(), []float64{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	l.Remove("x")
	assert.Equal(t, 0, l.Len())
	hits, err = l.Search(context.Background(), []float64{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLSHRejectsWrongDimensions(t *testing.T) {
	l := NewLSH(LSHConfig{Dimensions: 4})
	assert.Error(t, l.Upsert("x", []float64{1, 2}))
	_, err := l.Search(context.Background(), []float64{1}, 1)
	assert.Error(t, err)
}
