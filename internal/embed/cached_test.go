package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int
	dims  int
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.calls++
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t))}
	}
	return vecs, nil
}

func (c *countingEmbedder) Dimensions() int { return c.dims }
func (c *countingEmbedder) Close() error    { return nil }

func TestCachedEmbedder_CachesRepeatedText(t *testing.T) {
	inner := &countingEmbedder{dims: 1}
	cached, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)

	_, err = cached.EmbedBatch(context.Background(), []string{"hello"})
	require.NoError(t, err)
	_, err = cached.EmbedBatch(context.Background(), []string{"hello"})
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
}

func TestCachedEmbedder_OnlyForwardsMisses(t *testing.T) {
	inner := &countingEmbedder{dims: 1}
	cached, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)

	_, err = cached.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(context.Background(), []string{"a", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, inner.calls) // first batch + one miss in second
}

func TestCachedEmbedder_PreservesOrder(t *testing.T) {
	inner := &countingEmbedder{dims: 1}
	cached, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)

	_, err = cached.EmbedBatch(context.Background(), []string{"first"})
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(context.Background(), []string{"second", "first", "third"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(len("second")), vecs[0][0])
	assert.Equal(t, float32(len("first")), vecs[1][0])
	assert.Equal(t, float32(len("third")), vecs[2][0])
}

func TestCachedEmbedder_DimensionsDelegates(t *testing.T) {
	inner := &countingEmbedder{dims: 42}
	cached, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, cached.Dimensions())
}

func TestCachedEmbedder_CloseClosesInner(t *testing.T) {
	inner := &countingEmbedder{dims: 1}
	cached, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)
	assert.NoError(t, cached.Close())
}
