package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icm-sh/icm/internal/config"
	"github.com/icm-sh/icm/internal/icmerr"
)

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9)

	c := []float32{0, 1, 0}
	assert.InDelta(t, 0.0, Cosine(a, c), 1e-9)

	d := []float32{-1, 0, 0}
	assert.InDelta(t, -1.0, Cosine(a, d), 1e-9)
}

func TestCosineMismatchedDims(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestCosineZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestVectorCodecRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, math.Pi, 0}
	decoded := DecodeVector(EncodeVector(v))
	require.Len(t, decoded, len(v))
	for i := range v {
		assert.InDelta(t, v[i], decoded[i], 1e-6)
	}
}

func TestVectorCodecNil(t *testing.T) {
	assert.Nil(t, EncodeVector(nil))
	assert.Nil(t, DecodeVector(nil))
	assert.Nil(t, DecodeVector([]byte{1, 2, 3})) // not a multiple of 4
}

func TestNewDisabled(t *testing.T) {
	e, err := New(config.EmbedderConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := New(config.EmbedderConfig{Type: "openai"})
	require.Error(t, err)
	assert.Equal(t, icmerr.InvalidInput, icmerr.KindOf(err))
}

func TestNewOpenAI(t *testing.T) {
	e, err := New(config.EmbedderConfig{
		Type: "openai", APIKey: "sk-test", Model: "text-embedding-3-small", Dimensions: 384,
	})
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimensions())
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(config.EmbedderConfig{Type: "quantum"})
	require.Error(t, err)
	assert.Equal(t, icmerr.InvalidInput, icmerr.KindOf(err))
}
