package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeReference(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.wav")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestMockEncodeIsDeterministic(t *testing.T) {
	m := NewMockModel(24000, 16)
	ref := writeReference(t, "reference-bytes")

	a, err := m.Encode(context.Background(), ref, "hello")
	require.NoError(t, err)
	b, err := m.Encode(context.Background(), ref, "hello")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, []int{1, 16}, a.Shape)
	require.NoError(t, a.Validate())

	c, err := m.Encode(context.Background(), ref, "other text")
	require.NoError(t, err)
	assert.NotEqual(t, a.Values, c.Values)
}

func TestMockEncodeMissingAudio(t *testing.T) {
	m := NewMockModel(24000, 16)
	_, err := m.Encode(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), "hi")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMockSynthesizeLengthFollowsText(t *testing.T) {
	m := NewMockModel(15000, 8)
	emb, err := m.Encode(context.Background(), writeReference(t, "x"), "ref")
	require.NoError(t, err)

	buf, err := m.Synthesize(context.Background(), "abcde", emb)
	require.NoError(t, err)
	assert.Equal(t, 15000, buf.SampleRate)
	assert.Len(t, buf.Samples, 5000)

	_, err = m.Synthesize(context.Background(), "abc", Embedding{Shape: []int{2}, Values: []float32{1}})
	assert.Error(t, err)
}

func TestLoadModes(t *testing.T) {
	m, err := Load(config.ModelConfig{Mode: "mock", SampleRate: 24000, EmbeddingSize: 4})
	require.NoError(t, err)
	assert.True(t, SupportsConcurrency(m))

	m, err = Load(config.ModelConfig{Mode: "exec", Command: "python3 bridge.py --device cpu", SampleRate: 24000})
	require.NoError(t, err)
	assert.False(t, SupportsConcurrency(m))

	_, err = Load(config.ModelConfig{Mode: "exec", Command: "   "})
	assert.Error(t, err)

	_, err = Load(config.ModelConfig{Mode: "onnx"})
	assert.Error(t, err)
}

func TestEmbeddingValidate(t *testing.T) {
	assert.NoError(t, Embedding{Shape: []int{2, 2}, Values: make([]float32, 4)}.Validate())
	assert.Error(t, Embedding{}.Validate())
	assert.Error(t, Embedding{Shape: []int{0}}.Validate())
	assert.Error(t, Embedding{Shape: []int{3}, Values: make([]float32, 2)}.Validate())
}

func TestFindPhonemizerHonoursLibraryEnv(t *testing.T) {
	lib := writeReference(t, "fake library")
	t.Setenv("PHONEMIZER_ESPEAK_LIBRARY", lib)
	path, err := FindPhonemizer()
	require.NoError(t, err)
	assert.Equal(t, lib, path)
}
