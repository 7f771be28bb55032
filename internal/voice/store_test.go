package voice

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func wavBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.wav")
	require.NoError(t, audio.WriteWAVFile(path, audio.Buffer{SampleRate: 16000, Samples: []float32{0, 0.1, 0.2, 0.1}}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "samples"), newLogger())
	require.NoError(t, err)
	return s
}

func TestCloneListLoadDelete(t *testing.T) {
	s := newStore(t)

	ref, err := s.Clone("alice", "  Hello, this is Alice.  ", bytes.NewReader(wavBytes(t)))
	require.NoError(t, err)
	assert.Equal(t, "Hello, this is Alice.", ref.Text)
	assert.Equal(t, filepath.Join(s.Dir(), "alice.wav"), ref.AudioPath)
	assert.Equal(t, filepath.Join(s.Dir(), "alice.emb"), ref.EmbeddingPath)

	_, err = s.Clone("bob", "Bob here.", bytes.NewReader(wavBytes(t)))
	require.NoError(t, err)

	voices, err := s.List()
	require.NoError(t, err)
	require.Len(t, voices, 2)
	assert.Equal(t, "alice", voices[0].Name)
	assert.Equal(t, "bob", voices[1].Name)

	loaded, err := s.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, ref, loaded)
	assert.True(t, s.Exists("bob"))

	require.NoError(t, os.WriteFile(ref.EmbeddingPath, []byte("cached"), 0o644))
	require.NoError(t, s.Delete("alice"))
	for _, p := range []string{ref.AudioPath, ref.EmbeddingPath, filepath.Join(s.Dir(), "alice.txt")} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s still present", p)
	}
	assert.False(t, s.Exists("alice"))

	err = s.Delete("alice")
	assert.ErrorIs(t, err, fault.ErrVoiceNotFound)
}

func TestDeleteRemovesEmbeddingFirst(t *testing.T) {
	s := newStore(t)
	ref, err := s.Clone("alice", "Hello.", bytes.NewReader(wavBytes(t)))
	require.NoError(t, err)

	// A non-empty directory at the embedding path cannot be removed.
	require.NoError(t, os.MkdirAll(filepath.Join(ref.EmbeddingPath, "stuck"), 0o755))
	require.Error(t, s.Delete("alice"))
	_, err = s.Load("alice")
	require.NoError(t, err, "voice must survive a failed embedding removal")
	_, err = os.Stat(ref.AudioPath)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(ref.EmbeddingPath))
	require.NoError(t, s.Delete("alice"))
	_, err = s.Load("alice")
	assert.ErrorIs(t, err, fault.ErrVoiceNotFound)
	_, err = os.Stat(ref.AudioPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCloneValidation(t *testing.T) {
	s := newStore(t)
	wav := wavBytes(t)

	_, err := s.Clone("../escape", "text", bytes.NewReader(wav))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = s.Clone("carol", "   ", bytes.NewReader(wav))
	assert.ErrorIs(t, err, fault.ErrReferenceTextEmpty)

	_, err = s.Clone("carol", "text", nil)
	assert.ErrorIs(t, err, fault.ErrReferenceAudioMissing)

	_, err = s.Clone("carol", "text", strings.NewReader("not a wav"))
	assert.ErrorIs(t, err, fault.ErrReferenceAudioMissing)

	_, err = s.Clone("carol", "text", bytes.NewReader(wav))
	require.NoError(t, err)
	_, err = s.Clone("carol", "again", bytes.NewReader(wav))
	assert.ErrorIs(t, err, ErrVoiceExists)
}

func TestListSkipsIncompleteVoices(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "orphan.txt"), []byte("no audio"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.md"), []byte("ignored"), 0o644))

	voices, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, voices)

	_, err = s.Load("orphan")
	assert.ErrorIs(t, err, fault.ErrVoiceNotFound)
}
