package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/embedding"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/loqalabs/loqa-voice/internal/model"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingModel wraps the mock model, counts encodes and fails synthesis of
// any chunk containing failOn.
type countingModel struct {
	model.Model
	encodes atomic.Int32
	failOn  string
}

func (m *countingModel) Encode(ctx context.Context, audioPath, text string) (model.Embedding, error) {
	m.encodes.Add(1)
	return m.Model.Encode(ctx, audioPath, text)
}

func (m *countingModel) Synthesize(ctx context.Context, text string, emb model.Embedding) (audio.Buffer, error) {
	if m.failOn != "" && strings.Contains(text, m.failOn) {
		return audio.Buffer{}, errors.New("inference crashed")
	}
	return m.Model.Synthesize(ctx, text, emb)
}

type fixture struct {
	svc     *Service
	model   *countingModel
	voices  *voice.Store
	history *eventstore.Store
	outDir  string
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	log := newLogger()

	m := &countingModel{Model: model.NewMockModel(8000, 8)}
	voices, err := voice.NewStore(filepath.Join(dir, "samples"), log)
	require.NoError(t, err)
	cache, err := embedding.NewCache(m, 4, log)
	require.NoError(t, err)
	history, err := eventstore.Open(context.Background(), config.HistoryConfig{
		Path:          filepath.Join(dir, "history.db"),
		RetentionMode: "persistent",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	gen := pipeline.NewGenerator(m, 1, log)
	svc := NewService(cfg.Generation, voices, cache, gen, history, log)
	return &fixture{svc: svc, model: m, voices: voices, history: history, outDir: filepath.Join(dir, "out")}
}

func referenceWAV(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.wav")
	require.NoError(t, audio.WriteWAVFile(path, audio.Buffer{SampleRate: 8000, Samples: []float32{0, 0.3, -0.3, 0.1}}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func (f *fixture) clone(t *testing.T, name string) voice.Reference {
	t.Helper()
	ref, err := f.svc.CloneVoice(context.Background(), name, "Reference words for "+name+".", bytes.NewReader(referenceWAV(t)))
	require.NoError(t, err)
	return ref
}

func TestGenerateWritesAudio(t *testing.T) {
	f := newFixture(t)
	f.clone(t, "alice")
	require.Equal(t, int32(1), f.model.encodes.Load())

	var progress []pipeline.Progress
	obs := pipeline.ObserverFunc(func(_ context.Context, _ *pipeline.Job, p pipeline.Progress) {
		progress = append(progress, p)
	})
	out := filepath.Join(f.outDir, "speech.wav")
	res, err := f.svc.Generate(context.Background(), Request{
		Text:       "Hello there. How are you today? I am fine, thank you very much indeed, truly.",
		Voice:      "alice",
		OutputPath: out,
	}, obs)
	require.NoError(t, err)

	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 8000, res.Audio.SampleRate)
	assert.NotEmpty(t, res.Audio.Samples)
	assert.Len(t, progress, 1)
	assert.Equal(t, int32(1), f.model.encodes.Load(), "embedding computed on clone is reused")

	written, err := audio.ReadWAVFile(out)
	require.NoError(t, err)
	assert.Equal(t, len(res.Audio.Samples), len(written.Samples))

	jobs, err := f.svc.Jobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, eventstore.StatusSucceeded, jobs[0].Status)
	assert.Equal(t, out, jobs[0].OutputPath)
}

func TestGenerateSpeedHalvesDuration(t *testing.T) {
	f := newFixture(t)
	f.clone(t, "alice")
	text := "A short sentence to speak."

	normal, err := f.svc.Generate(context.Background(), Request{Text: text, Voice: "alice"}, nil)
	require.NoError(t, err)
	fast, err := f.svc.Generate(context.Background(), Request{Text: text, Voice: "alice", Speed: 2.0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, len(normal.Audio.Samples)/2, len(fast.Audio.Samples), 1)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.clone(t, "alice")
	ctx := context.Background()

	_, err := f.svc.Generate(ctx, Request{Text: "   ", Voice: "alice"}, nil)
	assert.ErrorIs(t, err, fault.ErrEmptyText)
	assert.True(t, fault.IsKind(err, fault.KindInput))

	for _, speed := range []float64{0.25, 2.5, -1} {
		_, err = f.svc.Generate(ctx, Request{Text: "Hi.", Voice: "alice", Speed: speed}, nil)
		assert.ErrorIs(t, err, fault.ErrSpeedOutOfRange, "speed %v", speed)
	}

	_, err = f.svc.Generate(ctx, Request{Text: "Hi.", Voice: "nobody"}, nil)
	assert.ErrorIs(t, err, fault.ErrVoiceNotFound)
	assert.True(t, fault.IsKind(err, fault.KindReference))

	jobs, err := f.svc.Jobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests leave no history")
}

func TestChunkFailureFailsJobWithoutOutput(t *testing.T) {
	f := newFixture(t)
	f.clone(t, "alice")
	f.model.failOn = "Third"

	out := filepath.Join(f.outDir, "never.wav")
	text := "First sentence is here. Second sentence follows it. Third sentence breaks the model."
	f.svc.cfg.MaxChunkLength = 30
	res, err := f.svc.Generate(context.Background(), Request{Text: text, Voice: "alice", OutputPath: out}, nil)
	require.Error(t, err)
	assert.Empty(t, res.Audio.Samples)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindModelInference, fe.Kind)
	assert.Equal(t, 2, fe.ChunkIndex)
	assert.Equal(t, "alice", fe.Voice)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))

	jobs, err := f.svc.Jobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, eventstore.StatusFailed, jobs[0].Status)
	assert.Equal(t, string(fault.StageGenerate), jobs[0].Stage)
	require.NotNil(t, jobs[0].ChunkIndex)
	assert.Equal(t, 2, *jobs[0].ChunkIndex)
}

func TestOutputFailureNamesVoice(t *testing.T) {
	f := newFixture(t)
	f.clone(t, "alice")

	// A directory where the WAV file should go cannot be overwritten.
	out := t.TempDir()
	_, err := f.svc.Generate(context.Background(), Request{Text: "Hello there.", Voice: "alice", OutputPath: out}, nil)
	require.Error(t, err)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindOutput, fe.Kind)
	assert.Equal(t, fault.StageOutput, fe.Stage)
	assert.Equal(t, "alice", fe.Voice)
	assert.Contains(t, err.Error(), `voice "alice"`)
}

func TestDeletedVoiceIsRecomputedOnReclone(t *testing.T) {
	f := newFixture(t)
	ref := f.clone(t, "alice")
	_, err := os.Stat(ref.EmbeddingPath)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteVoice("alice"))
	_, err = os.Stat(ref.EmbeddingPath)
	assert.True(t, os.IsNotExist(err))
	_, err = f.svc.Generate(context.Background(), Request{Text: "Hi.", Voice: "alice"}, nil)
	assert.ErrorIs(t, err, fault.ErrVoiceNotFound)

	f.clone(t, "alice")
	assert.Equal(t, int32(2), f.model.encodes.Load())
	_, err = f.svc.Generate(context.Background(), Request{Text: "Hi again.", Voice: "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.model.encodes.Load())
}

func TestCloneVoiceErrors(t *testing.T) {
	f := newFixture(t)
	f.clone(t, "alice")

	_, err := f.svc.CloneVoice(context.Background(), "alice", "again", bytes.NewReader(referenceWAV(t)))
	assert.True(t, fault.IsKind(err, fault.KindInput))
	assert.ErrorIs(t, err, voice.ErrVoiceExists)

	_, err = f.svc.CloneVoice(context.Background(), "bob", "text", strings.NewReader("garbage"))
	assert.ErrorIs(t, err, fault.ErrReferenceAudioMissing)
	assert.False(t, f.voices.Exists("bob"))

	voices, err := f.svc.ListVoices()
	require.NoError(t, err)
	require.Len(t, voices, 1)
	assert.Equal(t, "alice", voices[0].Name)
}

func TestGenerateWaitsForSlot(t *testing.T) {
	f := newFixture(t)
	f.clone(t, "alice")
	f.svc.slots <- struct{}{}
	t.Cleanup(func() { <-f.svc.slots })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.Generate(ctx, Request{Text: "Hi.", Voice: "alice"}, nil)
	assert.True(t, fault.IsKind(err, fault.KindCancelled))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "12.3 seconds", FormatDuration(12300*time.Millisecond))
	assert.Equal(t, "1 minute 4.0 seconds", FormatDuration(64*time.Second))
	assert.Equal(t, "2 minutes 30.5 seconds", FormatDuration(150500*time.Millisecond))
	assert.Equal(t, 11*time.Second, EstimateDuration(3))
}
