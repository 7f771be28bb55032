package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/loqalabs/loqa-voice/internal/model"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel synthesizes one sample per byte of text and fails on the
// texts listed in failOn.
type scriptedModel struct {
	mu         sync.Mutex
	calls      []string
	failOn     map[string]error
	concurrent bool
	delay      func(text string) time.Duration
	onCall     func(text string)
}

func (m *scriptedModel) Encode(context.Context, string, string) (model.Embedding, error) {
	return model.Embedding{Shape: []int{1}, Values: []float32{1}}, nil
}

func (m *scriptedModel) Synthesize(ctx context.Context, text string, emb model.Embedding) (audio.Buffer, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	m.mu.Unlock()
	if m.onCall != nil {
		m.onCall(text)
	}
	if m.delay != nil {
		time.Sleep(m.delay(text))
	}
	if err, ok := m.failOn[text]; ok {
		return audio.Buffer{}, err
	}
	samples := make([]float32, len(text))
	for i := range samples {
		samples[i] = float32(len(text)) / 100
	}
	return audio.Buffer{Samples: samples, SampleRate: 16000}, nil
}

func (m *scriptedModel) SupportsConcurrentInference() bool { return m.concurrent }

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newJob(texts ...string) *Job {
	chunks := make([]chunker.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = chunker.Chunk{Index: i, Text: t, Length: len(t)}
	}
	ref := voice.Reference{Name: "alice", Text: "ref"}
	return NewJob("job-1", ref, model.Embedding{Shape: []int{1}, Values: []float32{1}}, chunks, 1.0)
}

// fakeClock advances by step on every reading.
func fakeClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

func TestGenerateSequentialKeepsOrder(t *testing.T) {
	m := &scriptedModel{}
	g := NewGenerator(m, 1, newLogger())
	job := newJob("a", "bb", "ccc")

	segments, err := g.Generate(context.Background(), job, nil)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	for i, seg := range segments {
		assert.Equal(t, i, seg.Index)
		assert.Len(t, seg.Samples, i+1)
		assert.Equal(t, 16000, seg.SampleRate)
	}
	assert.Equal(t, []string{"a", "bb", "ccc"}, m.calls)
	assert.Equal(t, Progress{Chunk: 2, Completed: 3, Total: 3, Elapsed: job.Progress().Elapsed}, job.Progress())
}

func TestGenerateFailsWholeJobOnChunkError(t *testing.T) {
	cause := errors.New("out of memory")
	m := &scriptedModel{failOn: map[string]error{"third": cause}}
	g := NewGenerator(m, 1, newLogger())

	var completed []int
	obs := ObserverFunc(func(_ context.Context, _ *Job, p Progress) {
		completed = append(completed, p.Completed)
	})
	segments, err := g.Generate(context.Background(), newJob("first", "second", "third"), obs)
	require.Error(t, err)
	assert.Nil(t, segments)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindModelInference, fe.Kind)
	assert.Equal(t, 2, fe.ChunkIndex)
	assert.Equal(t, "alice", fe.Voice)
	assert.ErrorIs(t, err, fault.ErrModelInference)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []int{1, 2}, completed)
}

func TestGenerateRejectsEmptyModelOutput(t *testing.T) {
	m := &scriptedModel{}
	g := NewGenerator(m, 1, newLogger())
	_, err := g.Generate(context.Background(), newJob("ok", ""), nil)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, 1, fe.ChunkIndex)
	assert.ErrorIs(t, err, errNoAudio)
}

func TestGenerateReportsProgressAndETA(t *testing.T) {
	m := &scriptedModel{}
	g := NewGenerator(m, 1, newLogger())
	g.now = fakeClock(time.Second)

	var seen []Progress
	obs := ObserverFunc(func(_ context.Context, _ *Job, p Progress) { seen = append(seen, p) })
	_, err := g.Generate(context.Background(), newJob("a", "b", "c", "d"), obs)
	require.NoError(t, err)

	require.Len(t, seen, 4)
	for i, p := range seen {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 4, p.Total)
		avg := p.Elapsed / time.Duration(p.Completed)
		assert.Equal(t, avg*time.Duration(4-p.Completed), p.ETA)
	}
	assert.Zero(t, seen[3].ETA)
	assert.Greater(t, seen[3].Elapsed, seen[0].Elapsed)
}

func TestGenerateStopsBetweenChunksOnCancel(t *testing.T) {
	m := &scriptedModel{}
	g := NewGenerator(m, 1, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := ObserverFunc(func(_ context.Context, _ *Job, p Progress) {
		if p.Completed == 1 {
			cancel()
		}
	})
	segments, err := g.Generate(ctx, newJob("a", "b", "c"), obs)
	assert.Nil(t, segments)
	assert.True(t, fault.IsKind(err, fault.KindCancelled))
	assert.ErrorIs(t, err, context.Canceled)
	fe, _ := fault.As(err)
	assert.Equal(t, 1, fe.ChunkIndex)
	assert.Equal(t, 1, m.callCount())
}

func TestInFlightChunkCompletesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &scriptedModel{onCall: func(text string) {
		if text == "a" {
			cancel()
		}
	}}
	g := NewGenerator(m, 1, newLogger())

	var completed int
	obs := ObserverFunc(func(context.Context, *Job, Progress) { completed++ })
	_, err := g.Generate(ctx, newJob("a", "b"), obs)
	assert.True(t, fault.IsKind(err, fault.KindCancelled))
	assert.Equal(t, 1, completed)
}

func TestGenerateRejectsEmptyJob(t *testing.T) {
	g := NewGenerator(&scriptedModel{}, 1, newLogger())
	_, err := g.Generate(context.Background(), newJob(), nil)
	assert.True(t, fault.IsKind(err, fault.KindInput))
}

func TestParallelRequiresConcurrentModel(t *testing.T) {
	assert.False(t, NewGenerator(&scriptedModel{}, 4, newLogger()).Parallel())
	assert.False(t, NewGenerator(&scriptedModel{concurrent: true}, 1, newLogger()).Parallel())
	assert.True(t, NewGenerator(&scriptedModel{concurrent: true}, 4, newLogger()).Parallel())
}

func TestParallelPreservesChunkOrder(t *testing.T) {
	// Earlier chunks take longer, so completion order is reversed.
	m := &scriptedModel{concurrent: true, delay: func(text string) time.Duration {
		return time.Duration(10-len(text)) * 5 * time.Millisecond
	}}
	g := NewGenerator(m, 3, newLogger())
	job := newJob("a", "bb", "ccc", "dddd", "eeeee")

	var mu sync.Mutex
	var counts []int
	obs := ObserverFunc(func(_ context.Context, _ *Job, p Progress) {
		mu.Lock()
		counts = append(counts, p.Completed)
		mu.Unlock()
	})
	segments, err := g.Generate(context.Background(), job, obs)
	require.NoError(t, err)
	require.Len(t, segments, 5)
	for i, seg := range segments {
		assert.Equal(t, i, seg.Index)
		assert.Len(t, seg.Samples, i+1)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, counts)
}

func TestParallelReportsLowestFailingChunk(t *testing.T) {
	m := &scriptedModel{
		concurrent: true,
		failOn: map[string]error{
			"bb":   errors.New("bad chunk"),
			"dddd": errors.New("also bad"),
		},
	}
	g := NewGenerator(m, 4, newLogger())
	segments, err := g.Generate(context.Background(), newJob("a", "bb", "ccc", "dddd"), nil)
	assert.Nil(t, segments)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, 1, fe.ChunkIndex)
}

func TestObserversFanOut(t *testing.T) {
	var a, b int
	obs := Observers{
		ObserverFunc(func(context.Context, *Job, Progress) { a++ }),
		nil,
		ObserverFunc(func(context.Context, *Job, Progress) { b++ }),
	}
	_, err := NewGenerator(&scriptedModel{}, 1, newLogger()).Generate(context.Background(), newJob("x", "y"), obs)
	require.NoError(t, err)
	assert.Equal(t, 2, a)
	assert.Equal(t, 2, b)
}
