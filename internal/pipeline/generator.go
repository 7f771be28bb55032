package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/loqalabs/loqa-voice/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var errNoAudio = errors.New("model returned no audio")

// Generator runs the synthesis model over the chunks of a job. It is
// sequential unless configured with more than one worker and the model
// reports that it supports concurrent inference.
type Generator struct {
	model   model.Model
	workers int
	log     *slog.Logger
	now     func() time.Time

	tracer        trace.Tracer
	chunkDuration metric.Float64Histogram
	chunkCount    metric.Int64Counter
	jobCount      metric.Int64Counter
}

func NewGenerator(m model.Model, workers int, log *slog.Logger) *Generator {
	if workers < 1 {
		workers = 1
	}
	g := &Generator{
		model:   m,
		workers: workers,
		log:     log.With(slog.String("component", "generator")),
		now:     time.Now,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-voice/pipeline"),
	}
	if err := g.initMetrics(); err != nil {
		g.log.Warn("failed to initialize metrics", slogError(err))
	}
	return g
}

func (g *Generator) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/pipeline")
	hist, err := meter.Float64Histogram("loqa.generation.chunk.duration",
		metric.WithDescription("Time spent synthesizing one chunk"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	chunks, err := meter.Int64Counter("loqa.generation.chunks", metric.WithDescription("Synthesized chunks by result"))
	if err != nil {
		return err
	}
	jobs, err := meter.Int64Counter("loqa.generation.jobs", metric.WithDescription("Generation jobs by result"))
	if err != nil {
		return err
	}
	g.chunkDuration = hist
	g.chunkCount = chunks
	g.jobCount = jobs
	return nil
}

// Parallel reports whether jobs are dispatched to more than one worker.
func (g *Generator) Parallel() bool {
	return g.workers > 1 && model.SupportsConcurrency(g.model)
}

// Generate synthesizes every chunk of job and returns one segment per chunk
// in chunk order. Any chunk failure fails the whole job and no segments are
// returned. Cancellation of ctx is honoured between chunks only; a chunk
// already handed to the model runs to completion.
func (g *Generator) Generate(ctx context.Context, job *Job, obs Observer) ([]audio.Segment, error) {
	if len(job.Chunks) == 0 {
		return nil, fault.Input(fault.ErrEmptyText)
	}
	ctx, span := g.tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("voice", job.Voice.Name),
		attribute.Int("chunks", len(job.Chunks)),
		attribute.Bool("parallel", g.Parallel()),
	))
	defer span.End()

	log := g.log.With(slog.String("job_id", job.ID), slog.String("voice", job.Voice.Name))
	log.Info("generation started", slog.Int("chunks", len(job.Chunks)), slog.Bool("parallel", g.Parallel()))

	var (
		segments []audio.Segment
		err      error
	)
	start := g.now()
	if g.Parallel() {
		segments, err = g.generateParallel(ctx, job, obs, start)
	} else {
		segments, err = g.generateSequential(ctx, job, obs, start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.countJob(ctx, err)
		log.Warn("generation failed", slogError(err))
		return nil, err
	}
	g.countJob(ctx, nil)
	log.Info("generation finished", slog.Duration("elapsed", g.now().Sub(start)))
	return segments, nil
}

func (g *Generator) generateSequential(ctx context.Context, job *Job, obs Observer, start time.Time) ([]audio.Segment, error) {
	segments := make([]audio.Segment, 0, len(job.Chunks))
	for _, c := range job.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, fault.Cancelled(job.Voice.Name, c.Index, err)
		}
		seg, err := g.synthesize(ctx, job, c)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
		g.notify(ctx, job, obs, c.Index, start)
	}
	return segments, nil
}

// generateParallel dispatches chunks to a bounded worker pool and places
// results by chunk position. When several chunks fail the lowest position
// is reported.
func (g *Generator) generateParallel(ctx context.Context, job *Job, obs Observer, start time.Time) ([]audio.Segment, error) {
	segments := make([]audio.Segment, len(job.Chunks))
	failures := make([]error, len(job.Chunks))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	var notifyMu sync.Mutex
	dispatched := len(job.Chunks)
	for i, c := range job.Chunks {
		if egctx.Err() != nil {
			dispatched = i
			break
		}
		eg.Go(func() error {
			seg, err := g.synthesize(ctx, job, c)
			if err != nil {
				failures[i] = err
				return err
			}
			segments[i] = seg
			notifyMu.Lock()
			defer notifyMu.Unlock()
			g.notify(ctx, job, obs, c.Index, start)
			return nil
		})
	}
	_ = eg.Wait()

	for _, err := range failures {
		if err != nil {
			return nil, err
		}
	}
	if dispatched < len(job.Chunks) {
		return nil, fault.Cancelled(job.Voice.Name, job.Chunks[dispatched].Index, context.Cause(ctx))
	}
	return segments, nil
}

func (g *Generator) synthesize(ctx context.Context, job *Job, c chunker.Chunk) (audio.Segment, error) {
	ctx, span := g.tracer.Start(ctx, "pipeline.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", c.Index),
		attribute.Int("chunk.length", c.Length),
		attribute.Bool("chunk.oversized", c.Oversized),
	))
	defer span.End()

	if c.Oversized {
		g.log.Debug("submitting oversized chunk", slog.String("job_id", job.ID), slog.Int("chunk", c.Index), slog.Int("length", c.Length))
	}
	began := g.now()
	// The in-flight chunk is never interrupted; cancellation is observed
	// before the next chunk starts.
	buf, err := g.model.Synthesize(context.WithoutCancel(ctx), c.Text, job.Embedding)
	if err == nil {
		switch {
		case buf.SampleRate <= 0:
			err = fmt.Errorf("model returned sample rate %d", buf.SampleRate)
		case len(buf.Samples) == 0:
			err = errNoAudio
		}
	}
	g.recordChunk(ctx, g.now().Sub(began), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return audio.Segment{}, fault.ChunkFailed(job.Voice.Name, c.Index, err)
	}
	return audio.Segment{Index: c.Index, Samples: buf.Samples, SampleRate: buf.SampleRate}, nil
}

func (g *Generator) notify(ctx context.Context, job *Job, obs Observer, chunk int, start time.Time) {
	p := job.complete(chunk, g.now().Sub(start))
	if obs != nil {
		obs.ChunkCompleted(ctx, job, p)
	}
}

func (g *Generator) recordChunk(ctx context.Context, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if g.chunkDuration != nil {
		g.chunkDuration.Record(ctx, d.Seconds())
	}
	if g.chunkCount != nil {
		g.chunkCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (g *Generator) countJob(ctx context.Context, err error) {
	if g.jobCount == nil {
		return
	}
	result := "ok"
	if fe, ok := fault.As(err); ok {
		result = string(fe.Kind)
	} else if err != nil {
		result = "error"
	}
	g.jobCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
