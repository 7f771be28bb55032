// Package speech runs generation jobs end to end: input validation, voice
// lookup, speaker embedding, chunking, synthesis and assembly.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/assembler"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/embedding"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Request asks for text to be spoken in a cloned voice. A zero Speed means
// normal pace. When OutputPath is set the result is also written there as WAV.
type Request struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed,omitempty"`
	OutputPath string  `json:"output_path,omitempty"`
}

type Result struct {
	JobID      string
	Audio      audio.Buffer
	Chunks     int
	Elapsed    time.Duration
	OutputPath string
}

type Service struct {
	cfg       config.GenerationConfig
	voices    *voice.Store
	cache     *embedding.Cache
	generator *pipeline.Generator
	history   *eventstore.Store
	slots     chan struct{}
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

func NewService(cfg config.GenerationConfig, voices *voice.Store, cache *embedding.Cache, gen *pipeline.Generator, history *eventstore.Store, log *slog.Logger) *Service {
	maxJobs := cfg.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Service{
		cfg:       cfg,
		voices:    voices,
		cache:     cache,
		generator: gen,
		history:   history,
		slots:     make(chan struct{}, maxJobs),
		log:       log.With(slog.String("component", "speech-service")),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (s *Service) validate(req *Request) error {
	req.Text = strings.TrimSpace(req.Text)
	req.Voice = strings.TrimSpace(req.Voice)
	if req.Text == "" {
		return fault.Input(fault.ErrEmptyText)
	}
	if req.Voice == "" {
		return fault.Input(fmt.Errorf("%w: no voice selected", fault.ErrVoiceNotFound))
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}
	if math.IsNaN(req.Speed) || req.Speed < s.cfg.SpeedMin || req.Speed > s.cfg.SpeedMax {
		return fault.Input(fmt.Errorf("%w: %.2f not in [%.2f, %.2f]", fault.ErrSpeedOutOfRange, req.Speed, s.cfg.SpeedMin, s.cfg.SpeedMax))
	}
	return nil
}

// Generate runs one job. Input and reference problems are reported before
// any synthesis starts; a failed job never yields audio. obs may be nil.
func (s *Service) Generate(ctx context.Context, req Request, obs pipeline.Observer) (Result, error) {
	if err := s.validate(&req); err != nil {
		return Result{}, err
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		return Result{}, fault.Cancelled(req.Voice, fault.NoChunk, ctx.Err())
	}

	ref, err := s.voices.Load(req.Voice)
	if err != nil {
		return Result{}, fault.Reference(req.Voice, err)
	}
	emb, err := s.cache.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}

	chunks := chunker.Split(req.Text, s.cfg.MaxChunkLength)
	job := pipeline.NewJob(s.newID(), ref, emb, chunks, req.Speed)
	log := s.log.With(slog.String("job_id", job.ID), slog.String("voice", ref.Name))
	log.Info("job accepted",
		slog.Int("chunks", len(chunks)),
		slog.Float64("speed", req.Speed),
		slog.String("estimate", FormatDuration(EstimateDuration(len(chunks)))))

	if err := s.history.RecordJobStart(ctx, job.ID, ref.Name, len(chunks), req.Speed); err != nil {
		log.Warn("failed to record job start", slogError(err))
	}

	start := s.now()
	res, err := s.run(ctx, job, req, pipeline.Observers{s.historyObserver(), obs})
	res.JobID = job.ID
	res.Chunks = len(chunks)
	res.Elapsed = s.now().Sub(start)
	s.finish(job.ID, res, err)
	if err != nil {
		return Result{JobID: job.ID}, err
	}
	log.Info("job finished", slog.String("elapsed", FormatDuration(res.Elapsed)), slog.Duration("audio", res.Audio.Duration()))
	return res, nil
}

func (s *Service) run(ctx context.Context, job *pipeline.Job, req Request, obs pipeline.Observer) (Result, error) {
	segments, err := s.generator.Generate(ctx, job, obs)
	if err != nil {
		return Result{}, err
	}
	buf, err := assembler.Assemble(segments, req.Speed, s.assemblyOptions())
	if err != nil {
		return Result{}, withVoice(err, job.Voice.Name)
	}
	res := Result{Audio: buf}
	if req.OutputPath != "" {
		if err := audio.WriteWAVFile(req.OutputPath, buf); err != nil {
			return Result{}, withVoice(fault.Output(err), job.Voice.Name)
		}
		res.OutputPath = req.OutputPath
	}
	return res, nil
}

// withVoice names the voice on failures raised by stages that never see it.
func withVoice(err error, name string) error {
	if fe, ok := fault.As(err); ok && fe.Voice == "" {
		fe.Voice = name
	}
	return err
}

func (s *Service) assemblyOptions() assembler.Options {
	return assembler.Options{
		Silence:    time.Duration(s.cfg.SilenceMS) * time.Millisecond,
		Normalize:  s.cfg.Normalize,
		TargetPeak: s.cfg.TargetPeak,
	}
}

func (s *Service) historyObserver() pipeline.Observer {
	return pipeline.ObserverFunc(func(ctx context.Context, job *pipeline.Job, p pipeline.Progress) {
		evt := eventstore.Event{
			JobID:      job.ID,
			Type:       eventstore.EventChunkComplete,
			ChunkIndex: p.Chunk,
			Payload:    []byte(fmt.Sprintf(`{"completed":%d,"total":%d,"eta_ms":%d}`, p.Completed, p.Total, p.ETA.Milliseconds())),
		}
		if err := s.history.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
			s.log.Warn("failed to record progress", slog.String("job_id", job.ID), slogError(err))
		}
	})
}

// finish stores the job outcome. It runs on its own context so a cancelled
// job is still recorded.
func (s *Service) finish(jobID string, res Result, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := eventstore.Outcome{Status: eventstore.StatusSucceeded, OutputPath: res.OutputPath}
	if jobErr != nil {
		out = eventstore.Outcome{Status: eventstore.StatusFailed, Error: jobErr.Error()}
		if fe, ok := fault.As(jobErr); ok {
			out.Stage = string(fe.Stage)
			if fe.ChunkIndex != fault.NoChunk {
				idx := fe.ChunkIndex
				out.ChunkIndex = &idx
			}
		}
	}
	if err := s.history.RecordJobEnd(ctx, jobID, out); err != nil {
		s.log.Warn("failed to record job end", slog.String("job_id", jobID), slogError(err))
	}
	if err := s.history.Prune(ctx); err != nil {
		s.log.Warn("job history prune failed", slogError(err))
	}
}

// ListVoices returns the cloned voices available for generation.
func (s *Service) ListVoices() ([]voice.Reference, error) {
	return s.voices.List()
}

// CloneVoice stores a new voice and computes its embedding right away. If
// the embedding cannot be derived the voice is removed again.
func (s *Service) CloneVoice(ctx context.Context, name, text string, recording io.Reader) (voice.Reference, error) {
	ref, err := s.voices.Clone(name, text, recording)
	if err != nil {
		if errors.Is(err, voice.ErrInvalidName) || errors.Is(err, voice.ErrVoiceExists) {
			return voice.Reference{}, fault.Input(err)
		}
		return voice.Reference{}, fault.Reference(name, err)
	}
	if _, err := s.cache.Get(ctx, ref); err != nil {
		if delErr := s.DeleteVoice(ref.Name); delErr != nil {
			s.log.Warn("failed to roll back voice", slog.String("voice", ref.Name), slogError(delErr))
		}
		return voice.Reference{}, err
	}
	return ref, nil
}

// DeleteVoice removes a voice. A later voice with the same name gets a
// freshly computed embedding.
func (s *Service) DeleteVoice(name string) error {
	ref, err := s.voices.Load(name)
	if err != nil {
		return fault.Reference(name, err)
	}
	if err := s.cache.Invalidate(ref); err != nil {
		return fault.Reference(name, err)
	}
	if err := s.voices.Delete(name); err != nil {
		return fault.Reference(name, err)
	}
	return nil
}

// Jobs returns recent jobs, newest first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]eventstore.Job, error) {
	return s.history.ListJobs(ctx, limit)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
