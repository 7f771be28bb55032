// Package gateway serves speech requests arriving over NATS.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/nats-io/nats.go"
)

// Speaker runs generation jobs.
type Speaker interface {
	Generate(ctx context.Context, req speech.Request, obs pipeline.Observer) (speech.Result, error)
}

// Publisher sends raw messages.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Service struct {
	bus     *bus.Client
	pub     Publisher
	speaker Speaker
	outDir  string
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, outDir string, busClient *bus.Client, speaker Speaker, log *slog.Logger) *Service {
	s := newService(parent, outDir, busClient, speaker, log)
	s.bus = busClient
	return s
}

func newService(parent context.Context, outDir string, pub Publisher, speaker Speaker, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		pub:     pub,
		speaker: speaker,
		outDir:  outDir,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "speech-gateway")),
	}
}

// Start subscribes to speech requests. Completion notices are retained on
// JetStream when the server offers it.
func (s *Service) Start() error {
	if err := s.bus.EnsureStream(protocol.StreamSpeechResults, []string{protocol.SubjectSpeechDone}, 7*24*time.Hour); err != nil {
		s.logger.Warn("speech results will not be retained", slogError(err))
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSpeechRequest, "loqa-voice", s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for speech requests", slog.String("subject", protocol.SubjectSpeechRequest))
	return nil
}

// Close stops accepting requests and waits for running jobs. Running jobs
// are cancelled between chunks.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		return
	}
	if !validRequestID(req.RequestID) {
		req.RequestID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done := s.process(req)
		s.publish(protocol.SubjectSpeechDone, done)
		if msg.Reply != "" {
			s.publish(msg.Reply, done)
		}
	}()
}

func (s *Service) process(req protocol.SpeechRequest) protocol.SpeechDone {
	log := s.logger.With(slog.String("request_id", req.RequestID), slog.String("voice", req.Voice))
	output := filepath.Join(s.outDir, req.RequestID+".wav")

	obs := pipeline.ObserverFunc(func(_ context.Context, job *pipeline.Job, p pipeline.Progress) {
		s.publish(protocol.SubjectSpeechProgress, protocol.SpeechProgress{
			RequestID:  req.RequestID,
			JobID:      job.ID,
			Chunk:      p.Chunk,
			Completed:  p.Completed,
			Total:      p.Total,
			ETASeconds: p.ETA.Seconds(),
			Timestamp:  time.Now().UTC(),
		})
	})
	res, err := s.speaker.Generate(s.ctx, speech.Request{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		OutputPath: output,
	}, obs)

	done := protocol.SpeechDone{RequestID: req.RequestID, JobID: res.JobID, Timestamp: time.Now().UTC()}
	if err != nil {
		done.Error = err.Error()
		if fe, ok := fault.As(err); ok {
			done.Kind = string(fe.Kind)
			done.Stage = string(fe.Stage)
			if fe.ChunkIndex != fault.NoChunk {
				idx := fe.ChunkIndex
				done.ChunkIndex = &idx
			}
		}
		log.Warn("speech request failed", slogError(err))
		return done
	}
	done.Success = true
	done.OutputPath = res.OutputPath
	done.Chunks = res.Chunks
	done.DurationSeconds = res.Audio.Duration().Seconds()
	done.ElapsedSeconds = res.Elapsed.Seconds()
	log.Info("speech request completed", slog.String("output", res.OutputPath))
	return done
}

func (s *Service) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish message", slog.String("subject", subject), slogError(err))
	}
}

// validRequestID accepts ids usable as a plain file name.
func validRequestID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
