package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/embedding"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/model"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Pipeline is the process-wide set of generation components. The model is
// loaded once and shared by every job.
type Pipeline struct {
	Model   model.Model
	Voices  *voice.Store
	Cache   *embedding.Cache
	History *eventstore.Store
	Speech  *speech.Service
}

// BuildPipeline loads the model and opens the voice store and job history.
func BuildPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	if cfg.Model.RequirePhonemizer {
		path, err := model.FindPhonemizer()
		if err != nil {
			return nil, fmt.Errorf("phonemizer check: %w", err)
		}
		logger.Info("phonemizer found", slog.String("path", path))
	}

	m, err := model.Load(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	logger.Info("model loaded",
		slog.String("mode", cfg.Model.Mode),
		slog.String("version", cfg.Model.Version),
		slog.Bool("concurrent", model.SupportsConcurrency(m)))

	voices, err := voice.NewStore(cfg.Voices.Directory, logger)
	if err != nil {
		return nil, err
	}
	cache, err := embedding.NewCache(m, cfg.Generation.EmbeddingCacheEntries, logger)
	if err != nil {
		return nil, err
	}
	history, err := eventstore.Open(ctx, cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("open job history: %w", err)
	}

	gen := pipeline.NewGenerator(m, cfg.Generation.Workers, logger)
	return &Pipeline{
		Model:   m,
		Voices:  voices,
		Cache:   cache,
		History: history,
		Speech:  speech.NewService(cfg.Generation, voices, cache, gen, history, logger),
	}, nil
}

func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	return p.History.Close()
}
