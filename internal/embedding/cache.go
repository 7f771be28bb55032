// Package embedding derives speaker embeddings from reference voices and
// persists them next to the voice so the model encoder runs once per voice.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/loqalabs/loqa-voice/internal/model"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Cache is a write-once embedding cache keyed by voice name. A persisted
// embedding is trusted as long as its file exists; replacing the reference
// audio under the same path without invalidating serves the old embedding.
type Cache struct {
	model model.Model
	log   *slog.Logger
	mem   *lru.Cache[string, model.Embedding]
	group singleflight.Group

	// mu orders persists against Invalidate; generation[name] is bumped on
	// every invalidation so a computation started earlier does not persist.
	mu         sync.Mutex
	generation map[string]uint64

	lookups metric.Int64Counter
	encodes metric.Int64Counter
}

func NewCache(m model.Model, entries int, log *slog.Logger) (*Cache, error) {
	mem, err := lru.New[string, model.Embedding](entries)
	if err != nil {
		return nil, fmt.Errorf("create embedding lru: %w", err)
	}
	c := &Cache{
		model:      m,
		log:        log.With(slog.String("component", "embedding-cache")),
		mem:        mem,
		generation: make(map[string]uint64),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c, nil
}

func (c *Cache) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/embedding")
	lookups, err := meter.Int64Counter("loqa.embedding.lookups", metric.WithDescription("Embedding lookups by result"))
	if err != nil {
		return err
	}
	encodes, err := meter.Int64Counter("loqa.embedding.encodes", metric.WithDescription("Reference encodings run on the model"))
	if err != nil {
		return err
	}
	c.lookups = lookups
	c.encodes = encodes
	return nil
}

// Get returns the embedding for ref, computing and persisting it on a miss.
// Concurrent callers for the same voice share one computation.
func (c *Cache) Get(ctx context.Context, ref voice.Reference) (model.Embedding, error) {
	if strings.TrimSpace(ref.Text) == "" {
		return model.Embedding{}, fault.Reference(ref.Name, fault.ErrReferenceTextEmpty)
	}
	f, err := os.Open(ref.AudioPath)
	if err != nil {
		return model.Embedding{}, fault.Reference(ref.Name, fmt.Errorf("%w: %w", fault.ErrReferenceAudioMissing, err))
	}
	f.Close()

	if emb, ok := c.mem.Get(ref.Name); ok {
		if c.persisted(ref) {
			c.count(ctx, c.lookups, "memory")
			return emb, nil
		}
		// The file went away behind our back, e.g. another process deleted
		// the voice. That counts as never computed.
		c.forget(ref.Name)
	}

	// The shared computation outlives any single caller; each caller only
	// stops waiting when its own context ends.
	ch := c.group.DoChan(ref.Name, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), ref)
	})
	select {
	case <-ctx.Done():
		fe := fault.Cancelled(ref.Name, fault.NoChunk, context.Cause(ctx))
		fe.Stage = fault.StageReference
		return model.Embedding{}, fe
	case res := <-ch:
		if res.Err != nil {
			return model.Embedding{}, res.Err
		}
		return res.Val.(model.Embedding), nil
	}
}

func (c *Cache) persisted(ref voice.Reference) bool {
	_, err := os.Stat(ref.EmbeddingPath)
	return !os.IsNotExist(err)
}

// forget drops a memory entry whose file disappeared. Bumping the generation
// keeps an encode already in flight from repopulating memory without a file.
func (c *Cache) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation[name]++
	c.mem.Remove(name)
}

func (c *Cache) load(ctx context.Context, ref voice.Reference) (model.Embedding, error) {
	c.mu.Lock()
	gen := c.generation[ref.Name]
	c.mu.Unlock()

	if data, err := os.ReadFile(ref.EmbeddingPath); err == nil {
		emb, err := unmarshal(data)
		if err == nil {
			c.count(ctx, c.lookups, "disk")
			c.remember(ref.Name, gen, emb)
			return emb, nil
		}
		c.log.Warn("discarding unreadable embedding cache", slog.String("voice", ref.Name), slogError(err))
	} else if !os.IsNotExist(err) {
		c.log.Warn("embedding cache not readable", slog.String("voice", ref.Name), slogError(err))
	}

	c.count(ctx, c.lookups, "miss")
	c.count(ctx, c.encodes, "")
	c.log.Info("encoding reference voice", slog.String("voice", ref.Name))
	emb, err := c.model.Encode(ctx, ref.AudioPath, ref.Text)
	if err != nil {
		return model.Embedding{}, fault.EncodeFailed(ref.Name, err)
	}
	if err := emb.Validate(); err != nil {
		return model.Embedding{}, fault.EncodeFailed(ref.Name, err)
	}
	if err := c.persist(ref, gen, emb); err != nil {
		// The embedding is still good for this job; the next miss retries the write.
		c.log.Warn("failed to persist embedding", slog.String("voice", ref.Name), slogError(err))
	}
	return emb, nil
}

func (c *Cache) remember(name string, gen uint64, emb model.Embedding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation[name] == gen {
		c.mem.Add(name, emb)
	}
}

func (c *Cache) persist(ref voice.Reference, gen uint64, emb model.Embedding) error {
	data, err := marshal(emb)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation[ref.Name] != gen {
		return nil
	}
	if err := writeAtomic(ref.EmbeddingPath, data); err != nil {
		return err
	}
	c.mem.Add(ref.Name, emb)
	return nil
}

// Invalidate drops the cached embedding of ref from memory and disk. An
// encoding already in flight for the voice finishes but is not persisted.
func (c *Cache) Invalidate(ref voice.Reference) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation[ref.Name]++
	c.mem.Remove(ref.Name)
	c.group.Forget(ref.Name)
	if ref.EmbeddingPath == "" {
		return nil
	}
	if err := os.Remove(ref.EmbeddingPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove embedding cache: %w", err)
	}
	return nil
}

func (c *Cache) count(ctx context.Context, counter metric.Int64Counter, result string) {
	if counter == nil {
		return
	}
	if result == "" {
		counter.Add(ctx, 1)
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".emb-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
