// Package pipeline drives per-chunk synthesis for a generation job.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/loqalabs/loqa-voice/internal/model"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Progress is a snapshot of a running job. Chunk is the index of the chunk
// whose completion produced the snapshot.
type Progress struct {
	Chunk     int           `json:"chunk"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Elapsed   time.Duration `json:"elapsed"`
	ETA       time.Duration `json:"eta"`
}

// Job is one generation request. Only the Generator mutates its progress.
type Job struct {
	ID        string
	Voice     voice.Reference
	Embedding model.Embedding
	Chunks    []chunker.Chunk
	Speed     float64

	mu       sync.Mutex
	progress Progress
}

func NewJob(id string, ref voice.Reference, emb model.Embedding, chunks []chunker.Chunk, speed float64) *Job {
	return &Job{
		ID:        id,
		Voice:     ref,
		Embedding: emb,
		Chunks:    chunks,
		Speed:     speed,
		progress:  Progress{Total: len(chunks)},
	}
}

func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// complete records one finished chunk and recomputes the ETA from the
// average time per completed chunk.
func (j *Job) complete(chunk int, elapsed time.Duration) Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.Chunk = chunk
	j.progress.Completed++
	j.progress.Elapsed = elapsed
	remaining := j.progress.Total - j.progress.Completed
	if j.progress.Completed > 0 && remaining > 0 {
		avg := elapsed / time.Duration(j.progress.Completed)
		j.progress.ETA = avg * time.Duration(remaining)
	} else {
		j.progress.ETA = 0
	}
	return j.progress
}

// Observer is told about every completed chunk, in completion order.
type Observer interface {
	ChunkCompleted(ctx context.Context, job *Job, p Progress)
}

type ObserverFunc func(ctx context.Context, job *Job, p Progress)

func (f ObserverFunc) ChunkCompleted(ctx context.Context, job *Job, p Progress) {
	f(ctx, job, p)
}

// Observers fans progress out to several observers. Nil entries are skipped.
type Observers []Observer

func (o Observers) ChunkCompleted(ctx context.Context, job *Job, p Progress) {
	for _, obs := range o {
		if obs != nil {
			obs.ChunkCompleted(ctx, job, p)
		}
	}
}
