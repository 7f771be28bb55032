package model

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// Embedding is a speaker embedding tensor in row-major order.
type Embedding struct {
	Shape  []int
	Values []float32
}

// Validate checks that the shape matches the number of values.
func (e Embedding) Validate() error {
	if len(e.Shape) == 0 {
		return fmt.Errorf("embedding has no shape")
	}
	n := 1
	for _, d := range e.Shape {
		if d <= 0 {
			return fmt.Errorf("embedding dimension %d is not positive", d)
		}
		n *= d
	}
	if n != len(e.Values) {
		return fmt.Errorf("embedding shape %v needs %d values, got %d", e.Shape, n, len(e.Values))
	}
	return nil
}

// Model is the loaded synthesis backend. A single instance is shared by every
// job in the process.
type Model interface {
	Encode(ctx context.Context, audioPath, text string) (Embedding, error)
	Synthesize(ctx context.Context, text string, embedding Embedding) (audio.Buffer, error)
}

// Concurrent is implemented by models that accept parallel Synthesize calls.
type Concurrent interface {
	SupportsConcurrentInference() bool
}

// SupportsConcurrency reports whether m may be driven from several goroutines.
func SupportsConcurrency(m Model) bool {
	c, ok := m.(Concurrent)
	return ok && c.SupportsConcurrentInference()
}
