package model

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// charsPerSecond paces the mock voice roughly like natural speech.
const charsPerSecond = 15

type mockModel struct {
	sampleRate    int
	embeddingSize int
}

// NewMockModel returns a deterministic offline model. Embeddings are hashed
// from the reference audio bytes and text; synthesis renders a tone whose
// pitch follows the embedding and whose length follows the text.
func NewMockModel(sampleRate, embeddingSize int) Model {
	return &mockModel{sampleRate: sampleRate, embeddingSize: embeddingSize}
}

func (m *mockModel) SupportsConcurrentInference() bool { return true }

func (m *mockModel) Encode(ctx context.Context, audioPath, text string) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return Embedding{}, err
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return Embedding{}, fmt.Errorf("read reference audio: %w", err)
	}
	seed := sha256.New()
	seed.Write(data)
	seed.Write([]byte{0})
	seed.Write([]byte(text))
	sum := seed.Sum(nil)

	values := make([]float32, m.embeddingSize)
	var block [sha256.Size]byte
	for i := range values {
		if i%8 == 0 {
			h := sha256.New()
			h.Write(sum)
			var counter [8]byte
			binary.LittleEndian.PutUint64(counter[:], uint64(i/8))
			h.Write(counter[:])
			copy(block[:], h.Sum(nil))
		}
		u := binary.LittleEndian.Uint32(block[(i%8)*4:])
		values[i] = float32(u)/float32(math.MaxUint32)*2 - 1
	}
	return Embedding{Shape: []int{1, m.embeddingSize}, Values: values}, nil
}

func (m *mockModel) Synthesize(ctx context.Context, text string, embedding Embedding) (audio.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	if err := embedding.Validate(); err != nil {
		return audio.Buffer{}, err
	}
	n := utf8.RuneCountInString(text) * m.sampleRate / charsPerSecond
	freq := 110 + 110*math.Abs(float64(embedding.Values[0]))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
	}
	return audio.Buffer{Samples: samples, SampleRate: m.sampleRate}, nil
}
