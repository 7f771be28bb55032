// Package audio holds the in-memory sample buffer shared by the pipeline and
// its WAV and PCM16 codecs.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Buffer is mono float audio in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

var ErrInvalidWAV = errors.New("not a valid wav file")

// DecodeWAV reads a PCM WAV stream and mixes it down to mono.
func DecodeWAV(r io.ReadSeeker) (Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Buffer{}, ErrInvalidWAV
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("decode wav: %w", err)
	}
	channels := 1
	if pcm.Format != nil && pcm.Format.NumChannels > 0 {
		channels = pcm.Format.NumChannels
	}
	bitDepth := pcm.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		return Buffer{}, fmt.Errorf("decode wav: unknown bit depth")
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(pcm.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(pcm.Data[i*channels+c])
		}
		samples[i] = float32(sum / float64(channels) / scale)
	}
	return Buffer{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// EncodeWAV writes buf as 16-bit mono PCM. Samples are clamped to [-1, 1].
func EncodeWAV(w io.WriteSeeker, buf Buffer) error {
	if buf.SampleRate <= 0 {
		return fmt.Errorf("encode wav: invalid sample rate %d", buf.SampleRate)
	}
	data := make([]int, len(buf.Samples))
	for i, s := range buf.Samples {
		data[i] = int(clamp(s) * math.MaxInt16)
	}
	enc := wav.NewEncoder(w, buf.SampleRate, 16, 1, 1)
	ib := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: buf.SampleRate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAVFile encodes buf into a temp file next to path and renames it into
// place, so readers never observe a partial file.
func WriteWAVFile(path string, buf Buffer) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".wav-*.tmp")
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

	if err := EncodeWAV(tmp, buf); err != nil {
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

// PCM16ToFloat converts little-endian signed 16-bit PCM to float samples.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// FloatToPCM16 converts float samples to little-endian signed 16-bit PCM.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamp(s)*math.MaxInt16)))
	}
	return out
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
