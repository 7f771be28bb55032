// Package assembler joins per-chunk audio into the final buffer: silence
// between segments, peak normalization, then the speed transform.
package assembler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/fault"
)

const (
	DefaultSilence    = 200 * time.Millisecond
	DefaultTargetPeak = 0.95
)

type Options struct {
	Silence    time.Duration
	Normalize  bool
	TargetPeak float64
}

func DefaultOptions() Options {
	return Options{Silence: DefaultSilence, Normalize: true, TargetPeak: DefaultTargetPeak}
}

// Assemble concatenates segments in index order and applies the speed
// transform. The result depends only on its inputs.
func Assemble(segments []audio.Segment, speed float64, opts Options) (audio.Buffer, error) {
	if len(segments) == 0 {
		return audio.Buffer{}, fault.Assembly(fmt.Errorf("%w: no segments", fault.ErrCorruptSegment))
	}
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return audio.Buffer{}, fault.Assembly(fmt.Errorf("invalid speed %v", speed))
	}
	if opts.Silence < 0 {
		return audio.Buffer{}, fault.Assembly(fmt.Errorf("negative silence %s", opts.Silence))
	}

	rate := segments[0].SampleRate
	if rate <= 0 {
		return audio.Buffer{}, fault.Assembly(fmt.Errorf("%w: sample rate %d", fault.ErrCorruptSegment, rate))
	}
	for _, seg := range segments[1:] {
		if seg.SampleRate != rate {
			return audio.Buffer{}, fault.Assembly(fmt.Errorf("%w: segment %d is %d Hz, expected %d Hz",
				fault.ErrSampleRateMismatch, seg.Index, seg.SampleRate, rate))
		}
	}

	ordered := make([]audio.Segment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Index == ordered[i-1].Index {
			return audio.Buffer{}, fault.Assembly(fmt.Errorf("%w: duplicate segment %d", fault.ErrCorruptSegment, ordered[i].Index))
		}
	}

	samples := concat(ordered, silenceSamples(opts.Silence, rate))
	if opts.Normalize {
		normalize(samples, opts.TargetPeak)
	}
	if speed != 1.0 {
		samples = resample(samples, speed)
	}
	return audio.Buffer{Samples: samples, SampleRate: rate}, nil
}

func silenceSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

func concat(segments []audio.Segment, gap int) []float32 {
	total := gap * (len(segments) - 1)
	for _, seg := range segments {
		total += len(seg.Samples)
	}
	out := make([]float32, 0, total)
	for i, seg := range segments {
		if i > 0 {
			out = append(out, make([]float32, gap)...)
		}
		out = append(out, seg.Samples...)
	}
	return out
}

// normalize scales samples in place so the loudest one sits at target.
// All-silent input is left as is.
func normalize(samples []float32, target float64) {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 || target <= 0 {
		return
	}
	limit := float32(target)
	if float64(limit) > target {
		limit = math.Nextafter32(limit, 0)
	}
	gain := target / peak
	for i, s := range samples {
		v := float32(float64(s) * gain)
		if v > limit {
			v = limit
		} else if v < -limit {
			v = -limit
		}
		samples[i] = v
	}
}

// resample stretches samples to len/speed samples by linear interpolation.
func resample(samples []float32, speed float64) []float32 {
	if len(samples) == 0 {
		return samples
	}
	n := int(math.Round(float64(len(samples)) / speed))
	if n < 1 {
		n = 1
	}
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * speed
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = float32(float64(samples[j])*(1-frac) + float64(samples[j+1])*frac)
	}
	return out
}
