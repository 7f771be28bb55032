package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/mattn/go-shellwords"
)

const maxResponseLine = 32 << 20

// execModel drives an external inference process. Each call starts the
// command, writes one JSON request to stdin and reads JSON lines from stdout.
type execModel struct {
	cmd        []string
	sampleRate int
	concurrent bool
	mu         sync.Mutex
}

type execRequest struct {
	Op         string         `json:"op"`
	Text       string         `json:"text"`
	AudioPath  string         `json:"audio_path,omitempty"`
	Embedding  *execEmbedding `json:"embedding,omitempty"`
	SampleRate int            `json:"sample_rate"`
}

type execEmbedding struct {
	Shape  []int     `json:"shape"`
	Values []float32 `json:"values"`
}

type execResponse struct {
	Embedding  *execEmbedding `json:"embedding,omitempty"`
	PCMBase64  string         `json:"pcm_base64,omitempty"`
	SampleRate int            `json:"sample_rate,omitempty"`
	Final      bool           `json:"final"`
	Error      string         `json:"error,omitempty"`
}

func NewExecModel(command string, sampleRate int, concurrent bool) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command empty")
	}
	return &execModel{cmd: args, sampleRate: sampleRate, concurrent: concurrent}, nil
}

func (e *execModel) SupportsConcurrentInference() bool { return e.concurrent }

func (e *execModel) Encode(ctx context.Context, audioPath, text string) (Embedding, error) {
	var emb Embedding
	err := e.run(ctx, execRequest{Op: "encode", Text: text, AudioPath: audioPath, SampleRate: e.sampleRate}, func(resp execResponse) error {
		if resp.Embedding == nil {
			return nil
		}
		emb = Embedding{Shape: resp.Embedding.Shape, Values: resp.Embedding.Values}
		return nil
	})
	if err != nil {
		return Embedding{}, err
	}
	if err := emb.Validate(); err != nil {
		return Embedding{}, fmt.Errorf("model returned invalid embedding: %w", err)
	}
	return emb, nil
}

func (e *execModel) Synthesize(ctx context.Context, text string, embedding Embedding) (audio.Buffer, error) {
	req := execRequest{
		Op:         "synthesize",
		Text:       text,
		Embedding:  &execEmbedding{Shape: embedding.Shape, Values: embedding.Values},
		SampleRate: e.sampleRate,
	}
	out := audio.Buffer{SampleRate: e.sampleRate}
	err := e.run(ctx, req, func(resp execResponse) error {
		if resp.SampleRate > 0 {
			out.SampleRate = resp.SampleRate
		}
		if resp.PCMBase64 == "" {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode pcm: %w", err)
		}
		samples, err := audio.PCM16ToFloat(pcm)
		if err != nil {
			return err
		}
		out.Samples = append(out.Samples, samples...)
		return nil
	})
	if err != nil {
		return audio.Buffer{}, err
	}
	return out, nil
}

func (e *execModel) run(ctx context.Context, req execRequest, handle func(execResponse) error) error {
	if !e.concurrent {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start model command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)
	var handleErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || handleErr != nil {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			handleErr = fmt.Errorf("decode model response: %w", err)
			continue
		}
		if resp.Error != "" {
			handleErr = errors.New(resp.Error)
			continue
		}
		handleErr = handle(resp)
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("model command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if handleErr != nil {
		return handleErr
	}
	return scanErr
}
