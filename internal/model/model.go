package model

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Load builds the process-wide model instance from config.
func Load(cfg config.ModelConfig) (Model, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockModel(cfg.SampleRate, cfg.EmbeddingSize), nil
	case "exec":
		return NewExecModel(cfg.Command, cfg.SampleRate, cfg.Concurrent)
	default:
		return nil, fmt.Errorf("unsupported model mode %q", cfg.Mode)
	}
}

var phonemizerCommands = []string{"espeak-ng", "espeak"}

// FindPhonemizer locates the espeak backend the exec model relies on. An
// explicit PHONEMIZER_ESPEAK_LIBRARY wins over a PATH lookup.
func FindPhonemizer() (string, error) {
	if lib := os.Getenv("PHONEMIZER_ESPEAK_LIBRARY"); lib != "" {
		if _, err := os.Stat(lib); err == nil {
			return lib, nil
		}
	}
	for _, name := range phonemizerCommands {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("espeak-ng not found on PATH; install it from https://github.com/espeak-ng/espeak-ng/releases")
}
