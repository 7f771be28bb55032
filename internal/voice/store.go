// Package voice stores cloned reference voices on disk. Each voice is a
// <name>.txt transcript, a <name>.wav reference recording and, once computed,
// a <name>.emb speaker embedding.
package voice

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/fault"
)

const (
	textExt      = ".txt"
	audioExt     = ".wav"
	embeddingExt = ".emb"
)

var (
	ErrVoiceExists = errors.New("voice already exists")
	ErrInvalidName = errors.New("invalid voice name")

	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// Reference is a cloned voice as the pipeline sees it.
type Reference struct {
	Name          string `json:"name"`
	Text          string `json:"reference_text"`
	AudioPath     string `json:"reference_audio_path"`
	EmbeddingPath string `json:"embedding_cache_path"`
}

type Store struct {
	dir string
	log *slog.Logger
	mu  sync.RWMutex
}

func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create voices dir: %w", err)
	}
	return &Store{dir: dir, log: log.With(slog.String("component", "voice-store"))}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) paths(name string) Reference {
	return Reference{
		Name:          name,
		AudioPath:     filepath.Join(s.dir, name+audioExt),
		EmbeddingPath: filepath.Join(s.dir, name+embeddingExt),
	}
}

func (s *Store) textPath(name string) string {
	return filepath.Join(s.dir, name+textExt)
}

// List returns every voice that has both a transcript and a recording,
// sorted by name.
func (s *Store) List() ([]Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read voices dir: %w", err)
	}
	var voices []Reference
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), textExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), textExt)
		ref, err := s.loadLocked(name)
		if err != nil {
			if !errors.Is(err, fault.ErrVoiceNotFound) {
				s.log.Warn("skipping unreadable voice", slog.String("voice", name), slogError(err))
			}
			continue
		}
		voices = append(voices, ref)
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].Name < voices[j].Name })
	return voices, nil
}

func (s *Store) Exists(name string) bool {
	_, err := s.Load(name)
	return err == nil
}

// Load returns the named voice or an error wrapping fault.ErrVoiceNotFound.
func (s *Store) Load(name string) (Reference, error) {
	if !validName.MatchString(name) {
		return Reference{}, fmt.Errorf("%w: %q", fault.ErrVoiceNotFound, name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(name)
}

func (s *Store) loadLocked(name string) (Reference, error) {
	ref := s.paths(name)
	data, err := os.ReadFile(s.textPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Reference{}, fmt.Errorf("%w: %q", fault.ErrVoiceNotFound, name)
		}
		return Reference{}, fmt.Errorf("read reference text: %w", err)
	}
	if _, err := os.Stat(ref.AudioPath); err != nil {
		if os.IsNotExist(err) {
			return Reference{}, fmt.Errorf("%w: %q", fault.ErrVoiceNotFound, name)
		}
		return Reference{}, err
	}
	ref.Text = strings.TrimSpace(string(data))
	return ref, nil
}

// Clone stores a new voice from a WAV recording and its transcript. The
// transcript is written last, so a voice only becomes visible once complete.
func (s *Store) Clone(name, text string, recording io.Reader) (Reference, error) {
	name = strings.TrimSpace(name)
	text = strings.TrimSpace(text)
	if !validName.MatchString(name) {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if text == "" {
		return Reference{}, fault.ErrReferenceTextEmpty
	}
	if recording == nil {
		return Reference{}, fault.ErrReferenceAudioMissing
	}
	data, err := io.ReadAll(recording)
	if err != nil {
		return Reference{}, fmt.Errorf("read reference audio: %w", err)
	}
	if _, err := audio.DecodeWAV(bytes.NewReader(data)); err != nil {
		return Reference{}, fmt.Errorf("%w: %w", fault.ErrReferenceAudioMissing, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.textPath(name)); err == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrVoiceExists, name)
	}
	ref := s.paths(name)
	// A leftover embedding would belong to an older recording.
	if err := removeIfExists(ref.EmbeddingPath); err != nil {
		return Reference{}, err
	}
	if err := writeFileAtomic(ref.AudioPath, data); err != nil {
		return Reference{}, fmt.Errorf("write reference audio: %w", err)
	}
	if err := writeFileAtomic(s.textPath(name), []byte(text)); err != nil {
		_ = os.Remove(ref.AudioPath)
		return Reference{}, fmt.Errorf("write reference text: %w", err)
	}
	ref.Text = text
	s.log.Info("voice cloned", slog.String("voice", name))
	return ref, nil
}

// Delete removes the embedding, then the transcript and recording of a voice.
func (s *Store) Delete(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", fault.ErrVoiceNotFound, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.paths(name)
	txt := s.textPath(name)
	if _, err := os.Stat(txt); os.IsNotExist(err) {
		return fmt.Errorf("%w: %q", fault.ErrVoiceNotFound, name)
	}
	// The embedding goes first; if it cannot be removed the voice stays
	// intact rather than surviving as a recording with a stale embedding.
	if err := removeIfExists(ref.EmbeddingPath); err != nil {
		return fmt.Errorf("delete voice %q: %w", name, err)
	}
	var errs []error
	for _, path := range []string{txt, ref.AudioPath} {
		if err := removeIfExists(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete voice %q: %w", name, err)
	}
	s.log.Info("voice deleted", slog.String("voice", name))
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".voice-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
