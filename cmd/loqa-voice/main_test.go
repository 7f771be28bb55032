package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`voices:
  directory: %q
history:
  path: %q
output:
  directory: %q
model:
  sample_rate: 8000
  embedding_size: 8
`, filepath.Join(dir, "samples"), filepath.Join(dir, "history.db"), filepath.Join(dir, "output"))
	path := filepath.Join(dir, "loqa-voice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "loqa-voice "+version+"\n", out)
}

func TestChunkCommand(t *testing.T) {
	out, err := execute(t, "chunk", "--max", "20", "First sentence here. Second one follows.")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[0] (20) First sentence here.", lines[0])
	assert.Equal(t, "[1] (19) Second one follows.", lines[1])
}

func TestCloneGenerateDelete(t *testing.T) {
	cfgPath := writeConfig(t)
	ref := filepath.Join(t.TempDir(), "alice.wav")
	require.NoError(t, audio.WriteWAVFile(ref, audio.Buffer{SampleRate: 8000, Samples: []float32{0, 0.4, -0.4, 0.2}}))

	out, err := execute(t, "--config", cfgPath, "voices", "clone", "--name", "alice", "--audio", ref, "--text", "Hello from Alice.")
	require.NoError(t, err)
	assert.Contains(t, out, `Voice "alice" cloned`)

	out, err = execute(t, "--config", cfgPath, "voices", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "Hello from Alice.")

	wav := filepath.Join(t.TempDir(), "speech.wav")
	out, err = execute(t, "--config", cfgPath, "generate", "--voice", "alice", "--text", "Good morning. How are you?", "--out", wav)
	require.NoError(t, err)
	assert.Contains(t, out, "Generating 1 chunk(s)")
	assert.Contains(t, out, "chunk 1/1 done")
	buf, err := audio.ReadWAVFile(wav)
	require.NoError(t, err)
	assert.Equal(t, 8000, buf.SampleRate)

	out, err = execute(t, "--config", cfgPath, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")

	_, err = execute(t, "--config", cfgPath, "voices", "delete", "alice")
	require.NoError(t, err)

	_, err = execute(t, "--config", cfgPath, "generate", "--voice", "alice", "--text", "Anyone there?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice not found")
}

func TestGenerateRequiresText(t *testing.T) {
	_, err := execute(t, "--config", writeConfig(t), "generate", "--voice", "alice")
	require.Error(t, err)
}
