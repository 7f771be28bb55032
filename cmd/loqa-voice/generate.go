package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/spf13/cobra"
)

type generateOptions struct {
	voice string
	text  string
	file  string
	speed float64
	out   string
}

func newGenerateCommand(opts *options) *cobra.Command {
	g := &generateOptions{}
	cmd := &cobra.Command{
		Use:     "generate",
		Short:   "Speak text in a cloned voice and write a WAV file",
		Example: `loqa-voice generate --voice alice --text "Hello there." --out hello.wav`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, opts, g)
		},
	}
	cmd.Flags().StringVar(&g.voice, "voice", "", "Name of the cloned voice")
	cmd.Flags().StringVar(&g.text, "text", "", "Text to speak")
	cmd.Flags().StringVarP(&g.file, "file", "f", "", "Read the text from a file")
	cmd.Flags().Float64Var(&g.speed, "speed", 1.0, "Playback speed factor")
	cmd.Flags().StringVarP(&g.out, "out", "o", "", "Output WAV path (defaults to the output directory)")
	_ = cmd.MarkFlagRequired("voice")
	cmd.MarkFlagsMutuallyExclusive("text", "file")
	return cmd
}

func runGenerate(cmd *cobra.Command, opts *options, g *generateOptions) error {
	text := g.text
	if g.file != "" {
		data, err := os.ReadFile(g.file)
		if err != nil {
			return fmt.Errorf("read text file: %w", err)
		}
		text = string(data)
	}
	if text == "" {
		return errors.New("one of --text or --file is required")
	}

	p, cfg, err := opts.pipeline(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	out := g.out
	if out == "" {
		out = filepath.Join(cfg.Output.Directory, uuid.NewString()+".wav")
	}

	w := cmd.OutOrStdout()
	chunks := len(chunker.Split(text, cfg.Generation.MaxChunkLength))
	fmt.Fprintf(w, "Generating %d chunk(s), estimated %s\n", chunks, speech.FormatDuration(speech.EstimateDuration(chunks)))

	progress := pipeline.ObserverFunc(func(_ context.Context, _ *pipeline.Job, pr pipeline.Progress) {
		fmt.Fprintf(w, "  chunk %d/%d done, about %s left\n", pr.Completed, pr.Total, speech.FormatDuration(pr.ETA))
	})
	res, err := p.Speech.Generate(cmd.Context(), speech.Request{
		Text:       text,
		Voice:      g.voice,
		Speed:      g.speed,
		OutputPath: out,
	}, progress)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote %s (%s of audio) in %s\n",
		res.OutputPath,
		res.Audio.Duration().Round(100*time.Millisecond),
		speech.FormatDuration(res.Elapsed))
	return nil
}
