package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/spf13/cobra"
)

func newChunkCommand() *cobra.Command {
	var maxLen int
	cmd := &cobra.Command{
		Use:   "chunk [text]",
		Short: "Show how text is split for synthesis",
		Long:  "Show how text is split for synthesis. Reads stdin when no text is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 1 {
				text = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(data)
			}
			printChunks(cmd.OutOrStdout(), chunker.Split(text, maxLen))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxLen, "max", chunker.DefaultMaxLength, "Maximum characters per chunk")
	return cmd
}

func printChunks(w io.Writer, chunks []chunker.Chunk) {
	for _, c := range chunks {
		flag := ""
		if c.Oversized {
			flag = " oversized"
		}
		fmt.Fprintf(w, "[%d] (%d%s) %s\n", c.Index, c.Length, flag, strings.TrimSpace(c.Text))
	}
}
