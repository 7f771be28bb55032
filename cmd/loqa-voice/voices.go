package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newVoicesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "Manage cloned voices (list, clone, delete)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newVoicesListCommand(opts),
		newVoicesCloneCommand(opts),
		newVoicesDeleteCommand(opts),
	)
	return cmd
}

func newVoicesListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cloned voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := opts.pipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			refs, err := p.Speech.ListVoices()
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No voices cloned yet.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tREFERENCE TEXT")
			for _, ref := range refs {
				fmt.Fprintf(tw, "%s\t%s\n", ref.Name, ref.Text)
			}
			return tw.Flush()
		},
	}
}

func newVoicesCloneCommand(opts *options) *cobra.Command {
	var name, text, audioPath string
	cmd := &cobra.Command{
		Use:     "clone",
		Short:   "Clone a voice from a WAV recording and its transcript",
		Example: `loqa-voice voices clone --name alice --audio alice.wav --text "What the recording says."`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(audioPath)
			if err != nil {
				return fmt.Errorf("open reference audio: %w", err)
			}
			defer f.Close()

			p, _, err := opts.pipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			ref, err := p.Speech.CloneVoice(cmd.Context(), name, text, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Voice %q cloned\n", ref.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Voice name")
	cmd.Flags().StringVar(&text, "text", "", "Transcript of the recording")
	cmd.Flags().StringVar(&audioPath, "audio", "", "Reference WAV recording")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("text")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func newVoicesDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a cloned voice and its cached embedding",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := opts.pipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Speech.DeleteVoice(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Voice %q deleted\n", args[0])
			return nil
		},
	}
}

func newJobsCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show recent generation jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := opts.pipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			jobs, err := p.Speech.Jobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVOICE\tCHUNKS\tSTATUS\tCREATED")
			for _, j := range jobs {
				status := j.Status
				if j.Stage != "" {
					status += " (" + j.Stage + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Voice, j.Chunks, status, j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of jobs to show")
	return cmd
}
