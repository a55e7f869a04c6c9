package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"chunkcast/internal/manifest"

	"github.com/spf13/cobra"
)

func newProbeCommand(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the manifest of a competition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.client().Probe(cmd.Context(), id)
			if err != nil {
				return err
			}
			printManifest(cmd, m)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "competition", "", "competition id")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}

func printManifest(cmd *cobra.Command, m manifest.Manifest) {
	var missing []uint64
	for _, e := range m.Entries {
		if !e.Available {
			missing = append(missing, e.Sequence)
		}
	}
	ext := string(m.Extension)
	if ext == "" {
		ext = "-"
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "competition\t%s\n", m.CompetitionID)
	fmt.Fprintf(tw, "extension\t%s\n", ext)
	fmt.Fprintf(tw, "highest\t%d\n", m.Highest)
	fmt.Fprintf(tw, "available\t%s\n", joinSeqs(m.Available()))
	fmt.Fprintf(tw, "missing\t%s\n", joinSeqs(missing))
	fmt.Fprintf(tw, "finalized\t%t\n", m.Finalized)
	tw.Flush()
}

func joinSeqs(seqs []uint64) string {
	if len(seqs) == 0 {
		return "-"
	}
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = fmt.Sprint(s)
	}
	return strings.Join(parts, ",")
}
