package cli

import (
	"fmt"
	"io"
	"time"

	"chunkcast/internal/manifest"
	"chunkcast/internal/platform/config"
	"chunkcast/internal/player"

	"github.com/spf13/cobra"
)

// fallbackSegmentDuration is how long a segment with no readable timing is shown.
const fallbackSegmentDuration = 3 * time.Second

func newWatchCommand(a *app) *cobra.Command {
	var (
		id           string
		push         bool
		out          string
		pollInterval time.Duration
		gapTolerance int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a live competition segment by segment",
		Long: `Plays the competition's segments strictly in order on the wall clock,
writing each shown segment to --out, until the producer finalizes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := a.client()
			var prober manifest.Prober = client
			if push {
				pp := manifest.NewPushProber(client)
				defer pp.Close()
				prober = pp
			}

			var sink io.Writer
			if out != "" {
				f, err := createOutput(cmd, out)
				if err != nil {
					return err
				}
				defer f.Close()
				sink = f
			}

			w := cmd.ErrOrStderr()
			p, err := player.NewLivePlayer(player.LiveConfig{
				CompetitionID: id,
				Prober:        prober,
				Fetcher:       client,
				Slots:         player.NewClockSlotPair(sink, fallbackSegmentDuration, a.log),
				PollInterval:  pollInterval,
				GapTolerance:  gapTolerance,
				Callbacks: player.LiveCallbacks{
					OnStateChange: func(s player.State) { fmt.Fprintf(w, "state: %s\n", s) },
					OnProgress: func(current, total uint64) {
						fmt.Fprintf(w, "segment %d/%d\n", current, total)
					},
					OnError: func(err error) { fmt.Fprintf(w, "error: %v\n", err) },
				},
				Logger: a.log,
			})
			if err != nil {
				return err
			}
			defer p.Destroy()

			if err := p.Start(cmd.Context()); err != nil {
				return err
			}
			select {
			case <-p.Done():
			case <-cmd.Context().Done():
			}
			cur := p.Cursor()
			fmt.Fprintf(cmd.OutOrStdout(), "%s at segment %d\n", p.State(), cur.CurrentIndex)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "competition", "", "competition id")
	f.BoolVar(&push, "push", false, "follow the manifest over websocket instead of polling")
	f.StringVar(&out, "out", "", "file receiving the bytes of every shown segment (- for stdout)")
	f.DurationVar(&pollInterval, "poll-interval", config.GetEnvDuration("POLL_INTERVAL", 2*time.Second), "manifest poll interval")
	f.IntVar(&gapTolerance, "gap-tolerance", 3, "polls to wait for a missing segment once finalized")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}
