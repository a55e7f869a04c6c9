package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"chunkcast/internal/media"
	"chunkcast/internal/player"

	"github.com/spf13/cobra"
)

type vodOptions struct {
	id  string
	out string
}

func newVodCommand(a *app) *cobra.Command {
	o := &vodOptions{}
	cmd := &cobra.Command{
		Use:   "vod",
		Short: "Replay or export a finalized competition",
	}
	cmd.PersistentFlags().StringVar(&o.id, "competition", "", "competition id")
	_ = cmd.MarkPersistentFlagRequired("competition")

	cmd.AddCommand(
		newVodDownloadCommand(a, o),
		newVodMP4Command(a, o),
		newVodInfoCommand(a, o),
		newVodPlayCommand(a, o),
	)
	return cmd
}

// startVod starts a player for the competition and reports loading progress
// on stderr.
func (a *app) startVod(cmd *cobra.Command, o *vodOptions, slot player.Slot, conv player.Converter) (*player.VodPlayer, error) {
	client := a.client()
	w := cmd.ErrOrStderr()
	p, err := player.NewVodPlayer(player.VodConfig{
		CompetitionID: o.id,
		Prober:        client,
		Fetcher:       client,
		Slot:          slot,
		Converter:     conv,
		Callbacks: player.VodCallbacks{
			OnChunkLoaded: func(seq uint64, loaded, total int) {
				a.log.Debug("segment loaded", "sequence", seq, "loaded", loaded, "total", total)
			},
			OnError: func(err error) { fmt.Fprintf(w, "warning: %v\n", err) },
			OnStage: func(s player.Stage) { fmt.Fprintf(w, "%s\n", s) },
		},
		Logger: a.log,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Start(cmd.Context()); err != nil {
		p.Destroy()
		if errors.Is(err, player.ErrNotFinalized) {
			return nil, fmt.Errorf("competition %s is still live; use watch: %w", o.id, err)
		}
		return nil, err
	}
	return p, nil
}

func newVodDownloadCommand(a *app, o *vodOptions) *cobra.Command {
	var serverSide bool
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Write the whole recording in its original container",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := createOutput(cmd, o.out)
			if err != nil {
				return err
			}
			defer f.Close()

			if serverSide {
				n, err := a.client().DownloadVideo(cmd.Context(), o.id, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes\n", n)
				return nil
			}

			p, err := a.startVod(cmd, o, nil, nil)
			if err != nil {
				return err
			}
			defer p.Destroy()
			n, err := p.DownloadVideo(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes (%s)\n", n, p.Extension())
			return nil
		},
	}
	cmd.Flags().StringVar(&o.out, "out", "", "output file (- for stdout)")
	cmd.Flags().BoolVar(&serverSide, "server-side", false, "fetch the store's assembled video instead of reassembling segments")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newVodMP4Command(a *app, o *vodOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mp4",
		Short: "Convert a WebM recording to MP4 with ffmpeg",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ff, err := media.NewFFmpeg()
			if err != nil {
				return err
			}
			p, err := a.startVod(cmd, o, nil, ff)
			if err != nil {
				return err
			}
			defer p.Destroy()
			if !p.CanDownloadAsMP4() {
				return fmt.Errorf("recording is %s already; use vod download: %w", p.Extension(), player.ErrAlreadyMP4)
			}

			f, err := createOutput(cmd, o.out)
			if err != nil {
				return err
			}
			defer f.Close()
			return p.DownloadAsMP4(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&o.out, "out", "", "output file (- for stdout)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newVodInfoCommand(a *app, o *vodOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Preload every segment and print the timeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.startVod(cmd, o, nil, nil)
			if err != nil {
				return err
			}
			defer p.Destroy()
			// Downloading to nowhere waits for every segment to resolve.
			if _, err := p.DownloadVideo(cmd.Context(), io.Discard); err != nil && !errors.Is(err, player.ErrNoSegments) {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			loaded, total := p.Loaded()
			fmt.Fprintf(tw, "extension\t%s\n", p.Extension())
			fmt.Fprintf(tw, "segments\t%d/%d\n", loaded, total)
			fmt.Fprintf(tw, "duration\t%s\n", p.TotalDuration().Round(time.Millisecond))
			var start time.Duration
			for i, d := range p.SegmentDurations() {
				fmt.Fprintf(tw, "  #%d\t%s +%s\n", i+1, start.Round(time.Millisecond), d.Round(time.Millisecond))
				start += d
			}
			return tw.Flush()
		},
	}
}

func newVodPlayCommand(a *app, o *vodOptions) *cobra.Command {
	var seek time.Duration
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play the recording on the wall clock, optionally from a position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sink io.Writer
			if o.out != "" {
				f, err := createOutput(cmd, o.out)
				if err != nil {
					return err
				}
				defer f.Close()
				sink = f
			}
			p, err := a.startVod(cmd, o, player.NewClockSlot(sink, fallbackSegmentDuration, a.log), nil)
			if err != nil {
				return err
			}
			defer p.Destroy()

			if seek > 0 {
				c, err := p.SeekTo(cmd.Context(), seek)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "seek to segment %d\n", c.CurrentIndex)
			}
			if err := p.Play(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "played %s\n", p.TotalDuration().Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&o.out, "out", "", "file receiving the bytes of every played segment")
	cmd.Flags().DurationVar(&seek, "seek", 0, "start position")
	return cmd
}
