package cli

import (
	"context"
	"fmt"
	"image/color"
	"time"

	"chunkcast/internal/compositor"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/config"
	"chunkcast/internal/session"
	"chunkcast/internal/transport"

	"github.com/spf13/cobra"
)

// stopTimeout bounds the upload drain and finalize after recording ends.
const stopTimeout = 2 * time.Minute

type produceOptions struct {
	id            string
	duration      time.Duration
	left, right   string
	chunkInterval time.Duration
	fps           int
	tone          bool
}

func newProduceCommand(a *app) *cobra.Command {
	o := &produceOptions{}
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Record a side-by-side composite and upload it in chunks",
		Long: `Composites two sources (test patterns or still images) into one canvas,
records it with ffmpeg in fixed-length chunks, uploads every chunk and
finalizes the competition when --duration elapses or on interrupt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.produce(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.id, "competition", "", "competition id")
	f.DurationVar(&o.duration, "duration", 30*time.Second, "recording length")
	f.StringVar(&o.left, "left", "", "PNG/JPEG shown on the left (default: test pattern)")
	f.StringVar(&o.right, "right", "", "PNG/JPEG shown on the right (default: test pattern)")
	f.DurationVar(&o.chunkInterval, "chunk-interval", config.GetEnvDuration("CHUNK_INTERVAL", 3*time.Second), "length of one chunk")
	f.IntVar(&o.fps, "fps", config.GetEnvInt("CAPTURE_FPS", 30), "recorded frame rate")
	f.BoolVar(&o.tone, "tone", true, "give each side a test tone")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}

func (a *app) produce(cmd *cobra.Command, o *produceOptions) error {
	ff, err := media.NewFFmpeg()
	if err != nil {
		return err
	}
	left, err := source(o.left, color.RGBA{R: 0x20, G: 0x40, B: 0xa0, A: 0xff}, o.tone, 440)
	if err != nil {
		return err
	}
	right, err := source(o.right, color.RGBA{R: 0xa0, G: 0x30, B: 0x20, A: 0xff}, o.tone, 660)
	if err != nil {
		return err
	}

	w := cmd.ErrOrStderr()
	sess := session.New(o.id)
	tr := transport.New(transport.Config{ServerURL: a.serverURL, Client: a.httpClient(), Logger: a.log}, sess)
	comp := compositor.New(compositor.Config{
		Local:         left,
		Remote:        right,
		CaptureFPS:    o.fps,
		ChunkInterval: o.chunkInterval,
		Encoder:       compositor.FFmpegEncoder{FF: ff},
		Session:       sess,
		Transport:     tr,
		Callbacks: compositor.Callbacks{
			OnRecordingStarted: func(f media.Format) { fmt.Fprintf(w, "recording %s\n", f) },
			OnChunkUploaded:    func(seq uint64) { fmt.Fprintf(w, "chunk %d uploaded\n", seq) },
			OnChunkFailed:      func(seq uint64, err error) { fmt.Fprintf(w, "chunk %d lost: %v\n", seq, err) },
			OnError:            func(err error) { fmt.Fprintf(w, "warning: %v\n", err) },
		},
		Logger: a.log,
	})

	comp.StartCompositing()
	defer comp.StopCompositing()

	if _, err := comp.StartRecording(cmd.Context()); err != nil {
		return err
	}
	select {
	case <-time.After(o.duration):
	case <-cmd.Context().Done():
		fmt.Fprintln(w, "interrupted, finishing uploads")
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), stopTimeout)
	defer cancel()
	res, err := comp.StopRecording(ctx)
	stats := comp.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "produced %d, uploaded %d chunks in %s\n",
		stats.SegmentsProduced, stats.SegmentsUploaded, stats.Elapsed.Round(time.Second))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "video: %s\n", res.VideoURL)
	return nil
}

func source(path string, fill color.RGBA, tone bool, freq float64) (compositor.FrameSource, error) {
	var audio compositor.AudioTrack
	if tone {
		audio = compositor.NewSineTrack(freq, media.DefaultSampleRate, 0.2)
	}
	if path == "" {
		return compositor.NewPatternSource(640, 360, fill, 0, audio), nil
	}
	src, err := compositor.LoadImageSource(path, audio)
	if err != nil {
		return nil, err
	}
	return src, nil
}
