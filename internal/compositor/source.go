package compositor

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// FrameSource is one live video input: the latest decoded frame, if any,
// plus an optional audio track.
type FrameSource interface {
	// Frame returns the most recent frame. ok is false until the source has
	// decoded its first frame.
	Frame() (img image.Image, ok bool)
	// AudioTrack returns nil when the source carries no audio.
	AudioTrack() AudioTrack
}

// PatternSource is a synthetic camera: a solid field with a bar sweeping
// across it once per second.
type PatternSource struct {
	width, height int
	fill          color.RGBA
	readyAt       time.Time
	start         time.Time
	audio         AudioTrack

	mu  sync.Mutex
	img *image.RGBA
}

// NewPatternSource returns a w x h pattern in fill. It reports no frame
// until readyAfter has elapsed.
func NewPatternSource(w, h int, fill color.RGBA, readyAfter time.Duration, audio AudioTrack) *PatternSource {
	now := time.Now()
	return &PatternSource{
		width:   w,
		height:  h,
		fill:    fill,
		readyAt: now.Add(readyAfter),
		start:   now,
		audio:   audio,
		img:     image.NewRGBA(image.Rect(0, 0, w, h)),
	}
}

// Frame implements FrameSource.
func (p *PatternSource) Frame() (image.Image, bool) {
	now := time.Now()
	if now.Before(p.readyAt) {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	draw.Draw(p.img, p.img.Bounds(), image.NewUniform(p.fill), image.Point{}, draw.Src)
	phase := now.Sub(p.start).Seconds()
	phase -= math.Floor(phase)
	barW := p.width / 10
	x := int(phase * float64(p.width-barW))
	bar := image.Rect(x, 0, x+barW, p.height)
	draw.Draw(p.img, bar, image.NewUniform(color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}), image.Point{}, draw.Src)

	out := image.NewRGBA(p.img.Bounds())
	copy(out.Pix, p.img.Pix)
	return out, true
}

// AudioTrack implements FrameSource.
func (p *PatternSource) AudioTrack() AudioTrack {
	return p.audio
}

// ImageSource shows a still image, e.g. a poster frame for an absent camera.
type ImageSource struct {
	img   image.Image
	audio AudioTrack
}

// LoadImageSource decodes a PNG or JPEG file.
func LoadImageSource(path string, audio AudioTrack) (*ImageSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return &ImageSource{img: img, audio: audio}, nil
}

// Frame implements FrameSource.
func (s *ImageSource) Frame() (image.Image, bool) {
	return s.img, s.img != nil
}

// AudioTrack implements FrameSource.
func (s *ImageSource) AudioTrack() AudioTrack {
	return s.audio
}

// SineTrack generates a continuous tone.
type SineTrack struct {
	freq       float64
	sampleRate int
	amplitude  float64

	mu    sync.Mutex
	phase float64
}

// NewSineTrack returns a tone of freq Hz at amplitude (0..1 of full scale).
func NewSineTrack(freq float64, sampleRate int, amplitude float64) *SineTrack {
	return &SineTrack{freq: freq, sampleRate: sampleRate, amplitude: amplitude}
}

// ReadPCM implements AudioTrack.
func (s *SineTrack) ReadPCM(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := 2 * math.Pi * s.freq / float64(s.sampleRate)
	for i := range buf {
		buf[i] = int16(s.amplitude * math.MaxInt16 * math.Sin(s.phase))
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return len(buf), nil
}
