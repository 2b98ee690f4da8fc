// Package video renders era timelapses for export. Every era contributes one
// held frame, and consecutive eras are bridged by eased cross-fade frames,
// encoded as MJPEG AVI or animated GIF.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"southmakuhari-history/internal/composite"
	"southmakuhari-history/internal/fade"
)

// Output container formats.
const (
	FormatAVI = "avi"
	FormatGIF = "gif"
)

// Options control the timing, size and decoration of an exported timelapse.
type Options struct {
	FPS         int     // frame rate of the fade segments
	HoldSeconds float64 // still time per era
	FadeSeconds float64 // cross-fade length between consecutive eras, 0 cuts hard
	ShowTitles  bool    // stamp each era's title into its frames
	Size        int     // output side length in pixels, 0 keeps the composite size
	Format      string  // FormatAVI or FormatGIF
	Quality     int     // JPEG quality for AVI frames, 1..100
	FontPath    string  // optional TTF/OTF for titles, built-in face when empty
	FontSize    float64
}

// DefaultOptions returns the timing and quality used when the caller does not
// override them.
func DefaultOptions() Options {
	return Options{
		FPS:         24,
		HoldSeconds: 2.0,
		FadeSeconds: 0.8,
		ShowTitles:  true,
		Format:      FormatAVI,
		Quality:     90,
		FontSize:    28,
	}
}

func (o Options) validate() error {
	if o.FPS < 1 || o.FPS > 60 {
		return fmt.Errorf("frame rate %d out of range 1..60", o.FPS)
	}
	if o.HoldSeconds <= 0 {
		return errors.New("hold duration must be positive")
	}
	if o.FadeSeconds < 0 {
		return errors.New("fade duration cannot be negative")
	}
	if o.Size < 0 {
		return errors.New("output size cannot be negative")
	}
	switch o.Format {
	case FormatAVI, FormatGIF:
	default:
		return fmt.Errorf("unsupported format %q (supported: avi, gif)", o.Format)
	}
	return nil
}

// EraFrame pairs one era's composed image with the title stamped onto it.
type EraFrame struct {
	Image image.Image
	Title string
}

// Exporter renders era frames into a single timelapse file.
type Exporter struct {
	opts   Options
	face   font.Face
	logger zerolog.Logger
}

// NewExporter validates opts and prepares the title face. A font path that
// cannot be loaded falls back to the built-in face with a warning.
func NewExporter(opts Options, logger zerolog.Logger) (*Exporter, error) {
	if opts.Quality <= 0 {
		opts.Quality = 90
	}
	if opts.Quality > 100 {
		opts.Quality = 100
	}
	if opts.FontSize <= 0 {
		opts.FontSize = 28
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	e := &Exporter{opts: opts, face: basicfont.Face7x13, logger: logger}
	if opts.ShowTitles && opts.FontPath != "" {
		face, err := loadFace(opts.FontPath, opts.FontSize)
		if err != nil {
			logger.Warn().Err(err).Str("path", opts.FontPath).Msg("title font unusable, using built-in face")
		} else {
			e.face = face
		}
	}
	return e, nil
}

// Close releases the title font face.
func (e *Exporter) Close() error {
	return e.face.Close()
}

// Export writes the timelapse for frames to outputPath. onProgress, when not
// nil, is called after each encoded sequence frame with done and total counts.
func (e *Exporter) Export(ctx context.Context, frames []EraFrame, outputPath string, onProgress func(done, total int)) error {
	if len(frames) == 0 {
		return errors.New("no era frames to export")
	}

	side := frames[0].Image.Bounds().Dx()
	if e.opts.Size > 0 {
		side = e.opts.Size
	}

	seq := e.buildSequence(e.prepareFrames(frames, side))

	var err error
	switch e.opts.Format {
	case FormatGIF:
		err = e.exportGIF(ctx, seq, side, outputPath, onProgress)
	default:
		err = e.exportAVI(ctx, seq, side, outputPath, onProgress)
	}
	if err != nil {
		return err
	}

	e.logger.Info().
		Str("path", outputPath).
		Str("format", e.opts.Format).
		Int("frames", len(seq)).
		Int("side", side).
		Msg("timelapse exported")
	return nil
}

// prepareFrames scales every era image to side and stamps titles. Work happens
// on copies; the caller's composites stay untouched.
func (e *Exporter) prepareFrames(frames []EraFrame, side int) []*image.RGBA {
	out := make([]*image.RGBA, len(frames))
	for i, f := range frames {
		img := toRGBA(composite.ScaleTo(f.Image, side))
		if e.opts.ShowTitles && f.Title != "" {
			e.drawTitle(img, f.Title)
		}
		out[i] = img
	}
	return out
}

// timedFrame is one display step of the sequence. A nil next shows base
// unchanged; otherwise base and next are blended by alpha.
type timedFrame struct {
	base    *image.RGBA
	next    *image.RGBA
	alpha   float64
	delayCS int // display time in hundredths of a second
}

func (tf timedFrame) render() *image.RGBA {
	if tf.next == nil {
		return tf.base
	}
	return blend(tf.base, tf.next, tf.alpha)
}

// buildSequence lays out one hold frame per era with the cross-fade frames
// between them. Fade alphas follow the same ease curve as the map transition.
func (e *Exporter) buildSequence(frames []*image.RGBA) []timedFrame {
	holdCS := int(math.Round(e.opts.HoldSeconds * 100))
	if holdCS < 1 {
		holdCS = 1
	}
	stepCS := int(math.Round(100 / float64(e.opts.FPS)))
	if stepCS < 1 {
		stepCS = 1
	}
	fadeCount := int(math.Round(e.opts.FadeSeconds * float64(e.opts.FPS)))

	seq := make([]timedFrame, 0, len(frames)+(len(frames)-1)*fadeCount)
	for i, img := range frames {
		seq = append(seq, timedFrame{base: img, delayCS: holdCS})
		if i == len(frames)-1 {
			continue
		}
		for f := 1; f <= fadeCount; f++ {
			t := float64(f) / float64(fadeCount+1)
			seq = append(seq, timedFrame{
				base:    img,
				next:    frames[i+1],
				alpha:   fade.Ease(t),
				delayCS: stepCS,
			})
		}
	}
	return seq
}

// blend mixes a toward b by alpha in fixed point. Both images share bounds
// anchored at the origin.
func blend(a, b *image.RGBA, alpha float64) *image.RGBA {
	out := image.NewRGBA(a.Bounds())
	w := uint32(math.Round(alpha * 256))
	if w > 256 {
		w = 256
	}
	inv := 256 - w
	for i := range out.Pix {
		out.Pix[i] = uint8((uint32(a.Pix[i])*inv + uint32(b.Pix[i])*w) >> 8)
	}
	return out
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
