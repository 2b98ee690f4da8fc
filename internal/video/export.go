package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"math"
	"os"

	"github.com/icza/mjpeg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// exportAVI writes the sequence as a Motion JPEG AVI. The container runs at a
// fixed frame rate, so every sequence frame is repeated to fill its display
// time.
func (e *Exporter) exportAVI(ctx context.Context, seq []timedFrame, side int, outputPath string, onProgress func(done, total int)) error {
	avi, err := mjpeg.New(outputPath, int32(side), int32(side), int32(e.opts.FPS))
	if err != nil {
		return fmt.Errorf("create avi writer: %w", err)
	}

	for i, tf := range seq {
		if err := ctx.Err(); err != nil {
			avi.Close()
			return err
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, tf.render(), &jpeg.Options{Quality: e.opts.Quality}); err != nil {
			avi.Close()
			return fmt.Errorf("encode frame %d: %w", i, err)
		}

		repeat := int(math.Round(float64(tf.delayCS) * float64(e.opts.FPS) / 100))
		if repeat < 1 {
			repeat = 1
		}
		for r := 0; r < repeat; r++ {
			if err := avi.AddFrame(buf.Bytes()); err != nil {
				avi.Close()
				return fmt.Errorf("write frame %d: %w", i, err)
			}
		}

		if onProgress != nil {
			onProgress(i+1, len(seq))
		}
	}

	if err := avi.Close(); err != nil {
		return fmt.Errorf("finalize avi: %w", err)
	}
	return nil
}

// exportGIF writes the sequence as an animated GIF. Each sequence frame is a
// single GIF frame carrying its display time as the frame delay.
func (e *Exporter) exportGIF(ctx context.Context, seq []timedFrame, side int, outputPath string, onProgress func(done, total int)) error {
	images := make([]*image.Paletted, 0, len(seq))
	delays := make([]int, 0, len(seq))

	for i, tf := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := tf.render()
		paletted := image.NewPaletted(frame.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, frame.Bounds(), frame, image.Point{})
		images = append(images, paletted)
		delays = append(delays, tf.delayCS)

		if onProgress != nil {
			onProgress(i+1, len(seq))
		}
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := gif.EncodeAll(f, &gif.GIF{
		Image: images,
		Delay: delays,
		Config: image.Config{
			Width:  side,
			Height: side,
		},
	}); err != nil {
		f.Close()
		return fmt.Errorf("encode gif: %w", err)
	}
	return f.Close()
}

// drawTitle stamps the era title near the lower left corner with a one pixel
// shadow under it.
func (e *Exporter) drawTitle(dst *image.RGBA, title string) {
	const pad = 16

	x := pad
	y := dst.Bounds().Dy() - pad

	shadow := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{A: 180}),
		Face: e.face,
		Dot:  fixed.P(x+1, y+1),
	}
	shadow.DrawString(title)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: e.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(title)
}

func loadFace(path string, size float64) (font.Face, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font file: %w", err)
	}
	f, err := opentype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}
	return face, nil
}
