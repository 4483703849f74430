package extract

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/helio-tiles/server/internal/tile"
)

// Blanks holds the fixed empty tile of each format. The bytes never change
// for the lifetime of the value.
type Blanks struct {
	png  []byte
	jpeg []byte
}

// NewBlanks renders the empty tiles for a tile size: fully transparent PNG
// and black JPEG (JPEG has no alpha channel).
func NewBlanks(tileSize int) (*Blanks, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", tileSize)
	}
	rect := image.Rect(0, 0, tileSize, tileSize)

	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, image.NewNRGBA(rect)); err != nil {
		return nil, fmt.Errorf("failed to encode blank png: %w", err)
	}

	black := image.NewRGBA(rect)
	draw.Draw(black, rect, image.NewUniform(color.Black), image.Point{}, draw.Src)
	var jpegBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, black, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode blank jpeg: %w", err)
	}

	return &Blanks{png: pngBuf.Bytes(), jpeg: jpegBuf.Bytes()}, nil
}

// For returns the blank artifact of a format. Callers must not modify it.
func (b *Blanks) For(f tile.Format) []byte {
	if f == tile.JPEG {
		return b.jpeg
	}
	return b.png
}
