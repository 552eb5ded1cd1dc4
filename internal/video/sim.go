package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// Sim frame size.
const (
	SimWidth  = 320
	SimHeight = 240
)

var simBars = []color.RGBA{
	{235, 235, 235, 255},
	{235, 235, 16, 255},
	{16, 235, 235, 255},
	{16, 235, 16, 255},
	{235, 16, 235, 255},
	{235, 16, 16, 255},
	{16, 16, 235, 255},
}

// SimGrabber renders colour bars with a marker that moves one column per
// frame, so consecutive frames differ.
type SimGrabber struct {
	name string

	mu     sync.Mutex
	frame  int
	closed bool
}

func NewSimGrabber(name string) *SimGrabber { return &SimGrabber{name: name} }

func (g *SimGrabber) Name() string { return g.name }

// Frames returns the number of frames rendered.
func (g *SimGrabber) Frames() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frame
}

func (g *SimGrabber) Grab(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, errClosed
	}
	n := g.frame
	g.frame++
	g.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, SimWidth, SimHeight))
	barWidth := SimWidth / len(simBars)
	marker := n % SimWidth
	for y := 0; y < SimHeight; y++ {
		for x := 0; x < SimWidth; x++ {
			c := simBars[min(x/barWidth, len(simBars)-1)]
			if y >= SimHeight*3/4 {
				c = color.RGBA{16, 16, 16, 255}
				if x == marker || x == marker+1 {
					c = color.RGBA{235, 235, 235, 255}
				}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", g.name, err)
	}
	return buf.Bytes(), nil
}

func (g *SimGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}
