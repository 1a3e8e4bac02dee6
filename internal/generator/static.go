package generator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
)

var staticNames = []string{
	"Ember Vale", "Quill Morrow", "Sable Thorn", "Juniper Ash", "Orrin Flint",
	"Wren Halloway", "Cobalt Finch", "Marigold Rook", "Tamsin Reed", "Basil Crane",
}

// Static generates deterministic characters with identicon avatars. It
// needs no network and suits local chains and tests.
type Static struct {
	theme string

	mu   sync.Mutex
	next uint64
}

// NewStatic returns a Static generator.
func NewStatic(theme string) *Static {
	return &Static{theme: theme}
}

// Generate returns n drafts continuing from the previous call.
func (s *Static) Generate(ctx context.Context, n int) ([]Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	s.mu.Lock()
	start := s.next
	s.next += uint64(n)
	s.mu.Unlock()

	drafts := make([]Draft, n)
	for i := range drafts {
		seq := start + uint64(i)
		name := staticNames[seq%uint64(len(staticNames))]
		if gen := seq / uint64(len(staticNames)); gen > 0 {
			name = fmt.Sprintf("%s %d", name, gen+1)
		}
		avatar, err := identicon(seq)
		if err != nil {
			return nil, fmt.Errorf("%w: rendering avatar: %w", ErrGeneration, err)
		}
		drafts[i] = Draft{
			Name:        name,
			Symbol:      NormalizeSymbol("", name),
			Description: fmt.Sprintf("%s, a character of %s.", name, s.theme),
			Avatar:      avatar,
		}
	}
	return drafts, nil
}

// identicon renders a symmetric 8x8 pattern scaled to 256px.
func identicon(seq uint64) ([]byte, error) {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], seq)
	sum := sha256.Sum256(seed[:])

	const cells, scale = 8, 32
	fg := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 0xff}
	bg := color.RGBA{R: 0xf4, G: 0xf1, B: 0xea, A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, cells*scale, cells*scale))
	for y := 0; y < cells; y++ {
		for x := 0; x < cells/2; x++ {
			c := bg
			bit := y*cells/2 + x
			if sum[3+bit/8]>>(bit%8)&1 == 1 {
				c = fg
			}
			fill(img, x, y, scale, c)
			fill(img, cells-1-x, y, scale, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fill(img *image.RGBA, cx, cy, scale int, c color.RGBA) {
	for y := cy * scale; y < (cy+1)*scale; y++ {
		for x := cx * scale; x < (cx+1)*scale; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}
