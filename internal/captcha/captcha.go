// Package captcha renders short alphanumeric challenges as noisy PNG
// images for the login form.
package captcha

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	mrand "math/rand"
	"strings"
	"sync"
	"time"
)

const (
	challengeLen = 4
	defaultTTL   = 5 * time.Minute
	imageWidth   = 160
	imageHeight  = 50
)

// chars used in captcha text (no ambiguous chars like 0/O, 1/l/I)
const chars = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// Challenge holds the captcha ID and base64-encoded PNG image.
type Challenge struct {
	ID    string `json:"id"`
	Image string `json:"image"` // data:image/png;base64,...
}

type entry struct {
	answer    string
	expiresAt time.Time
}

// Store issues and validates captcha challenges. Challenges expire after a
// TTL and are consumed on the first validation attempt.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	rng     *mrand.Rand
}

// NewStore creates a captcha store with the default TTL.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		ttl:     defaultTTL,
		rng:     mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// Generate creates a new challenge and returns its ID plus the rendered
// PNG as a data URI. Expired entries are swept on each call.
func (s *Store) Generate() *Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sweepLocked(now)

	answer := s.newAnswerLocked()
	id := newChallengeID()
	s.entries[id] = entry{answer: answer, expiresAt: now.Add(s.ttl)}

	return &Challenge{ID: id, Image: pngDataURI(s.paintLocked(answer))}
}

func (s *Store) sweepLocked(now time.Time) {
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

func (s *Store) newAnswerLocked() string {
	text := make([]byte, challengeLen)
	for i := range text {
		text[i] = chars[s.rng.Intn(len(chars))]
	}
	return string(text)
}

// Validate checks the answer (case-insensitive) and consumes the
// captcha whether or not the answer matches.
func (s *Store) Validate(id, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	return time.Now().Before(e.expiresAt) && strings.EqualFold(answer, e.answer)
}

func newChallengeID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("cap_%d", time.Now().UnixNano())
	}
	return "cap_" + hex.EncodeToString(b)
}

func pngDataURI(img image.Image) string {
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// paintLocked renders the answer text over a noisy background: a light
// tint, stripes under and over the glyphs, and scattered noise pixels.
func (s *Store) paintLocked(text string) *image.RGBA {
	rng := s.rng
	img := image.NewRGBA(image.Rect(0, 0, imageWidth, imageHeight))

	tint := color.RGBA{uint8(230 + rng.Intn(25)), uint8(230 + rng.Intn(25)), uint8(230 + rng.Intn(25)), 255}
	draw.Draw(img, img.Bounds(), image.NewUniform(tint), image.Point{}, draw.Src)

	for i := 0; i < 6; i++ {
		c := color.RGBA{uint8(rng.Intn(200)), uint8(rng.Intn(200)), uint8(rng.Intn(200)), 255}
		strokeLine(img, rng.Intn(imageWidth), rng.Intn(imageHeight), rng.Intn(imageWidth), rng.Intn(imageHeight), c, 2)
	}
	speckle(img, rng, 100)

	slot := imageWidth / (len(text) + 1)
	for i, ch := range text {
		x := slot/2 + i*slot + rng.Intn(6) - 3
		y := imageHeight/2 + rng.Intn(10) - 5
		c := color.RGBA{uint8(rng.Intn(100)), uint8(rng.Intn(100)), uint8(rng.Intn(100)), 255}
		drawGlyph(img, rng, x, y, byte(ch), c)
	}

	for i := 0; i < 3; i++ {
		c := color.RGBA{uint8(100 + rng.Intn(155)), uint8(100 + rng.Intn(155)), uint8(100 + rng.Intn(155)), 180}
		strokeLine(img, 0, rng.Intn(imageHeight), imageWidth, rng.Intn(imageHeight), c, 1)
	}
	return img
}

// speckle scatters n random noise pixels across the image.
func speckle(img *image.RGBA, rng *mrand.Rand, n int) {
	b := img.Bounds()
	for i := 0; i < n; i++ {
		c := color.RGBA{uint8(rng.Intn(255)), uint8(rng.Intn(255)), uint8(rng.Intn(255)), 255}
		img.Set(b.Min.X+rng.Intn(b.Dx()), b.Min.Y+rng.Intn(b.Dy()), c)
	}
}

// strokeLine draws a straight line of the given thickness, stepping
// along the longer axis.
func strokeLine(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA, thickness int) {
	steps := max(abs(x2-x1), abs(y2-y1))
	if steps == 0 {
		return
	}
	half := thickness / 2
	for i := 0; i <= steps; i++ {
		x := x1 + (x2-x1)*i/steps
		y := y1 + (y2-y1)*i/steps
		for dx := -half; dx <= half; dx++ {
			for dy := -half; dy <= half; dy++ {
				img.Set(x+dx, y+dy, c)
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// drawGlyph stamps one character centered near (cx, cy), doubled to
// 2x2 blocks for weight and sheared by a small random skew.
func drawGlyph(img *image.RGBA, rng *mrand.Rand, cx, cy int, ch byte, c color.RGBA) {
	art, ok := glyphArt[ch]
	if !ok {
		return
	}
	skew := float64(rng.Intn(5)-2) * 0.15
	for row, line := range art {
		py := cy - 7 + row
		shift := int(math.Round(float64(row) * skew))
		for col := 0; col < len(line); col++ {
			if line[col] != '#' {
				continue
			}
			px := cx - 4 + col + shift
			for dy := 0; dy <= 1; dy++ {
				for dx := 0; dx <= 1; dx++ {
					img.Set(px+dx, py+dy, c)
				}
			}
		}
	}
}

// glyphArt is an 8x7 bitmap font covering the captcha alphabet. '#'
// marks a lit pixel.
var glyphArt = map[byte][7]string{
	'2': {"  ####  ", " #    # ", "      # ", "    ##  ", "   #    ", "  #     ", " ###### "},
	'3': {"  ####  ", " #    # ", "      # ", "   ###  ", "      # ", " #    # ", "  ####  "},
	'4': {"     #  ", "    ##  ", "   # #  ", "  #  #  ", " ###### ", "     #  ", "     #  "},
	'5': {" ###### ", " #      ", " #####  ", "      # ", "      # ", " #    # ", "  ####  "},
	'6': {"   ###  ", "  #     ", " #      ", " #####  ", " #    # ", " #    # ", "  ####  "},
	'7': {" ###### ", "      # ", "     #  ", "    #   ", "   #    ", "   #    ", "   #    "},
	'8': {"  ####  ", " #    # ", " #    # ", "  ####  ", " #    # ", " #    # ", "  ####  "},
	'9': {"  ####  ", " #    # ", " #    # ", "  ##### ", "      # ", "     #  ", "  ###   "},
	'A': {"   ##   ", "  #  #  ", " #    # ", " ###### ", " #    # ", " #    # ", " #    # "},
	'B': {" #####  ", " #    # ", " #    # ", " #####  ", " #    # ", " #    # ", " #####  "},
	'C': {"  ####  ", " #    # ", " #      ", " #      ", " #      ", " #    # ", "  ####  "},
	'D': {" ####   ", " #   #  ", " #    # ", " #    # ", " #    # ", " #   #  ", " ####   "},
	'E': {" ###### ", " #      ", " #      ", " #####  ", " #      ", " #      ", " ###### "},
	'F': {" ###### ", " #      ", " #      ", " #####  ", " #      ", " #      ", " #      "},
	'G': {"  ####  ", " #    # ", " #      ", " #  ### ", " #    # ", " #    # ", "  ####  "},
	'H': {" #    # ", " #    # ", " #    # ", " ###### ", " #    # ", " #    # ", " #    # "},
	'J': {"   #### ", "     #  ", "     #  ", "     #  ", "     #  ", " #   #  ", "  ###   "},
	'K': {" #    # ", " #   #  ", " #  #   ", " ###    ", " #  #   ", " #   #  ", " #    # "},
	'L': {" #      ", " #      ", " #      ", " #      ", " #      ", " #      ", " ###### "},
	'M': {" #    # ", " ##  ## ", " # ## # ", " #    # ", " #    # ", " #    # ", " #    # "},
	'N': {" #    # ", " ##   # ", " # #  # ", " #  # # ", " #   ## ", " #    # ", " #    # "},
	'P': {" #####  ", " #    # ", " #    # ", " #####  ", " #      ", " #      ", " #      "},
	'Q': {"  ####  ", " #    # ", " #    # ", " #    # ", " #  # # ", " #   #  ", "  ### # "},
	'R': {" #####  ", " #    # ", " #    # ", " #####  ", " #  #   ", " #   #  ", " #    # "},
	'S': {"  ####  ", " #    # ", " #      ", "  ####  ", "      # ", " #    # ", "  ####  "},
	'T': {" ###### ", "   ##   ", "   ##   ", "   ##   ", "   ##   ", "   ##   ", "   ##   "},
	'U': {" #    # ", " #    # ", " #    # ", " #    # ", " #    # ", " #    # ", "  ####  "},
	'V': {" #    # ", " #    # ", " #    # ", " #    # ", "  #  #  ", "  #  #  ", "   ##   "},
	'W': {" #    # ", " #    # ", " #    # ", " #    # ", " # ## # ", " ##  ## ", " #    # "},
	'X': {" #    # ", "  #  #  ", "   ##   ", "   ##   ", "  #  #  ", " #    # ", " #    # "},
	'Y': {" #    # ", " #    # ", "  #  #  ", "   ##   ", "   ##   ", "   ##   ", "   ##   "},
	'Z': {" ###### ", "     #  ", "    #   ", "   #    ", "  #     ", " #      ", " ###### "},
}
