package capture

import (
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
	"github.com/kbinani/screenshot"
)

// FrameGrabber computes perceptual hashes of the primary display. The
// capability is probed once at startup; headless hosts run without it and the
// trigger falls back to title and interval rules.
type FrameGrabber struct {
	capture func(int) (*image.RGBA, error)
}

// NewFrameGrabber probes for an attached display. Nil when none is available.
func NewFrameGrabber() *FrameGrabber {
	if screenshot.NumActiveDisplays() == 0 {
		return nil
	}
	return &FrameGrabber{capture: screenshot.CaptureDisplay}
}

// Hash captures the primary display and returns its 64-bit difference hash.
func (g *FrameGrabber) Hash() (uint64, error) {
	img, err := g.capture(0)
	if err != nil {
		return 0, fmt.Errorf("capture display: %w", err)
	}
	return HashImage(img)
}

// HashImage computes the 64-bit difference hash of an image.
func HashImage(img image.Image) (uint64, error) {
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0, fmt.Errorf("hash frame: %w", err)
	}
	return h.GetHash(), nil
}

// Distance is the Hamming distance between two difference hashes.
func Distance(a, b uint64) int {
	ha := goimagehash.NewImageHash(a, goimagehash.DHash)
	hb := goimagehash.NewImageHash(b, goimagehash.DHash)
	d, err := ha.Distance(hb)
	if err != nil {
		// Same-kind same-width hashes cannot fail; treat as identical.
		return 0
	}
	return d
}
