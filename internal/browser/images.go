package browser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/disintegration/imaging"
)

// maxImageWidth bounds screenshots stored in the buffer; wider captures are
// downscaled before encoding so vision prompts stay within size limits.
const maxImageWidth = 1568

// LatestImage is the most recent screenshot captured for a session.
type LatestImage struct {
	Base64   string
	MimeType string
	RawBytes []byte
}

// ImageBuffer maps session id → latest screenshot. Populated by the
// vision-capable tools, cleared on session deletion.
type ImageBuffer struct {
	mu     sync.RWMutex
	images map[string]LatestImage
}

// NewImageBuffer creates an empty buffer.
func NewImageBuffer() *ImageBuffer {
	return &ImageBuffer{images: make(map[string]LatestImage)}
}

// Set decodes the screenshot and stores it for the session. Images wider
// than maxImageWidth are downscaled and re-encoded; narrower ones are
// stored with their original bytes.
func (b *ImageBuffer) Set(sessionID string, raw []byte, mimeType string) (LatestImage, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return LatestImage{}, fmt.Errorf("decode screenshot: %w", err)
	}

	encoded := raw
	if img.Bounds().Dx() > maxImageWidth {
		resized := imaging.Resize(img, maxImageWidth, 0, imaging.Lanczos)
		var buf bytes.Buffer
		switch format {
		case "png":
			err = png.Encode(&buf, resized)
			mimeType = "image/png"
		default:
			err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85})
			mimeType = "image/jpeg"
		}
		if err != nil {
			return LatestImage{}, fmt.Errorf("encode screenshot: %w", err)
		}
		encoded = buf.Bytes()
	}
	if mimeType == "" {
		mimeType = "image/" + format
	}

	li := LatestImage{
		Base64:   base64.StdEncoding.EncodeToString(encoded),
		MimeType: mimeType,
		RawBytes: raw,
	}
	b.mu.Lock()
	b.images[sessionID] = li
	b.mu.Unlock()
	return li, nil
}

// Get returns the latest screenshot for the session.
func (b *ImageBuffer) Get(sessionID string) (LatestImage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	li, ok := b.images[sessionID]
	return li, ok
}

// Clear drops the session's screenshot.
func (b *ImageBuffer) Clear(sessionID string) {
	b.mu.Lock()
	delete(b.images, sessionID)
	b.mu.Unlock()
}
