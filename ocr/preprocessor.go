package ocr

import (
	"bytes"

	"github.com/disintegration/imaging"
)

const (
	// Fraction of each dimension kept by the center crop. Receipt photos
	// usually have noisy borders (table, fingers) that hurt recognition.
	cropKeepRatio = 0.8

	// Longer edge after downscaling. Larger inputs gain nothing for OCR
	// and slow the engine down.
	maxLongerEdge = 1200
)

// Preprocess normalizes a receipt photo for recognition: grayscale,
// center crop, downscale, PNG encode. It fails open; any decode or encode
// problem returns the original bytes untouched so recognition can still
// be attempted on the raw upload.
func Preprocess(original []byte) []byte {
	img, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return original
	}

	img = imaging.Grayscale(img)

	bounds := img.Bounds()
	cropW := int(float64(bounds.Dx()) * cropKeepRatio)
	cropH := int(float64(bounds.Dy()) * cropKeepRatio)
	if cropW > 0 && cropH > 0 {
		img = imaging.CropCenter(img, cropW, cropH)
	}

	bounds = img.Bounds()
	if bounds.Dx() >= bounds.Dy() {
		if bounds.Dx() > maxLongerEdge {
			img = imaging.Resize(img, maxLongerEdge, 0, imaging.Lanczos)
		}
	} else {
		if bounds.Dy() > maxLongerEdge {
			img = imaging.Resize(img, 0, maxLongerEdge, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return original
	}
	return buf.Bytes()
}
