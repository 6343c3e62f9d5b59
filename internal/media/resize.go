package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"guestpost-automation/internal/pipeline"
)

// Resizer re-encodes images to fit a bounding box.
type Resizer struct {
	quality int
}

func NewResizer() *Resizer {
	return &Resizer{quality: 85}
}

// Shrink fits img within width x height, keeping its aspect ratio.
func (r *Resizer) Shrink(img pipeline.Image, width, height int) (pipeline.Image, error) {
	src, format, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("decode image: %w", err)
	}

	dst := imaging.Fit(src, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(img.FileName, format, img.ContentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, dst, outputFormat, imaging.JPEGQuality(r.quality)); err != nil {
		return pipeline.Image{}, fmt.Errorf("encode image: %w", err)
	}

	return pipeline.Image{
		Data:        buf.Bytes(),
		FileName:    withExtension(img.FileName, outputFormat),
		ContentType: mimeForFormat(outputFormat, img.ContentType),
	}, nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func withExtension(name string, format imaging.Format) string {
	ext := strings.ToLower(filepath.Ext(name))
	want := formatExtension(format)
	if ext == "."+want || (want == "jpg" && ext == ".jpeg") {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + want
}

func chooseFormat(fileName, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}
