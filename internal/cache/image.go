package cache

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"strings"

	"github.com/objectfs/imagecache/pkg/errors"
)

// CompressFormat is the encoding used when an image is written to disk.
type CompressFormat int

const (
	FormatJPEG CompressFormat = iota
	FormatPNG
)

// DefaultQuality is the encode quality used by PutDefault.
const DefaultQuality = 100

// String returns the short format name.
func (f CompressFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	default:
		return "unknown"
	}
}

// MimeType returns the image/* media type for the format.
func (f CompressFormat) MimeType() string {
	return "image/" + f.String()
}

// MarshalText lets formats appear by name in YAML and JSON.
func (f CompressFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText plus "jpg".
func (f *CompressFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFormat parses "jpeg", "jpg" or "png".
func ParseFormat(s string) (CompressFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "unsupported image format %q", s)
	}
}

// ParseMimeType maps an image/* media type to a compress format. Subtypes
// containing "jpeg" select JPEG; every other image subtype selects PNG. Any
// other top-level type is rejected and named in the error.
func ParseMimeType(mimeType string) (CompressFormat, error) {
	mediaType := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}

	topLevel, subtype, found := strings.Cut(mediaType, "/")
	if topLevel != "image" {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "unsupported mime type %q: top-level type %q is not image", mimeType, topLevel).
			WithDetail("top_level_type", topLevel)
	}
	if !found || subtype == "" {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "mime type %q has no subtype", mimeType)
	}

	if strings.Contains(subtype, "jpeg") {
		return FormatJPEG, nil
	}
	return FormatPNG, nil
}

func validateQuality(quality int) error {
	if quality < 0 || quality > 100 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "quality %d outside [0, 100]", quality)
	}
	return nil
}

// Encode writes img in the given format. PNG ignores quality.
func Encode(w io.Writer, img image.Image, format CompressFormat, quality int) error {
	if err := validateQuality(quality); err != nil {
		return err
	}

	var err error
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case FormatPNG:
		err = png.Encode(w, img)
	default:
		return errors.Newf(errors.ErrCodeInvalidArgument, "unsupported image format %d", int(format))
	}
	if err != nil {
		return errors.Newf(errors.ErrCodeEncodeFailed, "failed to encode %s", format).WithCause(err)
	}
	return nil
}

// EncodeBytes is Encode into a fresh buffer.
func EncodeBytes(img image.Image, format CompressFormat, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes any registered image format and returns its name.
func Decode(data []byte) (image.Image, string, error) {
	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.NewError(errors.ErrCodeDecodeFailed, "failed to decode image").WithCause(err)
	}
	return img, name, nil
}

// ImageCost returns the in-memory cost of img in KB: row bytes times height
// divided by 1024.
func ImageCost(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	rowBytes := (int64(b.Dx())*int64(bitsPerPixel(img)) + 7) / 8
	return rowBytes * int64(b.Dy()) / 1024
}

func bitsPerPixel(img image.Image) int {
	switch m := img.(type) {
	case *image.Gray, *image.Alpha, *image.Paletted:
		return 8
	case *image.Gray16, *image.Alpha16:
		return 16
	case *image.RGBA, *image.NRGBA, *image.CMYK:
		return 32
	case *image.RGBA64, *image.NRGBA64:
		return 64
	case *image.YCbCr:
		return ycbcrBits(m.SubsampleRatio)
	case *image.NYCbCrA:
		return ycbcrBits(m.SubsampleRatio) + 8
	default:
		// Unknown models decode to 32-bit RGBA when drawn.
		return 32
	}
}

func ycbcrBits(ratio image.YCbCrSubsampleRatio) int {
	switch ratio {
	case image.YCbCrSubsampleRatio444:
		return 24
	case image.YCbCrSubsampleRatio422, image.YCbCrSubsampleRatio440:
		return 16
	case image.YCbCrSubsampleRatio420, image.YCbCrSubsampleRatio411:
		return 12
	case image.YCbCrSubsampleRatio410:
		return 10
	default:
		return 24
	}
}
