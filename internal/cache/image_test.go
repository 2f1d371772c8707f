package cache

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecache/pkg/errors"
)

func TestParseMimeType(t *testing.T) {
	tests := []struct {
		mimeType string
		want     CompressFormat
		wantErr  string
	}{
		{mimeType: "image/jpeg", want: FormatJPEG},
		{mimeType: "image/pjpeg", want: FormatJPEG},
		{mimeType: "IMAGE/JPEG; q=0.9", want: FormatJPEG},
		{mimeType: "image/png", want: FormatPNG},
		{mimeType: "image/webp", want: FormatPNG},
		{mimeType: "image/gif", want: FormatPNG},
		{mimeType: "text/plain", wantErr: `"text"`},
		{mimeType: "application/octet-stream", wantErr: `"application"`},
		{mimeType: "", wantErr: "not image"},
		{mimeType: "image", wantErr: "no subtype"},
	}

	for _, tt := range tests {
		t.Run(tt.mimeType, func(t *testing.T) {
			got, err := ParseMimeType(tt.mimeType)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]CompressFormat{"jpeg": FormatJPEG, "JPG": FormatJPEG, " png ": FormatPNG} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("tiff")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	var f CompressFormat
	require.NoError(t, f.UnmarshalText([]byte("png")))
	assert.Equal(t, FormatPNG, f)
	text, _ := FormatJPEG.MarshalText()
	assert.Equal(t, "jpeg", string(text))
	assert.Equal(t, "image/png", FormatPNG.MimeType())
}

func TestImageCost(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		want int64
	}{
		{"nil", nil, 0},
		{"rgba 32x32", image.NewRGBA(image.Rect(0, 0, 32, 32)), 4},
		{"nrgba64 32x32", image.NewNRGBA64(image.Rect(0, 0, 32, 32)), 8},
		{"gray 64x64", image.NewGray(image.Rect(0, 0, 64, 64)), 4},
		{"ycbcr 420 64x64", image.NewYCbCr(image.Rect(0, 0, 64, 64), image.YCbCrSubsampleRatio420), 6},
		{"sub image uses bounds", image.NewRGBA(image.Rect(0, 0, 64, 64)).SubImage(image.Rect(0, 0, 32, 32)), 4},
		{"tiny rounds down", image.NewRGBA(image.Rect(0, 0, 4, 4)), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ImageCost(tt.img))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := solidImage(16, 8, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	for _, format := range []CompressFormat{FormatJPEG, FormatPNG} {
		t.Run(format.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, src, format, 90))

			img, name, err := Decode(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, format.String(), name)
			assert.Equal(t, src.Bounds(), img.Bounds())
		})
	}
}

func TestEncode_Errors(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, solidImage(2, 2, color.White), FormatJPEG, 101)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	err = Encode(&buf, solidImage(2, 2, color.White), CompressFormat(9), 50)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	_, _, err = Decode([]byte("not an image"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeDecodeFailed))
}
