// Package qrcode renders patient lookup tokens as QR images and extracts them
// back out of scanned text or images.
package qrcode

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // scanned uploads may be jpeg
	_ "image/png"
	"io"
	"net/url"
	"strings"

	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
	goqrcode "github.com/skip2/go-qrcode"
)

// TokenKey is the field that carries the token in both the JSON and URL forms.
const TokenKey = "t"

// MinRawTokenLen guards the bare-string form against short scanner noise.
const MinRawTokenLen = 20

const dataURLPrefix = "data:image/png;base64,"

var (
	ErrNoToken      = errors.New("could not extract token from QR")
	ErrInvalidImage = errors.New("image does not contain a readable QR code")
)

// Payload is the structure embedded in every issued code.
type Payload struct {
	Token string `json:"t"`
}

// Codec encodes tokens into images and decodes scans back into tokens.
type Codec interface {
	Encode(token string) (string, error)
	PNG(token string) ([]byte, error)
	DecodeText(text string) (string, error)
	DecodeImage(r io.Reader) (string, error)
}

type codec struct {
	size  int
	level goqrcode.RecoveryLevel
}

// NewCodec returns a codec producing square PNGs of the given pixel size.
func NewCodec(size int) Codec {
	if size <= 0 {
		size = 256
	}
	return &codec{size: size, level: goqrcode.Medium}
}

// PNG renders the payload for token.
func (c *codec) PNG(token string) ([]byte, error) {
	body, err := json.Marshal(Payload{Token: token})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal qr payload: %w", err)
	}
	png, err := goqrcode.Encode(string(body), c.level, c.size)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}
	return png, nil
}

// Encode renders token and returns it as a PNG data URL, the stored image form.
func (c *codec) Encode(token string) (string, error) {
	png, err := c.PNG(token)
	if err != nil {
		return "", err
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// DecodeText tries the JSON form, then a URL query, then the bare string.
func (c *codec) DecodeText(text string) (string, error) {
	return ExtractToken(text)
}

// DecodeImage reads a QR code from a png or jpeg stream and extracts its token.
func (c *codec) DecodeImage(r io.Reader) (string, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return "", ErrInvalidImage
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", ErrInvalidImage
	}
	result, err := zxingqr.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", ErrInvalidImage
	}
	return ExtractToken(result.GetText())
}

// ExtractToken implements the scan decoding order. The first form that yields
// a non-empty token wins.
func ExtractToken(text string) (string, error) {
	text = strings.TrimSpace(text)

	// a well-formed JSON object is a payload and never a raw token
	if strings.HasPrefix(text, "{") && json.Valid([]byte(text)) {
		var p Payload
		if err := json.Unmarshal([]byte(text), &p); err == nil && p.Token != "" {
			return p.Token, nil
		}
		return "", ErrNoToken
	}

	if u, err := url.Parse(text); err == nil && u.Scheme != "" && u.Host != "" {
		if t := u.Query().Get(TokenKey); t != "" {
			return t, nil
		}
		return "", ErrNoToken
	}

	if len(text) > MinRawTokenLen {
		return text, nil
	}
	return "", ErrNoToken
}

// DecodeDataURL returns the PNG bytes held by a stored image.
func DecodeDataURL(s string) ([]byte, error) {
	if !strings.HasPrefix(s, dataURLPrefix) {
		return nil, ErrInvalidImage
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, dataURLPrefix))
	if err != nil {
		return nil, ErrInvalidImage
	}
	return raw, nil
}
