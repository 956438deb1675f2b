// ABOUTME: Encodes pairing payloads as PNG data URLs for browsers and as terminal art
// ABOUTME: Browsers receive the data URL in qr-code events; operators can print to a console

package qr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/mdp/qrterminal"
	"github.com/skip2/go-qrcode"
)

// DataURLPrefix prefixes every encoded payload.
const DataURLPrefix = "data:image/png;base64,"

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// ErrEmptyPayload is returned when there is nothing to encode.
var ErrEmptyPayload = errors.New("empty qr payload")

// DataURL renders payload as a base64 PNG data URL.
func DataURL(payload string) (string, error) {
	if payload == "" {
		return "", ErrEmptyPayload
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, DefaultSize)
	if err != nil {
		return "", fmt.Errorf("encoding qr: %w", err)
	}
	return DataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// Print writes payload to w as half-block terminal art.
func Print(w io.Writer, payload string) {
	qrterminal.GenerateHalfBlock(payload, qrterminal.L, w)
}
