package messaging

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// RenderQR encodes a pairing challenge as a PNG QR code
func RenderQR(challenge string, size int) ([]byte, error) {
	if challenge == "" {
		return nil, fmt.Errorf("empty pairing challenge")
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(challenge, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render pairing QR code: %w", err)
	}
	return png, nil
}

// RenderQRDataURL encodes a pairing challenge as a base64 PNG data URL
func RenderQRDataURL(challenge string, size int) (string, error) {
	png, err := RenderQR(challenge, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
