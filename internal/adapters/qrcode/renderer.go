package qrcode

import (
	"github.com/cockroachdb/errors"
	"github.com/skip2/go-qrcode"
)

const DefaultSize = 256

// Renderer draws ticket tokens as PNG QR codes. The token is encoded as is;
// it is already opaque and unguessable.
type Renderer struct {
	size int
}

func NewRenderer(size int) *Renderer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Renderer{size: size}
}

func (r *Renderer) PNG(token string) ([]byte, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	png, err := qrcode.Encode(token, qrcode.Medium, r.size)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	return png, nil
}
