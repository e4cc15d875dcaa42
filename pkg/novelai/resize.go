package novelai

import (
	"bytes"
	"image"

	"naikit/pkg/imagesize"

	"github.com/disintegration/imaging"
)

// fitSource scales an img2img source to the size sent with the request.
// Sources the image decoders cannot read are passed through unchanged and
// left for the endpoint to judge.
func fitSource(data []byte, size imagesize.Size) ([]byte, bool, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return data, false, nil
	}
	if cfg.Width == size.Width && cfg.Height == size.Height {
		return data, false, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, false, nil
	}

	fitted := imaging.Fill(img, size.Width, size.Height, imaging.Center, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.PNG); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}
