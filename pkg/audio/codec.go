package audio

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeBase64 encodes PCM for embedding in a text message using the standard
// padded alphabet.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// base64Normalizer maps the URL-safe alphabet onto the standard one and drops
// whitespace and padding so a single raw decoder accepts every variant.
var base64Normalizer = strings.NewReplacer(
	"-", "+",
	"_", "/",
	"=", "",
	"\n", "",
	"\r", "",
	" ", "",
	"\t", "",
)

// DecodeBase64 decodes s tolerantly: standard or URL-safe alphabet, with or
// without padding, with embedded whitespace ignored.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(base64Normalizer.Replace(s))
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w: %w", ErrMalformedPayload, err)
	}
	return b, nil
}
