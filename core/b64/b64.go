// Package b64 implements the base64 and base64url helpers shared by the
// wire codec: decoders accept both padded and unpadded input, encoders
// always emit the padded form, per spec.md §4.2.
package b64

import "encoding/base64"

// EncodeURL encodes b as padded, URL-safe base64 (base64url).
func EncodeURL(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeURL decodes base64url, accepting either padded or unpadded input.
func DecodeURL(s string) ([]byte, error) {
	if enc, ok := pickEncoding(s, base64.URLEncoding, base64.RawURLEncoding); ok {
		return enc.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// Encode encodes b as padded, standard base64.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode decodes standard base64, accepting either padded or unpadded input.
func Decode(s string) ([]byte, error) {
	if enc, ok := pickEncoding(s, base64.StdEncoding, base64.RawStdEncoding); ok {
		return enc.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func pickEncoding(s string, padded, raw *base64.Encoding) (*base64.Encoding, bool) {
	for i := len(s) - 1; i >= 0 && i >= len(s)-2; i-- {
		if s[i] == '=' {
			return padded, true
		}
	}
	return raw, len(s) == 0
}
