// Package audio converts between transport wire frames and linear PCM and
// measures frame energy for barge-in detection.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zaf/g711"

	"github.com/harunnryd/outcall/pkg/errorsx"
)

// Format names a wire sample encoding.
type Format string

const (
	// FormatMuLaw is G.711 u-law, 8 kHz mono, as used by Twilio Media Streams.
	FormatMuLaw Format = "mulaw"
	// FormatPCM16 is signed 16-bit little-endian linear PCM.
	FormatPCM16 Format = "pcm16"
)

// ErrMalformedFrame marks input that cannot be turned into PCM. Callers drop
// the frame and keep the session running.
var ErrMalformedFrame = errors.New("malformed audio frame")

// ParseFormat maps config and provider spellings ("ulaw_8000", "pcm_16000")
// onto a Format.
func ParseFormat(v string) (Format, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch {
	case v == "", v == "mulaw", v == "ulaw", strings.HasPrefix(v, "ulaw_"), strings.HasPrefix(v, "mulaw_"), v == "g711_ulaw":
		return FormatMuLaw, nil
	case v == "pcm16", v == "linear16", v == "pcm", strings.HasPrefix(v, "pcm_"):
		return FormatPCM16, nil
	default:
		return "", fmt.Errorf("unsupported audio format %q", v)
	}
}

// Codec is a stateless wire<->PCM transformation.
type Codec struct {
	Format Format
}

// NewCodec returns a codec for format, defaulting to u-law.
func NewCodec(format Format) Codec {
	if format == "" {
		format = FormatMuLaw
	}
	return Codec{Format: format}
}

// Decode accepts a base64 string or a raw binary frame and returns PCM16LE.
func (c Codec) Decode(wire any) ([]byte, error) {
	var raw []byte
	switch v := wire.(type) {
	case string:
		b, err := decodeBase64(v)
		if err != nil {
			return nil, malformed(err)
		}
		raw = b
	case []byte:
		raw = v
	default:
		return nil, malformed(fmt.Errorf("unsupported frame type %T", wire))
	}
	if len(raw) == 0 {
		return nil, malformed(errors.New("empty frame"))
	}
	switch c.format() {
	case FormatMuLaw:
		return g711.DecodeUlaw(raw), nil
	case FormatPCM16:
		if len(raw)%2 != 0 {
			return nil, malformed(fmt.Errorf("truncated pcm16 frame: %d bytes", len(raw)))
		}
		return append([]byte(nil), raw...), nil
	default:
		return nil, malformed(fmt.Errorf("unsupported format %q", c.Format))
	}
}

// EncodeBytes converts PCM16LE into the codec's wire sample bytes.
func (c Codec) EncodeBytes(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, malformed(fmt.Errorf("truncated pcm16 buffer: %d bytes", len(pcm)))
	}
	switch c.format() {
	case FormatMuLaw:
		return g711.EncodeUlaw(pcm), nil
	case FormatPCM16:
		return append([]byte(nil), pcm...), nil
	default:
		return nil, malformed(fmt.Errorf("unsupported format %q", c.Format))
	}
}

// Encode converts PCM16LE into a base64 wire payload.
func (c Codec) Encode(pcm []byte) (string, error) {
	b, err := c.EncodeBytes(pcm)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Transcode turns a provider audio chunk encoded with from into this codec's
// base64 wire payload. Matching formats pass through untouched.
func (c Codec) Transcode(chunk any, from Codec) (string, error) {
	if from.format() == c.format() {
		switch v := chunk.(type) {
		case string:
			b, err := decodeBase64(v)
			if err != nil || len(b) == 0 {
				return "", malformed(errors.New("undecodable chunk"))
			}
			return base64.StdEncoding.EncodeToString(b), nil
		case []byte:
			if len(v) == 0 {
				return "", malformed(errors.New("empty chunk"))
			}
			return base64.StdEncoding.EncodeToString(v), nil
		}
	}
	pcm, err := from.Decode(chunk)
	if err != nil {
		return "", err
	}
	return c.Encode(pcm)
}

func (c Codec) format() Format {
	if c.Format == "" {
		return FormatMuLaw
	}
	return c.Format
}

func malformed(err error) error {
	return errorsx.Wrap(fmt.Errorf("%w: %v", ErrMalformedFrame, err), errorsx.ReasonMalformedFrame)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty payload")
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, errors.New("invalid base64")
}
