package audio

import (
	"encoding/base64"
	"fmt"

	"github.com/zaf/g711"
)

// Output audio formats the session can negotiate with the model.
const (
	FormatPCM16    = "pcm16"
	FormatG711Ulaw = "g711_ulaw"
	FormatG711Alaw = "g711_alaw"
)

// DecodeBase64Audio decodes one base64 control-channel audio delta into
// PCM16LE bytes, converting from G.711 when the session negotiated it.
func DecodeBase64Audio(format, payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio delta: %w", err)
	}
	return DecodeOutput(format, raw)
}

// DecodeOutput converts raw model audio bytes in the given format to PCM16LE.
func DecodeOutput(format string, raw []byte) ([]byte, error) {
	switch format {
	case "", FormatPCM16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("pcm16 payload has odd length %d", len(raw))
		}
		return raw, nil
	case FormatG711Ulaw:
		return g711.DecodeUlaw(raw), nil
	case FormatG711Alaw:
		return g711.DecodeAlaw(raw), nil
	default:
		return nil, fmt.Errorf("unsupported output audio format %q", format)
	}
}

// EncodeBase64PCM16 wraps capture PCM16LE bytes for an input audio append.
func EncodeBase64PCM16(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}
