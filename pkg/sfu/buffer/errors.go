package buffer

import "errors"

var (
	errShortPacket   = errors.New("packet is not large enough")
	errInvalidPacket = errors.New("invalid packet")

	ErrUnsupportedCodec = errors.New("unsupported codec for keyframe detection")
)
