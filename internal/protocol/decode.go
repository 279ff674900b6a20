package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const (
	keywordPrefixLen   = 1
	infoPrefixLen      = 2
	heartbeatPrefixLen = 1
	heartbeatLen       = 4
)

// Decode extracts the first frame in buf. It returns the message and the number
// of bytes the frame occupied; the caller advances its buffer by exactly that count.
// ErrIncomplete is returned with n == 0 when buf ends before a whole frame.
func Decode(buf []byte) (Message, int, error) {
	n, err := Check(buf)
	if err != nil {
		return Message{}, 0, err
	}

	frame := buf[:n]
	switch frame[0] {
	case TagKeyword:
		payload := frame[keywordPrefixLen : n-len(delimiter)]
		if !utf8.Valid(payload) {
			return Message{}, 0, fmt.Errorf("%w: keyword is not utf-8", ErrInvalidEncoding)
		}
		switch string(payload) {
		case keywordPing:
			return Ping(), n, nil
		case keywordPong:
			return Pong(), n, nil
		default:
			return Message{}, 0, fmt.Errorf("%w: unknown keyword %q", ErrInvalidEncoding, payload)
		}
	case TagInfo:
		payload := frame[infoPrefixLen : n-len(delimiter)]
		if !utf8.Valid(payload) {
			return Message{}, 0, fmt.Errorf("%w: info payload is not utf-8", ErrInvalidEncoding)
		}
		return Info(string(payload)), n, nil
	case TagHeartbeat:
		payload := frame[heartbeatPrefixLen : n-len(delimiter)]
		return Heartbeat(binary.LittleEndian.Uint32(payload)), n, nil
	default:
		return Message{}, 0, unknownTag(frame[0])
	}
}

// Check confirms that buf starts with a complete frame and returns its length.
// It never reads past the frame and never modifies buf.
func Check(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrIncomplete
	}
	switch buf[0] {
	case TagKeyword:
		return scanDelimiter(buf, keywordPrefixLen)
	case TagInfo:
		if len(buf) < infoPrefixLen {
			return 0, ErrIncomplete
		}
		return checkDeclared(buf, infoPrefixLen, int(buf[1]))
	case TagHeartbeat:
		return checkDeclared(buf, heartbeatPrefixLen, heartbeatLen)
	default:
		return 0, unknownTag(buf[0])
	}
}

// scanDelimiter looks for CRLF after the prefix. The scan window is bounded by
// MaxFrameLength so a stream without delimiters fails instead of buffering forever.
func scanDelimiter(buf []byte, prefix int) (int, error) {
	limit := prefix + MaxFrameLength + len(delimiter)
	window := buf[prefix:min(len(buf), limit)]
	if i := bytes.Index(window, delimiter[:]); i >= 0 {
		return prefix + i + len(delimiter), nil
	}
	if len(buf) >= limit {
		return 0, fmt.Errorf("%w: keyword exceeds %d bytes", ErrInvalidEncoding, MaxFrameLength)
	}
	return 0, ErrIncomplete
}

// checkDeclared trusts a declared payload length only once the whole frame,
// delimiter included, is present at the expected offset.
func checkDeclared(buf []byte, prefix, length int) (int, error) {
	if length > MaxFrameLength {
		return 0, fmt.Errorf("%w: declared length %d exceeds %d", ErrInvalidEncoding, length, MaxFrameLength)
	}
	total := prefix + length + len(delimiter)
	if len(buf) < total {
		return 0, ErrIncomplete
	}
	end := prefix + length
	if buf[end] != delimiter[0] || buf[end+1] != delimiter[1] {
		return 0, fmt.Errorf("%w: missing delimiter at offset %d", ErrInvalidEncoding, end)
	}
	return total, nil
}

func unknownTag(tag byte) error {
	return fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidEncoding, tag)
}
