package protocol

import "encoding/binary"

// Encode appends the wire form of m to dst. On error dst is returned unchanged.
func Encode(dst []byte, m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return dst, err
	}
	switch m.Kind {
	case KindPing:
		dst = append(dst, TagKeyword)
		dst = append(dst, keywordPing...)
	case KindPong:
		dst = append(dst, TagKeyword)
		dst = append(dst, keywordPong...)
	case KindInfo:
		dst = append(dst, TagInfo, byte(len(m.Text)))
		dst = append(dst, m.Text...)
	case KindHeartbeat:
		dst = append(dst, TagHeartbeat)
		dst = binary.LittleEndian.AppendUint32(dst, m.Clock)
	}
	return append(dst, delimiter[:]...), nil
}

// EncodeMessage returns the wire form of m in a fresh buffer.
func EncodeMessage(m Message) ([]byte, error) {
	return Encode(make([]byte, 0, 2+MaxFrameLength+len(delimiter)), m)
}
