package protocol

import (
	"fmt"
	"unicode/utf8"
)

// MaxFrameLength bounds the payload of every frame, excluding tag and delimiter.
const MaxFrameLength = 64

// Tag bytes.
const (
	TagKeyword   byte = '>'
	TagInfo      byte = '*'
	TagHeartbeat byte = '+'
)

const (
	keywordPing = "PING"
	keywordPong = "PONG"
)

var delimiter = [2]byte{'\r', '\n'}

// Kind identifies one message variant.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPong
	KindInfo
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindInfo:
		return "info"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one decoded control message. Only the field matching Kind is meaningful.
type Message struct {
	Kind  Kind
	Text  string
	Clock uint32
}

func Ping() Message { return Message{Kind: KindPing} }

func Pong() Message { return Message{Kind: KindPong} }

func Info(text string) Message { return Message{Kind: KindInfo, Text: text} }

func Heartbeat(clock uint32) Message { return Message{Kind: KindHeartbeat, Clock: clock} }

// Validate reports whether m can be put on the wire.
func (m Message) Validate() error {
	switch m.Kind {
	case KindPing, KindPong, KindHeartbeat:
		return nil
	case KindInfo:
		if len(m.Text) > MaxFrameLength {
			return fmt.Errorf("%w: info payload %d bytes", ErrPayloadTooLarge, len(m.Text))
		}
		if !utf8.ValidString(m.Text) {
			return fmt.Errorf("%w: info payload is not utf-8", ErrInvalidEncoding)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, m.Kind)
	}
}

func (m Message) String() string {
	switch m.Kind {
	case KindInfo:
		return fmt.Sprintf("info(%q)", m.Text)
	case KindHeartbeat:
		return fmt.Sprintf("heartbeat(%d)", m.Clock)
	default:
		return m.Kind.String()
	}
}
