package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing length nibble thresholds (RFC 8323 Section 3.2).
const (
	tcpLen8Bit  = 13
	tcpLen16Bit = 14
	tcpLen32Bit = 15

	tcpLen8Offset  = 13
	tcpLen16Offset = 269
	tcpLen32Offset = 65805
)

// EncodeTCP serializes a message into the RFC 8323 stream format. The
// stream format carries no type and no MID; reliability comes from the
// transport.
func EncodeTCP(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}

	var body []byte
	body = appendOptions(body, m.Options)
	if len(m.Payload) > 0 {
		body = append(body, payloadMarker)
		body = append(body, m.Payload...)
	}

	ln, ext := tcpLengthField(len(body))
	buf := make([]byte, 0, 2+len(ext)+len(m.Token)+len(body))
	buf = append(buf, byte(ln<<4|len(m.Token)))
	buf = append(buf, ext...)
	buf = append(buf, byte(m.Code))
	buf = append(buf, m.Token...)
	buf = append(buf, body...)
	return buf, nil
}

// tcpLengthField splits a body length into its nibble and extension bytes.
func tcpLengthField(n int) (int, []byte) {
	switch {
	case n < tcpLen8Offset:
		return n, nil
	case n < tcpLen16Offset:
		return tcpLen8Bit, []byte{byte(n - tcpLen8Offset)}
	case n < tcpLen32Offset:
		v := n - tcpLen16Offset
		return tcpLen16Bit, []byte{byte(v >> 8), byte(v)}
	default:
		v := uint32(n - tcpLen32Offset)
		ext := make([]byte, 4)
		binary.BigEndian.PutUint32(ext, v)
		return tcpLen32Bit, ext
	}
}

// DecodeTCP parses a complete RFC 8323 frame into the derived message
// kind selected by its code. Stream messages decode with type NON and no
// MID; the stream itself provides ordering and reliability.
func DecodeTCP(frame []byte) (Generic, error) {
	if len(frame) < 2 {
		return nil, &FormatError{Reason: "frame shorter than minimal header"}
	}

	ln := int(frame[0] >> 4)
	tkl := int(frame[0] & 0xF)
	if tkl > MaxTokenLength {
		return nil, &FormatError{Reason: "token length exceeds 8"}
	}

	offset := 1
	bodyLen, extSize, err := tcpBodyLength(ln, frame[offset:])
	if err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}
	offset += extSize

	if len(frame) < offset+1+tkl {
		return nil, &FormatError{Reason: "frame truncated inside header"}
	}
	code := Code(frame[offset])
	offset++
	token := append([]byte(nil), frame[offset:offset+tkl]...)
	offset += tkl

	if len(frame)-offset != bodyLen {
		return nil, &FormatError{Reason: "frame length disagrees with length field"}
	}

	if code.IsEmpty() {
		if tkl != 0 || bodyLen != 0 {
			return nil, &FormatError{Reason: "empty message with token, options or payload"}
		}
		return NewEmpty(TypeNon), nil
	}

	options, payload, err := parseOptions(frame[offset:])
	if err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}

	return wrap(TypeNon, code, NoMID, token, options, payload)
}

// ReadTCPFrame reads exactly one RFC 8323 frame from the stream. The
// returned slice is the complete frame, suitable for DecodeTCP. maxSize
// bounds the accepted frame size; zero means no bound.
func ReadTCPFrame(r io.Reader, maxSize int) ([]byte, error) {
	head := make([]byte, 1)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	ln := int(head[0] >> 4)
	tkl := int(head[0] & 0xF)

	extSize := tcpExtSize(ln)
	rest := make([]byte, extSize+1+tkl) // extension bytes, code, token
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	bodyLen, _, err := tcpBodyLength(ln, rest)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && 1+len(rest)+bodyLen > maxSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMessageTooLarge, 1+len(rest)+bodyLen)
	}

	frame := make([]byte, 1+len(rest)+bodyLen)
	frame[0] = head[0]
	copy(frame[1:], rest)
	if _, err := io.ReadFull(r, frame[1+len(rest):]); err != nil {
		return nil, err
	}
	return frame, nil
}

// tcpExtSize returns the number of length extension bytes for a nibble.
func tcpExtSize(ln int) int {
	switch ln {
	case tcpLen8Bit:
		return 1
	case tcpLen16Bit:
		return 2
	case tcpLen32Bit:
		return 4
	default:
		return 0
	}
}

// tcpBodyLength resolves the length nibble against its extension bytes.
// Returns the body length and the number of extension bytes consumed.
func tcpBodyLength(ln int, ext []byte) (int, int, error) {
	size := tcpExtSize(ln)
	if len(ext) < size {
		return 0, 0, errTruncatedOption
	}
	switch ln {
	case tcpLen8Bit:
		return int(ext[0]) + tcpLen8Offset, 1, nil
	case tcpLen16Bit:
		return int(binary.BigEndian.Uint16(ext)) + tcpLen16Offset, 2, nil
	case tcpLen32Bit:
		return int(binary.BigEndian.Uint32(ext)) + tcpLen32Offset, 4, nil
	default:
		return ln, 0, nil
	}
}
