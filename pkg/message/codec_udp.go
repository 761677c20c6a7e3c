package message

import (
	"encoding/binary"
)

// Version is the only CoAP protocol version (RFC 7252 Section 3).
const Version = 1

// udpHeaderSize is the fixed header size of the datagram format.
const udpHeaderSize = 4

// payloadMarker separates options from the payload.
const payloadMarker = 0xFF

// Generic is implemented by the three derived message kinds. The codecs
// return the concrete kind selected by the message code.
type Generic interface {
	// Base returns the common message record.
	Base() *Message
}

// Base returns the request's common message record.
func (r *Request) Base() *Message { return &r.Message }

// Base returns the response's common message record.
func (r *Response) Base() *Message { return &r.Message }

// Base returns the empty message's common message record.
func (e *EmptyMessage) Base() *Message { return &e.Message }

// EncodeUDP serializes a message into the RFC 7252 datagram format.
// The message must have an assigned MID and a valid type.
func EncodeUDP(m *Message) ([]byte, error) {
	if !m.Type.IsValid() {
		return nil, ErrInvalidType
	}
	if len(m.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}

	buf := make([]byte, 0, udpHeaderSize+len(m.Token)+optionsSize(m.Options)+1+len(m.Payload))
	buf = append(buf,
		byte(Version<<6|int(m.Type)<<4|len(m.Token)),
		byte(m.Code),
		0, 0,
	)
	binary.BigEndian.PutUint16(buf[2:], uint16(m.MID))
	buf = append(buf, m.Token...)
	buf = appendOptions(buf, m.Options)
	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// DecodeUDP parses an RFC 7252 datagram into the derived message kind
// selected by its code. Malformed input yields a *FormatError carrying
// the recovered MID where the header was intact, so confirmable garbage
// can be rejected with a Reset (RFC 7252 Section 4.2). A well-formed
// message whose code belongs to no kind yields ErrUnknownCode.
func DecodeUDP(data []byte) (Generic, error) {
	if len(data) < udpHeaderSize {
		return nil, &FormatError{Reason: "datagram shorter than fixed header"}
	}

	version := int(data[0] >> 6)
	typ := Type(data[0] >> 4 & 0x3)
	tkl := int(data[0] & 0xF)
	code := Code(data[1])
	mid := binary.BigEndian.Uint16(data[2:4])

	if version != Version {
		// Unknown version numbers are silently ignored, never rejected.
		return nil, &FormatError{Reason: "unsupported version"}
	}
	fail := func(reason string) error {
		return &FormatError{Reason: reason, Confirmable: typ == TypeCon, MID: mid, HasMID: true}
	}

	if tkl > MaxTokenLength {
		return nil, fail("token length exceeds 8")
	}
	if len(data) < udpHeaderSize+tkl {
		return nil, fail("datagram truncated inside token")
	}
	token := append([]byte(nil), data[udpHeaderSize:udpHeaderSize+tkl]...)

	if code.IsEmpty() {
		// An empty message consists of the 4-byte header only.
		if tkl != 0 || len(data) > udpHeaderSize {
			return nil, fail("empty message with token, options or payload")
		}
		empty := NewEmpty(typ)
		empty.MID = int(mid)
		return empty, nil
	}

	options, payload, err := parseOptions(data[udpHeaderSize+tkl:])
	if err != nil {
		return nil, fail(err.Error())
	}

	return wrap(typ, code, int(mid), token, options, payload)
}

// wrap builds the derived kind selected by the code.
func wrap(typ Type, code Code, mid int, token []byte, options Options, payload []byte) (Generic, error) {
	var m *Message
	var g Generic
	switch {
	case code.IsRequest():
		req := &Request{}
		m, g = &req.Message, req
	case code.IsResponse():
		resp := &Response{}
		m, g = &resp.Message, resp
	default:
		return nil, ErrUnknownCode
	}
	m.Type = typ
	m.Code = code
	m.MID = mid
	m.Token = token
	m.Options = options
	m.Payload = payload
	return g, nil
}

// optionsSize returns a size estimate for the encoded option list.
func optionsSize(opts Options) int {
	n := 0
	for _, o := range opts {
		n += 5 + len(o.Value)
	}
	return n
}

// appendOptions encodes the option list using delta encoding
// (RFC 7252 Section 3.1).
func appendOptions(buf []byte, opts Options) []byte {
	prev := OptionID(0)
	for _, o := range opts {
		delta := int(o.ID - prev)
		prev = o.ID

		dn, dext := optionNibble(delta)
		ln, lext := optionNibble(len(o.Value))
		buf = append(buf, byte(dn<<4|ln))
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)
	}
	return buf
}

// optionNibble splits a delta or length into its nibble and extension
// bytes: 13 adds one byte (value-13), 14 adds two bytes (value-269).
func optionNibble(v int) (int, []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		return 14, []byte{byte((v - 269) >> 8), byte(v - 269)}
	}
}

// parseOptions decodes the option list and returns it with the payload.
// The error values are plain and get wrapped into a FormatError with the
// caller's header knowledge.
func parseOptions(data []byte) (Options, []byte, error) {
	var opts Options
	prev := OptionID(0)

	for len(data) > 0 {
		if data[0] == payloadMarker {
			if len(data) == 1 {
				return nil, nil, errZeroPayload
			}
			return opts, append([]byte(nil), data[1:]...), nil
		}

		dn := int(data[0] >> 4)
		ln := int(data[0] & 0xF)
		data = data[1:]

		delta, rest, err := optionExt(dn, data)
		if err != nil {
			return nil, nil, err
		}
		length, rest, err := optionExt(ln, rest)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < length {
			return nil, nil, errTruncatedOption
		}

		prev += OptionID(delta)
		opts = append(opts, Option{ID: prev, Value: append([]byte(nil), rest[:length]...)})
		data = rest[length:]
	}
	return opts, nil, nil
}

// optionExt resolves an option nibble into its value, consuming
// extension bytes.
func optionExt(nibble int, data []byte) (int, []byte, error) {
	switch nibble {
	case 13:
		if len(data) < 1 {
			return 0, nil, errTruncatedOption
		}
		return int(data[0]) + 13, data[1:], nil
	case 14:
		if len(data) < 2 {
			return 0, nil, errTruncatedOption
		}
		return int(binary.BigEndian.Uint16(data)) + 269, data[2:], nil
	case 15:
		return 0, nil, errReservedNibble
	default:
		return nibble, data, nil
	}
}
