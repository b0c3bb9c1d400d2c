package h3

import (
	"bufio"
	"io"
)

// FrameType identifies an HTTP/3 frame on the wire, RFC 9114 section 7.2.
type FrameType uint64

const (
	FrameTypeData        FrameType = 0x00
	FrameTypeHeaders     FrameType = 0x01
	FrameTypeCancelPush  FrameType = 0x03
	FrameTypeSettings    FrameType = 0x04
	FrameTypePushPromise FrameType = 0x05
	FrameTypeGoaway      FrameType = 0x07
	FrameTypeMaxPushID   FrameType = 0x0D
	FrameTypeDatagram    FrameType = 0x30
)

// Frame is the tagged variant over the HTTP/3 frame set. Exactly one
// of the typed fields is meaningful, selected by Type.
type Frame struct {
	Type FrameType

	Data           []byte // DATA
	HeaderBlock    []byte // HEADERS / PUSH_PROMISE (header block only)
	PushID         uint64 // CANCEL_PUSH / PUSH_PROMISE / MAX_PUSH_ID
	GoawayID       uint64 // GOAWAY
	Settings       []SettingParam
	UnknownType    FrameType // UNKNOWN
	UnknownPayload []byte    // UNKNOWN
}

// SettingParam is one (identifier, value) pair from a SETTINGS frame.
type SettingParam struct {
	ID    uint64
	Value uint64
}

// IsUnknown reports whether this frame is of a type not in the known
// set; such frames are tolerated and consumed rather than rejected.
func (f *Frame) IsUnknown() bool {
	switch f.Type {
	case FrameTypeData, FrameTypeHeaders, FrameTypeCancelPush, FrameTypeSettings,
		FrameTypePushPromise, FrameTypeGoaway, FrameTypeMaxPushID, FrameTypeDatagram:
		return false
	default:
		return true
	}
}

// payloadLen returns the exact encoded payload length for this frame,
// which MUST equal the varint length prefix on the wire.
func (f *Frame) payloadLen() (uint64, error) {
	switch f.Type {
	case FrameTypeData:
		return uint64(len(f.Data)), nil
	case FrameTypeHeaders:
		return uint64(len(f.HeaderBlock)), nil
	case FrameTypeCancelPush, FrameTypeGoaway, FrameTypeMaxPushID:
		var id uint64
		switch f.Type {
		case FrameTypeCancelPush:
			id = f.PushID
		case FrameTypeGoaway:
			id = f.GoawayID
		case FrameTypeMaxPushID:
			id = f.PushID
		}
		n := VarintLen(id)
		if n < 0 {
			return 0, ErrValueTooLarge
		}
		return uint64(n), nil
	case FrameTypeSettings:
		var total uint64
		for _, p := range f.Settings {
			ni, nv := VarintLen(p.ID), VarintLen(p.Value)
			if ni < 0 || nv < 0 {
				return 0, ErrValueTooLarge
			}
			total += uint64(ni + nv)
		}
		return total, nil
	case FrameTypePushPromise:
		n := VarintLen(f.PushID)
		if n < 0 {
			return 0, ErrValueTooLarge
		}
		return uint64(n) + uint64(len(f.HeaderBlock)), nil
	default:
		return uint64(len(f.UnknownPayload)), nil
	}
}

// Encode appends the wire form of f (varint(type) || varint(length) ||
// payload) to b.
func (f *Frame) Encode(b []byte) ([]byte, error) {
	ftype := f.Type
	if f.IsUnknown() {
		ftype = f.UnknownType
	}
	length, err := f.payloadLen()
	if err != nil {
		return b, err
	}
	b, err = AppendVarint(b, uint64(ftype))
	if err != nil {
		return b, err
	}
	b, err = AppendVarint(b, length)
	if err != nil {
		return b, err
	}
	switch f.Type {
	case FrameTypeData:
		b = append(b, f.Data...)
	case FrameTypeHeaders:
		b = append(b, f.HeaderBlock...)
	case FrameTypeCancelPush:
		b = MustAppendVarint(b, f.PushID)
	case FrameTypeGoaway:
		b = MustAppendVarint(b, f.GoawayID)
	case FrameTypeMaxPushID:
		b = MustAppendVarint(b, f.PushID)
	case FrameTypeSettings:
		for _, p := range f.Settings {
			b = MustAppendVarint(b, p.ID)
			b = MustAppendVarint(b, p.Value)
		}
	case FrameTypePushPromise:
		b = MustAppendVarint(b, f.PushID)
		b = append(b, f.HeaderBlock...)
	default:
		b = append(b, f.UnknownPayload...)
	}
	return b, nil
}

// frameReader is the minimal interface frame decoding needs: a
// io.ByteReader for the varints plus bulk io.Reader for payload bytes.
type frameReader interface {
	io.Reader
	io.ByteReader
}

// ReadFrame reads and fully decodes one frame from r. Decoding an unknown
// frame type is never an error; the raw payload is preserved in
// Frame.UnknownPayload so the caller can re-encode it byte-identical.
func ReadFrame(r io.Reader) (*Frame, error) {
	br, ok := r.(frameReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	rawType, _, err := ReadVarint(br)
	if err != nil {
		return nil, err
	}
	length, _, err := ReadVarint(br)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, ErrShortRead
		}
	}
	ftype := FrameType(rawType)
	f := &Frame{Type: ftype}
	switch ftype {
	case FrameTypeData:
		f.Data = payload
	case FrameTypeHeaders:
		f.HeaderBlock = payload
	case FrameTypeCancelPush:
		id, n, err := DecodeVarint(payload)
		if err != nil || n != len(payload) {
			return nil, ProtocolError(ErrCodeFrameError, "malformed CANCEL_PUSH payload", err)
		}
		f.PushID = id
	case FrameTypeGoaway:
		id, n, err := DecodeVarint(payload)
		if err != nil || n != len(payload) {
			return nil, ProtocolError(ErrCodeFrameError, "malformed GOAWAY payload", err)
		}
		f.GoawayID = id
	case FrameTypeMaxPushID:
		id, n, err := DecodeVarint(payload)
		if err != nil || n != len(payload) {
			return nil, ProtocolError(ErrCodeFrameError, "malformed MAX_PUSH_ID payload", err)
		}
		f.PushID = id
	case FrameTypeSettings:
		params, err := decodeSettingsPayload(payload)
		if err != nil {
			return nil, err
		}
		f.Settings = params
	case FrameTypePushPromise:
		id, n, err := DecodeVarint(payload)
		if err != nil {
			return nil, ProtocolError(ErrCodeFrameError, "malformed PUSH_PROMISE payload", err)
		}
		f.PushID = id
		f.HeaderBlock = payload[n:]
	default:
		f.UnknownType = ftype
		f.UnknownPayload = payload
	}
	return f, nil
}

// decodeSettingsPayload parses a sequence of (varint id, varint value)
// pairs consuming the entire declared length; trailing bytes that don't
// form a complete pair are a protocol error.
func decodeSettingsPayload(payload []byte) ([]SettingParam, error) {
	var params []SettingParam
	for len(payload) > 0 {
		id, n1, err := DecodeVarint(payload)
		if err != nil {
			return nil, ProtocolError(ErrCodeSettingsError, "truncated SETTINGS id", err)
		}
		payload = payload[n1:]
		value, n2, err := DecodeVarint(payload)
		if err != nil {
			return nil, ProtocolError(ErrCodeSettingsError, "truncated SETTINGS value", err)
		}
		payload = payload[n2:]
		params = append(params, SettingParam{ID: id, Value: value})
	}
	return params, nil
}
