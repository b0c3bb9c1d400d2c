package h3

// Setting identifiers, RFC 9204 section 7.2.3 / RFC 9114 section 7.2.4.1.
const (
	SettingQPACKMaxTableCapacity uint64 = 0x01
	SettingMaxFieldSectionSize   uint64 = 0x06
	SettingQPACKBlockedStreams   uint64 = 0x07
)

// Default settings values this client advertises.
const (
	DefaultQPACKMaxTableCapacity uint64 = 4096
	DefaultMaxFieldSectionSize   uint64 = 16384
	DefaultQPACKBlockedStreams   uint64 = 100
)

// Settings is the negotiated state of a connection's SETTINGS exchange, in
// both directions.
type Settings struct {
	QPACKMaxTableCapacity uint64
	MaxFieldSectionSize   uint64
	QPACKBlockedStreams   uint64
	Other                 map[uint64]uint64
}

// DefaultSettings returns the settings this client advertises to peers.
func DefaultSettings() *Settings {
	return &Settings{
		QPACKMaxTableCapacity: DefaultQPACKMaxTableCapacity,
		MaxFieldSectionSize:   DefaultMaxFieldSectionSize,
		QPACKBlockedStreams:   DefaultQPACKBlockedStreams,
	}
}

// Frame renders s as a SETTINGS frame, in the canonical order QPACK
// capacity, max field section size, QPACK blocked streams, then any
// additional vendor parameters.
func (s *Settings) Frame() *Frame {
	params := []SettingParam{
		{ID: SettingQPACKMaxTableCapacity, Value: s.QPACKMaxTableCapacity},
		{ID: SettingMaxFieldSectionSize, Value: s.MaxFieldSectionSize},
		{ID: SettingQPACKBlockedStreams, Value: s.QPACKBlockedStreams},
	}
	for id, v := range s.Other {
		params = append(params, SettingParam{ID: id, Value: v})
	}
	return &Frame{Type: FrameTypeSettings, Settings: params}
}

// ParseSettings builds a Settings from a decoded SETTINGS frame's params.
func ParseSettings(f *Frame) *Settings {
	s := &Settings{
		QPACKMaxTableCapacity: DefaultQPACKMaxTableCapacity,
		MaxFieldSectionSize:   DefaultMaxFieldSectionSize,
		QPACKBlockedStreams:   DefaultQPACKBlockedStreams,
	}
	for _, p := range f.Settings {
		switch p.ID {
		case SettingQPACKMaxTableCapacity:
			s.QPACKMaxTableCapacity = p.Value
		case SettingMaxFieldSectionSize:
			s.MaxFieldSectionSize = p.Value
		case SettingQPACKBlockedStreams:
			s.QPACKBlockedStreams = p.Value
		default:
			if s.Other == nil {
				s.Other = make(map[uint64]uint64)
			}
			s.Other[p.ID] = p.Value
		}
	}
	return s
}

// Unidirectional stream type bytes, RFC 9114 section 6.2.
const (
	StreamTypeControl      uint64 = 0x00
	StreamTypePush         uint64 = 0x01
	StreamTypeQPACKEncoder uint64 = 0x02
	StreamTypeQPACKDecoder uint64 = 0x03
)
