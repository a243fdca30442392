package eddystone

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// FrameType is the first byte of an Eddystone service data payload.
type FrameType byte

const (
	FrameUID FrameType = 0x00
	FrameURL FrameType = 0x10
	FrameTLM FrameType = 0x20
	FrameEID FrameType = 0x30
)

func (t FrameType) String() string {
	switch t {
	case FrameUID:
		return "uid"
	case FrameURL:
		return "url"
	case FrameTLM:
		return "tlm"
	case FrameEID:
		return "eid"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

var (
	ErrEmptyFrame   = errors.New("empty eddystone frame")
	ErrShortFrame   = errors.New("eddystone frame too short")
	ErrUnknownFrame = errors.New("unknown eddystone frame type")
	ErrInvalidURL   = errors.New("invalid eddystone url frame")
	ErrTLMVersion   = errors.New("unsupported eddystone tlm version")
)

const (
	uidMinLength = 18
	urlMinLength = 4
	tlmLength    = 14
	eidMinLength = 10

	// tlmNoTemperature marks a beacon without a temperature sensor.
	tlmNoTemperature = 0x8000
)

type (
	Namespace [10]byte
	Instance  [6]byte
)

func (n Namespace) String() string { return hex.EncodeToString(n[:]) }

func (i Instance) String() string { return hex.EncodeToString(i[:]) }

// ParseNamespace decodes a 20 character hex namespace.
func ParseNamespace(s string) (Namespace, error) {
	var n Namespace
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("decode namespace %q: %w", s, err)
	}
	if len(b) != len(n) {
		return n, fmt.Errorf("namespace %q must be %d bytes, got %d", s, len(n), len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Telemetry is the unencrypted TLM payload.
type Telemetry struct {
	// BatteryMillivolts is zero when the beacon is not battery powered.
	BatteryMillivolts uint16
	// Temperature in degrees Celsius; valid only when HasTemperature.
	Temperature    float64
	HasTemperature bool
	AdvCount       uint32
	// Uptime in tenths of a second since power-up.
	Uptime uint32
}

// Frame is one decoded Eddystone frame. Fields not carried by Type are zero.
type Frame struct {
	Type      FrameType
	TxPower   int
	Namespace Namespace
	Instance  Instance
	URL       string
	EID       [8]byte
	Telemetry *Telemetry
}

// ParseFrame decodes Eddystone service data.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	f := &Frame{Type: FrameType(data[0])}
	switch f.Type {
	case FrameUID:
		if len(data) < uidMinLength {
			return nil, fmt.Errorf("%w: uid frame has %d bytes", ErrShortFrame, len(data))
		}
		f.TxPower = int(int8(data[1]))
		copy(f.Namespace[:], data[2:12])
		copy(f.Instance[:], data[12:18])
	case FrameURL:
		if len(data) < urlMinLength {
			return nil, fmt.Errorf("%w: url frame has %d bytes", ErrShortFrame, len(data))
		}
		f.TxPower = int(int8(data[1]))
		url, err := decodeURL(data[2], data[3:])
		if err != nil {
			return nil, err
		}
		f.URL = url
	case FrameTLM:
		if data[1] != 0x00 {
			return nil, fmt.Errorf("%w: %d", ErrTLMVersion, data[1])
		}
		if len(data) != tlmLength {
			return nil, fmt.Errorf("%w: tlm frame has %d bytes", ErrShortFrame, len(data))
		}
		f.Telemetry = decodeTLM(data)
	case FrameEID:
		if len(data) < eidMinLength {
			return nil, fmt.Errorf("%w: eid frame has %d bytes", ErrShortFrame, len(data))
		}
		f.TxPower = int(int8(data[1]))
		copy(f.EID[:], data[2:10])
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, data[0])
	}
	return f, nil
}

var urlSchemes = []string{"http://www.", "https://www.", "http://", "https://"}

var urlExpansions = []string{
	".com/", ".org/", ".edu/", ".net/", ".info/", ".biz/", ".gov/",
	".com", ".org", ".edu", ".net", ".info", ".biz", ".gov",
}

func decodeURL(scheme byte, encoded []byte) (string, error) {
	if int(scheme) >= len(urlSchemes) {
		return "", fmt.Errorf("%w: scheme prefix %d", ErrInvalidURL, scheme)
	}
	var b strings.Builder
	b.WriteString(urlSchemes[scheme])
	for _, c := range encoded {
		switch {
		case int(c) < len(urlExpansions):
			b.WriteString(urlExpansions[c])
		case c < 0x20 || c >= 0x7f:
			return "", fmt.Errorf("%w: character 0x%02x", ErrInvalidURL, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func decodeTLM(data []byte) *Telemetry {
	t := &Telemetry{
		BatteryMillivolts: binary.BigEndian.Uint16(data[2:4]),
		AdvCount:          binary.BigEndian.Uint32(data[6:10]),
		Uptime:            binary.BigEndian.Uint32(data[10:14]),
	}
	raw := binary.BigEndian.Uint16(data[4:6])
	if raw != tlmNoTemperature {
		t.Temperature = float64(int16(raw)) / 256.0
		t.HasTemperature = true
	}
	return t
}
