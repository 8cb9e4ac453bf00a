package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"

	"github.com/banshee-data/underpass.report/internal/report"
)

// Flag-delimited framing used by the alternate firmware. Reserved bytes inside
// a frame are sent as EscapeByte followed by the original byte XOR EscapeMask.
const (
	FlagByte   byte = 0x7E
	EscapeByte byte = 0x7D
	EscapeMask byte = 0x20

	// EscapedPayloadSize is the sensor payload carried by every frame:
	// pressure u32, temperature i16 (centi-°C), humidity u16, lux u16,
	// level code u8, status u8.
	EscapedPayloadSize = 12
	// escapedTrailer is the payload plus the two CRC bytes that follow it.
	escapedTrailer = EscapedPayloadSize + 2

	// DefaultAMType is the message type byte that precedes a sensor payload.
	DefaultAMType byte = 6
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// levelCentimeters maps a firmware level code to an estimated water depth.
var levelCentimeters = [...]float64{0.0, 1.5, 2.5, 4.0, 7.0}

// LevelCentimeters returns the estimated depth for a level code. Unknown codes
// read as 0.
func LevelCentimeters(code uint8) float64 {
	if int(code) < len(levelCentimeters) {
		return levelCentimeters[code]
	}
	return 0
}

// EscapedPayload is the decoded body of an escaped frame.
type EscapedPayload struct {
	Pressure   uint32
	CentiDegC  int16
	Humidity   uint16
	Luminosity uint16
	LevelCode  uint8
	Status     uint8
}

// Report converts the payload to a sensor report. The water level is an
// estimate derived from the level code.
func (p EscapedPayload) Report() report.Report {
	code := p.LevelCode
	return report.Report{
		Luminosity:  p.Luminosity,
		Temperature: float64(p.CentiDegC) / 100,
		Pressure:    p.Pressure,
		Humidity:    p.Humidity,
		WaterLevel:  LevelCentimeters(code),
		LevelCode:   &code,
	}
}

// DecodeEscaped parses an already de-stuffed frame (without flag bytes). The
// payload is the 12 bytes before the trailing CRC and must be preceded by
// amType.
func DecodeEscaped(packet []byte, amType byte) (EscapedPayload, error) {
	if len(packet) < escapedTrailer+1 {
		return EscapedPayload{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(packet))
	}
	start := len(packet) - escapedTrailer
	if t := packet[start-1]; t != amType {
		return EscapedPayload{}, fmt.Errorf("%w: got %d, want %d", ErrAddressMismatch, t, amType)
	}
	p := packet[start : start+EscapedPayloadSize]
	return EscapedPayload{
		Pressure:   binary.BigEndian.Uint32(p[0:4]),
		CentiDegC:  int16(binary.BigEndian.Uint16(p[4:6])),
		Humidity:   binary.BigEndian.Uint16(p[6:8]),
		Luminosity: binary.BigEndian.Uint16(p[8:10]),
		LevelCode:  p[10],
		Status:     p[11],
	}, nil
}

// VerifyCRC checks the little-endian CRC-16/XMODEM in the last two bytes of a
// de-stuffed frame against every byte before it.
func VerifyCRC(packet []byte) error {
	if len(packet) < 3 {
		return fmt.Errorf("%w: %d bytes", ErrTooShort, len(packet))
	}
	body := packet[:len(packet)-2]
	computed := crc16.Checksum(body, crcTable)
	received := binary.LittleEndian.Uint16(packet[len(packet)-2:])
	if computed != received {
		return fmt.Errorf("%w: crc computed 0x%04X, received 0x%04X", ErrChecksumMismatch, computed, received)
	}
	return nil
}

// EncodeEscaped builds a de-stuffed frame carrying p: a serial header ending
// in amType, the payload and its CRC.
func EncodeEscaped(p EscapedPayload, amType byte) []byte {
	// protocol, dispatch, dest(2), src(2), length, group, type
	packet := []byte{0x45, 0x00, 0xFF, 0xFF, 0x00, 0x01, EscapedPayloadSize, 0x00, amType}
	var body [EscapedPayloadSize]byte
	binary.BigEndian.PutUint32(body[0:4], p.Pressure)
	binary.BigEndian.PutUint16(body[4:6], uint16(p.CentiDegC))
	binary.BigEndian.PutUint16(body[6:8], p.Humidity)
	binary.BigEndian.PutUint16(body[8:10], p.Luminosity)
	body[10] = p.LevelCode
	body[11] = p.Status
	packet = append(packet, body[:]...)
	return binary.LittleEndian.AppendUint16(packet, crc16.Checksum(packet, crcTable))
}

// Stuff escapes reserved bytes in frame and wraps it in flag bytes.
func Stuff(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+2)
	out = append(out, FlagByte)
	for _, b := range frame {
		if b == FlagByte || b == EscapeByte {
			out = append(out, EscapeByte, b^EscapeMask)
			continue
		}
		out = append(out, b)
	}
	return append(out, FlagByte)
}
