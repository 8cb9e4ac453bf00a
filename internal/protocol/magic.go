package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/underpass.report/internal/report"
)

// Fixed frame layout, big-endian:
//
//	[AA 55][lux u16][duty u8][temp i16][press u16][hum u16][water u16]
//	[moto y,r][auto y,r][camion y,r][drastic u8][checksum u16]
const (
	MagicHeader    uint16 = 0xAA55
	MagicFrameSize        = 22

	checksumOffset = MagicFrameSize - 2
)

var magicBytes = []byte{byte(MagicHeader >> 8), byte(MagicHeader & 0xFF)}

// Checksum is the unsigned sum of b truncated to 16 bits.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}

// DecodeMagic validates and parses one fixed-length frame. Only the first
// MagicFrameSize bytes are inspected. The returned report has no timestamp;
// the caller stamps it.
func DecodeMagic(frame []byte) (report.Report, error) {
	if len(frame) < MagicFrameSize {
		return report.Report{}, fmt.Errorf("%w: have %d bytes, need %d", ErrShortFrame, len(frame), MagicFrameSize)
	}
	frame = frame[:MagicFrameSize]

	if magic := binary.BigEndian.Uint16(frame[0:2]); magic != MagicHeader {
		return report.Report{}, fmt.Errorf("%w: 0x%04X", ErrMagicMismatch, magic)
	}

	computed := Checksum(frame[:checksumOffset])
	received := binary.BigEndian.Uint16(frame[checksumOffset:])
	if computed != received {
		return report.Report{}, fmt.Errorf("%w: computed 0x%04X, received 0x%04X", ErrChecksumMismatch, computed, received)
	}

	return report.Report{
		Luminosity:  binary.BigEndian.Uint16(frame[2:4]),
		DutyCycle:   frame[4],
		Temperature: float64(int16(binary.BigEndian.Uint16(frame[5:7]))),
		Pressure:    uint32(binary.BigEndian.Uint16(frame[7:9])),
		Humidity:    binary.BigEndian.Uint16(frame[9:11]),
		WaterLevel:  float64(binary.BigEndian.Uint16(frame[11:13])),
		Lights: report.Lights{
			Moto:   report.Light{Yellow: frame[13] != 0, Red: frame[14] != 0},
			Auto:   report.Light{Yellow: frame[15] != 0, Red: frame[16] != 0},
			Camion: report.Light{Yellow: frame[17] != 0, Red: frame[18] != 0},
		},
		DrasticChange: frame[19] != 0,
	}, nil
}

// EncodeMagic builds the wire frame for r, the inverse of DecodeMagic.
// Temperature and water level are rounded; pressure saturates at 65535.
func EncodeMagic(r report.Report) []byte {
	frame := make([]byte, MagicFrameSize)
	binary.BigEndian.PutUint16(frame[0:2], MagicHeader)
	binary.BigEndian.PutUint16(frame[2:4], r.Luminosity)
	frame[4] = r.DutyCycle
	binary.BigEndian.PutUint16(frame[5:7], uint16(int16(math.Round(r.Temperature))))
	binary.BigEndian.PutUint16(frame[7:9], uint16(min(r.Pressure, math.MaxUint16)))
	binary.BigEndian.PutUint16(frame[9:11], r.Humidity)
	binary.BigEndian.PutUint16(frame[11:13], uint16(math.Round(r.WaterLevel)))
	frame[13] = boolByte(r.Lights.Moto.Yellow)
	frame[14] = boolByte(r.Lights.Moto.Red)
	frame[15] = boolByte(r.Lights.Auto.Yellow)
	frame[16] = boolByte(r.Lights.Auto.Red)
	frame[17] = boolByte(r.Lights.Camion.Yellow)
	frame[18] = boolByte(r.Lights.Camion.Red)
	frame[19] = boolByte(r.DrasticChange)
	binary.BigEndian.PutUint16(frame[checksumOffset:], Checksum(frame[:checksumOffset]))
	return frame
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
