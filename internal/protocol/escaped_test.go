package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelCentimeters(t *testing.T) {
	tests := []struct {
		code uint8
		want float64
	}{
		{0, 0.0},
		{1, 1.5},
		{2, 2.5},
		{3, 4.0},
		{4, 7.0},
		{5, 0.0},
		{255, 0.0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelCentimeters(tt.code), "code %d", tt.code)
	}
}

func TestDecodeEscaped_LevelCodeFour(t *testing.T) {
	in := EscapedPayload{
		Pressure:   101325,
		CentiDegC:  -1250,
		Humidity:   63,
		Luminosity: 420,
		LevelCode:  4,
		Status:     2,
	}
	packet := EncodeEscaped(in, DefaultAMType)

	got, err := DecodeEscaped(packet, DefaultAMType)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	r := got.Report()
	assert.Equal(t, 7.0, r.WaterLevel)
	assert.Equal(t, -12.5, r.Temperature)
	assert.Equal(t, uint32(101325), r.Pressure)
	require.NotNil(t, r.LevelCode)
	assert.Equal(t, uint8(4), *r.LevelCode)
	assert.True(t, r.Estimated())
	assert.True(t, r.Lights.Moto.Green())
}

func TestDecodeEscaped_Errors(t *testing.T) {
	packet := EncodeEscaped(EscapedPayload{LevelCode: 1}, DefaultAMType)

	_, err := DecodeEscaped(packet[len(packet)-escapedTrailer:], DefaultAMType)
	assert.ErrorIs(t, err, ErrTooShort, "payload without its type byte")

	_, err = DecodeEscaped(packet, 7)
	assert.ErrorIs(t, err, ErrAddressMismatch)
}

func TestVerifyCRC(t *testing.T) {
	packet := EncodeEscaped(EscapedPayload{Pressure: 1000, LevelCode: 2}, DefaultAMType)
	require.NoError(t, VerifyCRC(packet))

	packet[10] ^= 0x01
	assert.ErrorIs(t, VerifyCRC(packet), ErrChecksumMismatch)
	assert.ErrorIs(t, VerifyCRC([]byte{1}), ErrTooShort)
}

func TestStuff_EscapesReservedBytes(t *testing.T) {
	got := Stuff([]byte{0x01, FlagByte, 0x02, EscapeByte, 0x03})
	want := []byte{FlagByte, 0x01, EscapeByte, 0x5E, 0x02, EscapeByte, 0x5D, 0x03, FlagByte}
	assert.Equal(t, want, got)
}
