// Package sample converts between the radio's big-endian fixed point sample
// formats and the float values handed to the DSP layer.
package sample

import "math"

const (
	// Scale24 is 1/2^23, the weight of one LSB of a 24-bit sample
	Scale24 = 1.1920928955078125e-7

	// MicScale converts a 16-bit microphone sample to roughly -1.0..1.0
	MicScale = 0.00003051

	max24 = 1<<23 - 1
	min24 = -1 << 23
)

// Int24 decodes three big-endian bytes of two's complement data
func Int24(b []byte) int32 {
	_ = b[2]
	return int32(int8(b[0]))<<16 | int32(b[1])<<8 | int32(b[2])
}

// PutInt24 writes the low 24 bits of v big-endian into b
func PutInt24(b []byte, v int32) {
	_ = b[2]
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// Float24 decodes a 24-bit sample scaled to -1.0..1.0
func Float24(b []byte) float64 {
	return float64(Int24(b)) * Scale24
}

// FromFloat24 is the inverse of Float24, rounding to the nearest step and
// saturating at the 24-bit range
func FromFloat24(x float64) int32 {
	v := math.Round(x / Scale24)
	if v > max24 {
		return max24
	}
	if v < min24 {
		return min24
	}
	return int32(v)
}

// IQ24 decodes one 6-byte I/Q pair
func IQ24(b []byte) (i, q float64) {
	_ = b[5]
	return Float24(b[0:3]), Float24(b[3:6])
}

// Int16 decodes a big-endian signed 16-bit sample
func Int16(b []byte) int16 {
	_ = b[1]
	return int16(uint16(b[0])<<8 | uint16(b[1]))
}

// PutInt16 writes v big-endian into b
func PutInt16(b []byte, v int16) {
	_ = b[1]
	b[0] = byte(uint16(v) >> 8)
	b[1] = byte(v)
}

// Mic converts a 16-bit microphone sample to float
func Mic(v int16) float32 {
	return float32(v) * MicScale
}
