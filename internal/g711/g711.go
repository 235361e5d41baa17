// Package g711 decodes G.711 companded audio (PCMU/μ-law and PCMA/A-law)
// to 16-bit signed linear PCM. Decoding is table-driven: both 256-entry
// tables are built once at package init from the standard expansion
// formulas, so per-byte decoding is a single array lookup.
package g711

import "encoding/binary"

// RTP payload types for the supported codecs (RFC 3551).
const (
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law
)

// Codec identifies one of the two supported G.711 variants.
type Codec int

const (
	PCMU Codec = iota // μ-law
	PCMA              // A-law
)

func (c Codec) String() string {
	switch c {
	case PCMU:
		return "ulaw"
	case PCMA:
		return "alaw"
	default:
		return "unknown"
	}
}

// PayloadType returns the static RTP payload type for the codec.
func (c Codec) PayloadType() uint8 {
	if c == PCMA {
		return PayloadPCMA
	}
	return PayloadPCMU
}

// FromPayloadType maps an RTP payload type to a codec. The second return
// value is false for any payload type other than 0 (PCMU) or 8 (PCMA).
func FromPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case PayloadPCMU:
		return PCMU, true
	case PayloadPCMA:
		return PCMA, true
	default:
		return 0, false
	}
}

// ParseCodec maps a codec name ("ulaw" or "alaw") to a Codec.
func ParseCodec(name string) (Codec, bool) {
	switch name {
	case "ulaw":
		return PCMU, true
	case "alaw":
		return PCMA, true
	default:
		return 0, false
	}
}

// G.711 u-law decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = expandUlaw(uint8(i))
		alawToLinear[i] = expandAlaw(uint8(i))
	}
}

// expandUlaw converts a u-law byte to a 16-bit linear PCM sample.
// The byte is transmitted inverted; after re-inversion it carries a sign
// bit, a 3-bit exponent, and a 4-bit mantissa. The magnitude is rebuilt
// with the standard 0x84 bias, giving the canonical ±32124 range.
func expandUlaw(u uint8) int16 {
	const bias = 0x84

	u = ^u
	sign := int32(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := uint(u>>4) & 0x07
	mantissa := int32(u & 0x0F)
	magnitude := ((mantissa<<3 + bias) << exponent) - bias
	return int16(sign * magnitude)
}

// expandAlaw converts an a-law byte to a 16-bit linear PCM sample.
// A-law bytes are transmitted with even bits inverted (XOR 0x55).
// The result covers the canonical ±32256 range.
func expandAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int32(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := uint(a>>4) & 0x07
	mantissa := int32(a & 0x0F)
	var magnitude int32
	if exponent == 0 {
		magnitude = mantissa<<4 | 0x08
	} else {
		magnitude = (mantissa<<4 | 0x108) << (exponent - 1)
	}
	return int16(sign * magnitude)
}

// DecodeULaw returns the linear PCM sample for one u-law byte.
func DecodeULaw(b byte) int16 { return ulawToLinear[b] }

// DecodeALaw returns the linear PCM sample for one a-law byte.
func DecodeALaw(b byte) int16 { return alawToLinear[b] }

// Decode appends the linear PCM expansion of payload to dst and returns the
// extended slice. Each companded byte becomes one 16-bit little-endian
// sample, so the output is exactly twice the input length.
func (c Codec) Decode(dst, payload []byte) []byte {
	table := &ulawToLinear
	if c == PCMA {
		table = &alawToLinear
	}
	for _, b := range payload {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(table[b]))
	}
	return dst
}
