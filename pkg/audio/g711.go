package audio

// G.711 μ-law codec. The telephony leg carries 8-bit μ-law samples at 8 kHz;
// recognition, recording, and analytics all want linear PCM, so every inbound
// media frame passes through DecodeULaw exactly once.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawToLinear expands a single μ-law byte to a linear int16 sample.
func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	value := (int32(mantissa) << 3) + ulawBias
	value <<= exponent
	value -= ulawBias
	if sign != 0 {
		value = -value
	}
	return int16(value)
}

// linearToULaw compresses a linear int16 sample to a μ-law byte.
func linearToULaw(s int16) byte {
	sign := byte(0)
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeULaw expands μ-law bytes to little-endian int16 PCM. The output is
// twice the length of the input.
func DecodeULaw(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := ulawToLinear(u)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// EncodeULaw compresses little-endian int16 PCM to μ-law bytes. A trailing
// odd byte is ignored.
func EncodeULaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	ulaw := make([]byte, samples)
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		ulaw[i] = linearToULaw(s)
	}
	return ulaw
}
