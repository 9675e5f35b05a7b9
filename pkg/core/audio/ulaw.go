package audio

import (
	"encoding/base64"
	"fmt"
)

// DecodeFrame decodes the base64 payload of a wire audio frame into raw
// mu-law bytes.
func DecodeFrame(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return b, nil
}

// EncodeFrame encodes raw mu-law bytes into the base64 payload carried by a
// wire audio frame.
func EncodeFrame(ulaw []byte) string {
	return base64.StdEncoding.EncodeToString(ulaw)
}

// ULawToPCM expands G.711 mu-law samples to 16-bit signed little-endian PCM.
func ULawToPCM(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := ulawToLinear(u)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// PCMToULaw compresses 16-bit signed little-endian PCM to G.711 mu-law.
// A trailing odd byte is ignored.
func PCMToULaw(pcm []byte) []byte {
	n := len(pcm) / 2
	ulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		ulaw[i] = linearToULaw(s)
	}
	return ulaw
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + 0x84
	value <<= uint(exp)
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func linearToULaw(sample int16) byte {
	const (
		cBias = 0x84
		cClip = 32635
	)
	v := int(sample)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > cClip {
		v = cClip
	}
	v += cBias
	exp := byte(7)
	for mask := 0x4000; (v&mask) == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}
