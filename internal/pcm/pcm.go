// Package pcm has the sample conversion helpers used on the capture hot
// path: mono extraction, float/int conversion, and rate decimation for the
// echo canceller inputs.
package pcm

import (
	"encoding/binary"
	"math"

	"github.com/vuemix/echotap/internal/format"
)

// MonoS16 extracts channel 0 of an interleaved source buffer into dst as
// 16-bit little-endian PCM and returns the number of bytes written. The
// source encoding and channel count come from f. dst must have room for
// 2 bytes per frame. This converts format only, never sample rate.
func MonoS16(dst, src []byte, f format.Format) int {
	align := f.BlockAlign()
	if align == 0 {
		return 0
	}
	frames := len(src) / align
	if frames*2 > len(dst) {
		frames = len(dst) / 2
	}

	switch f.Encoding {
	case format.Float32:
		for i := 0; i < frames; i++ {
			bits := binary.LittleEndian.Uint32(src[i*align:])
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(F32ToS16(math.Float32frombits(bits))))
		}
	case format.PCM16:
		for i := 0; i < frames; i++ {
			copy(dst[i*2:i*2+2], src[i*align:])
		}
	}
	return frames * 2
}

// F32ToS16 converts one float sample to 16-bit PCM with clamping.
func F32ToS16(f float32) int16 {
	if f > 1.0 {
		f = 1.0
	} else if f < -1.0 {
		f = -1.0
	}
	return int16(f * 0x7fff)
}

// S16 decodes little-endian 16-bit PCM bytes into dst and returns the
// sample count. dst is grown as needed and returned.
func S16(dst []int16, src []byte) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return dst
}

// PutS16 encodes samples as little-endian 16-bit PCM into dst and returns
// the number of bytes written.
func PutS16(dst []byte, src []int16) int {
	n := len(src)
	if n*2 > len(dst) {
		n = len(dst) / 2
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(src[i]))
	}
	return n * 2
}

// ResampleS16 linearly resamples mono 16-bit samples from srcRate to
// dstRate into dst. dst is grown as needed and returned.
func ResampleS16(dst, src []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		if cap(dst) < len(src) {
			dst = make([]int16, len(src))
		}
		dst = dst[:len(src)]
		copy(dst, src)
		return dst
	}

	n := len(src) * dstRate / srcRate
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]

	for i := 0; i < n; i++ {
		// Fixed-point source position: i * srcRate / dstRate.
		num := i * srcRate
		j := num / dstRate
		frac := num % dstRate
		a := int(src[j])
		b := a
		if j+1 < len(src) {
			b = int(src[j+1])
		}
		dst[i] = int16(a + (b-a)*frac/dstRate)
	}
	return dst
}
