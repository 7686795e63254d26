package audio

import "encoding/binary"

// Conform converts an interleaved PCM16 payload described by in to the
// channel count and sample rate of out. Payloads that are compressed, or
// whose format is not fully known, are returned unchanged. A trailing partial
// frame is dropped.
//
// Channels are mapped by position: a mono source fills the front pair,
// extra source channels are dropped and missing ones are silent. Rate changes
// use linear interpolation and run on whichever side has fewer channels.
func Conform(pcm []byte, in, out Spec) []byte {
	if in.Codec.IsCompressed() || out.Codec.IsCompressed() {
		return pcm
	}
	if in.Channels <= 0 || in.SampleRate <= 0 || out.Channels <= 0 || out.SampleRate <= 0 {
		return pcm
	}
	if in.Channels == out.Channels && in.SampleRate == out.SampleRate {
		return pcm
	}

	s := decode16(pcm, in.Channels)
	if out.Channels < in.Channels {
		s = remap(s, in.Channels, out.Channels)
		s = resample(s, out.Channels, in.SampleRate, out.SampleRate)
	} else {
		s = resample(s, in.Channels, in.SampleRate, out.SampleRate)
		s = remap(s, in.Channels, out.Channels)
	}
	return encode16(s)
}

// decode16 reads whole frames of ch channels from pcm.
func decode16(pcm []byte, ch int) []int16 {
	n := len(pcm) / 2
	n -= n % ch
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return s
}

func encode16(s []int16) []byte {
	b := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

// remap changes the width of interleaved frames from from to to channels.
func remap(s []int16, from, to int) []int16 {
	if from == to {
		return s
	}
	frames := len(s) / from
	out := make([]int16, frames*to)
	for f := range frames {
		src := s[f*from : (f+1)*from]
		dst := out[f*to : (f+1)*to]
		if from == 1 {
			dst[0] = src[0]
			if to > 1 {
				dst[1] = src[0]
			}
			continue
		}
		copy(dst, src)
	}
	return out
}

// resample converts interleaved frames of ch channels from rate from to rate
// to by linear interpolation between neighbouring frames.
func resample(s []int16, ch, from, to int) []int16 {
	if from == to || len(s) == 0 {
		return s
	}
	srcFrames := len(s) / ch
	dstFrames := int(int64(srcFrames) * int64(to) / int64(from))
	out := make([]int16, dstFrames*ch)
	step := float64(from) / float64(to)
	for f := range dstFrames {
		pos := float64(f) * step
		i := int(pos)
		frac := pos - float64(i)
		next := min(i+1, srcFrames-1)
		for c := range ch {
			a, b := float64(s[i*ch+c]), float64(s[next*ch+c])
			out[f*ch+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}
