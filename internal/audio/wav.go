// Package audio handles the PCM16LE buffers that travel over the media
// socket: WAV framing, channel downmix, resampling and test signals.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// StreamSampleRate is the rate the media socket and the model both use.
const StreamSampleRate = 24000

var ErrInvalidWAV = errors.New("invalid wav")

// EncodeWAV wraps mono PCM16LE in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = StreamSampleRate
	}
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeWAV returns mono PCM16LE and its sample rate. Multi-channel input is
// averaged down to one channel.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		haveFmt    bool
		format     uint16
		channels   uint16
		sampleRate int
		bits       uint16
		pcm        []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("%w: chunk %q overruns file", ErrInvalidWAV, id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = chunk
		}
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("%w: fmt chunk missing", ErrInvalidWAV)
	case len(pcm) == 0:
		return nil, 0, fmt.Errorf("%w: data chunk missing", ErrInvalidWAV)
	case format != 1 || bits != 16:
		return nil, 0, fmt.Errorf("%w: need 16-bit PCM, got format %d with %d bits", ErrInvalidWAV, format, bits)
	case channels == 0:
		return nil, 0, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}
	if sampleRate <= 0 {
		sampleRate = StreamSampleRate
	}
	return Downmix(pcm, int(channels)), sampleRate, nil
}

// Downmix averages interleaved channels into mono. A trailing partial frame
// is dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm[:len(pcm)-len(pcm)%2]
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	mono := make([]byte, frames*2)
	for i := range frames {
		base := i * frameBytes
		sum := 0
		for ch := range channels {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/channels)))
	}
	return mono
}

// Resample converts mono PCM16LE between rates by linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	out := int(int64(in) * int64(to) / int64(from))
	dst := make([]byte, out*2)
	for i := range out {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		frac := pos - float64(j)
		a := float64(sample(pcm, j))
		b := a
		if j+1 < in {
			b = float64(sample(pcm, j+1))
		}
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(math.Round(a+(b-a)*frac))))
	}
	return dst
}

// Tone is a sine wave of the given frequency, duration and amplitude
// (0..1), useful as synthetic caller speech.
func Tone(freqHz float64, ms, sampleRate int, amplitude float64) []byte {
	if sampleRate <= 0 {
		sampleRate = StreamSampleRate
	}
	n := sampleRate * ms / 1000
	out := make([]byte, n*2)
	peak := math.Min(math.Max(amplitude, 0), 1) * math.MaxInt16
	for i := range n {
		v := peak * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DurationMS is how long pcm plays at sampleRate, in milliseconds.
func DurationMS(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return len(pcm) / 2 * 1000 / sampleRate
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}
