package encoder

import (
	"encoding/binary"
	"fmt"
	"math"
)

const WAVHeaderSize = 44

// Format is the subset of a WAV header that DecodeWAV reports.
type Format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeWAV turns one chunk of float samples into a complete mono 16 kHz
// 16-bit PCM WAV file. Identical input always yields identical bytes.
func EncodeWAV(samples []float32) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, WAVHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], Channels)
	binary.LittleEndian.PutUint32(buf[24:28], SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], BytesPerSec)
	binary.LittleEndian.PutUint16(buf[32:34], Channels*BitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	off := WAVHeaderSize
	for _, s := range samples {
		binary.LittleEndian.PutUint16(buf[off:], uint16(FloatToPCM16(s)))
		off += 2
	}
	return buf
}

// FloatToPCM16 clamps s to [-1, 1] and scales it asymmetrically: negative
// values by 32768, positive values by 32767.
func FloatToPCM16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// DecodeWAV parses a canonical 44-byte header and returns the PCM samples
// that follow it.
func DecodeWAV(data []byte) (Format, []int16, error) {
	if len(data) < WAVHeaderSize {
		return Format{}, nil, fmt.Errorf("wav too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("not a RIFF/WAVE file")
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return Format{}, nil, fmt.Errorf("unsupported wav layout")
	}

	f := Format{
		AudioFormat:   binary.LittleEndian.Uint16(data[20:22]),
		Channels:      binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(data[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(data[34:36]),
		DataSize:      binary.LittleEndian.Uint32(data[40:44]),
	}
	if f.AudioFormat != 1 || f.BitsPerSample != 16 {
		return f, nil, fmt.Errorf("unsupported wav encoding: format %d, %d bits", f.AudioFormat, f.BitsPerSample)
	}

	pcm := data[WAVHeaderSize:]
	if int(f.DataSize) < len(pcm) {
		pcm = pcm[:f.DataSize]
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return f, samples, nil
}

// PCM16ToFloat converts signed 16-bit samples to floats in [-1, 1).
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
