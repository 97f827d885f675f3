// Package audio holds the relay's audio contract: PCM16 little-endian mono.
package audio

import "time"

// SampleRate is the PCM16 rate shared by the local channel and the upstream provider.
const SampleRate = 24000

const bytesPerSample = 2

// BytesFor returns the PCM16 mono byte length for d at sampleRate.
func BytesFor(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return n * bytesPerSample
}

// Duration returns the play time of a PCM16 mono buffer.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Silence returns d worth of zeroed PCM16 samples.
func Silence(d time.Duration, sampleRate int) []byte {
	return make([]byte, BytesFor(d, sampleRate))
}

// Chunk splits pcm into sample-aligned pieces of at most size bytes.
func Chunk(pcm []byte, size int) [][]byte {
	if size < bytesPerSample {
		size = bytesPerSample
	}
	if size%bytesPerSample != 0 {
		size--
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}
