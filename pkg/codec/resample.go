package codec

import "encoding/binary"

const (
	TelephonySampleRate = 8000
	AgentSampleRate     = 16000
)

// Upsample8kTo16k doubles the sample rate by linear interpolation. Every input
// sample is kept and followed by the midpoint to its successor; the last
// sample is duplicated since it has no successor.
func Upsample8kTo16k(in []int16) []int16 {
	n := len(in)
	out := make([]int16, 2*n)
	for i := 0; i < n; i++ {
		out[2*i] = in[i]
		if i+1 < n {
			out[2*i+1] = int16((int32(in[i]) + int32(in[i+1])) / 2)
		} else {
			out[2*i+1] = in[i]
		}
	}
	return out
}

// Downsample16kTo8k halves the sample rate by averaging sample pairs. A
// trailing unpaired sample is passed through.
func Downsample16kTo8k(in []int16) []int16 {
	out := make([]int16, (len(in)+1)/2)
	for i := range out {
		j := 2 * i
		if j+1 < len(in) {
			out[i] = int16((int32(in[j]) + int32(in[j+1])) / 2)
		} else {
			out[i] = in[j]
		}
	}
	return out
}

// PCM16Bytes serializes samples as little-endian 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16Samples parses little-endian 16-bit PCM. An odd trailing byte is ignored.
func PCM16Samples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// DecodeInbound converts a telephony payload (mu-law, 8 kHz) into the agent
// format (PCM16LE, 16 kHz).
func DecodeInbound(mulaw []byte) []byte {
	return PCM16Bytes(Upsample8kTo16k(MulawDecode(mulaw)))
}

// EncodeOutbound converts agent PCM16 16 kHz samples into a mu-law 8 kHz payload.
func EncodeOutbound(samples []int16) []byte {
	return MulawEncode(Downsample16kTo8k(samples))
}
