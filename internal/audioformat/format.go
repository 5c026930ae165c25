// Package audioformat provides the closed tagged-variant format detector and
// handler registry called for in spec §9 ("Dynamic dispatch"), plus a
// lightweight signal-quality heuristic for BufferChunk.qualityScore.
//
// The WAV container writer is adapted from the teacher's pkg/audio/wav.go;
// the RMS-based quality heuristic is adapted from pkg/orchestrator/vad.go's
// calculateRMS (the VAD state machine itself has no home in this domain —
// see DESIGN.md — but the signal-energy computation is exactly the kind of
// characteristic the original buffer components use to derive quality
// scores for BufferChunk).
package audioformat

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Format is the closed variant set named in spec §9.
type Format string

const (
	FormatPCM     Format = "pcm" // raw LINEAR16, the core contract (spec §6.1)
	FormatWAV     Format = "wav"
	FormatWebM    Format = "webm"
	FormatOgg     Format = "ogg"
	FormatMP4     Format = "mp4"
	FormatUnknown Format = "unknown"
)

// Detect sniffs a chunk's magic bytes and returns the best-guess Format.
// Chunks of at least 4 bytes with no recognized container magic are assumed
// to be raw PCM, since that is the core's default wire contract (spec §6.1);
// chunks shorter than 4 bytes are reported as FormatUnknown.
func Detect(chunk []byte) Format {
	switch {
	case len(chunk) >= 12 && bytes.Equal(chunk[0:4], []byte("RIFF")) && bytes.Equal(chunk[8:12], []byte("WAVE")):
		return FormatWAV
	case len(chunk) >= 4 && bytes.Equal(chunk[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(chunk) >= 4 && bytes.Equal(chunk[0:4], []byte("OggS")):
		return FormatOgg
	case len(chunk) >= 8 && bytes.Equal(chunk[4:8], []byte("ftyp")):
		return FormatMP4
	case len(chunk) < 4:
		return FormatUnknown
	default:
		return FormatPCM
	}
}

// Handler decodes a container's payload down to LINEAR16 PCM, the only
// format the pipeline understands internally (spec §6.1).
type Handler func(chunk []byte) ([]byte, error)

// identityHandler passes bytes through unchanged — the fallback for
// FormatPCM and FormatUnknown (spec §9: "fallback is the identity handler
// for unknown").
func identityHandler(chunk []byte) ([]byte, error) { return chunk, nil }

// stripWAVHeader strips the 44-byte canonical WAV header, assuming a PCM
// payload follows (the common case for speaker-supplied WAV containers).
func stripWAVHeader(chunk []byte) ([]byte, error) {
	const headerLen = 44
	if len(chunk) < headerLen {
		return chunk, nil
	}
	return chunk[headerLen:], nil
}

// Registry maps each Format to its decode Handler (spec §9: "handler
// registry keyed by AudioFormat").
var Registry = map[Format]Handler{
	FormatPCM:     identityHandler,
	FormatWAV:     stripWAVHeader,
	FormatUnknown: identityHandler,
	// WebM/Ogg/MP4 containers require a full demuxer; none is wired in this
	// build (no SPEC_FULL.md component needs them without one). Registering
	// the identity handler here would silently corrupt audio, so they are
	// deliberately absent; ToPCM returns an error for them instead.
}

// ToPCM decodes chunk to LINEAR16 PCM using the detected format's handler.
func ToPCM(chunk []byte) ([]byte, Format, error) {
	f := Detect(chunk)
	h, ok := Registry[f]
	if !ok {
		return nil, f, &UnsupportedFormatError{Format: f}
	}
	pcm, err := h(chunk)
	return pcm, f, err
}

// UnsupportedFormatError reports a detected format with no registered decoder.
type UnsupportedFormatError struct{ Format Format }

func (e *UnsupportedFormatError) Error() string {
	return "audioformat: unsupported container format: " + string(e.Format)
}

// WrapWAV builds a canonical 16-bit mono WAV container around raw PCM,
// adapted from the teacher's pkg/audio/wav.go NewWavBuffer.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// QualityScore derives a [0,1] signal-quality heuristic for a PCM chunk from
// its RMS energy, used to populate BufferChunk.qualityScore (spec §3) where
// no upstream engine confidence is yet available. A mid-range RMS (neither
// silent nor clipped) scores highest.
func QualityScore(pcm []byte) float64 {
	rms := calculateRMS(pcm)
	switch {
	case rms <= 0.0005:
		return 0.05 // near silence
	case rms >= 0.95:
		return 0.2 // likely clipping
	default:
		// Peaks around rms=0.2 (comfortable speech level), tapering off
		// toward the extremes.
		v := 1.0 - math.Abs(rms-0.2)/0.8
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v
	}
}

func calculateRMS(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
