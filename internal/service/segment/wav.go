package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV header is 44 bytes for standard PCM files.
const wavHeaderSize = 44

const wavFormatPCM = 1

// Format describes PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BlockAlign is the size of one sample frame in bytes.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

var (
	errNotWAV = errors.New("not a RIFF/WAVE file")
	errNotPCM = errors.New("audio format is not PCM")
	errEmpty  = errors.New("audio stream is empty")
)

// ReadWAV parses a RIFF/WAVE stream and returns its format and raw PCM data.
// Chunks other than "fmt " and "data" are skipped.
func ReadWAV(r io.Reader) (Format, []byte, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Format{}, nil, errEmpty
		}
		return Format{}, nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, nil, errNotWAV
	}

	var (
		format    Format
		audioFmt  uint16
		haveFmt   bool
		chunkHead [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunkHead[:]); err != nil {
			return Format{}, nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunkHead[0:4])
		size := int64(binary.LittleEndian.Uint32(chunkHead[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("fmt chunk too short: %d", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			audioFmt = binary.LittleEndian.Uint16(body[0:2])
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			format.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, errors.New("data chunk before fmt chunk")
			}
			if audioFmt != wavFormatPCM {
				return Format{}, nil, fmt.Errorf("%w: format tag %d", errNotPCM, audioFmt)
			}
			data, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return Format{}, nil, fmt.Errorf("read data chunk: %w", err)
			}
			if int64(len(data)) != size {
				return Format{}, nil, fmt.Errorf("data chunk truncated: got %d of %d bytes", len(data), size)
			}
			return format, data, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		if size%2 == 1 && id == "fmt " {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return Format{}, nil, fmt.Errorf("skip pad byte: %w", err)
			}
		}
	}
}

// EncodeWAV wraps raw PCM data in a canonical 44-byte WAV header.
func EncodeWAV(f Format, pcm []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))

	le := binary.LittleEndian
	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(16))
	binary.Write(&buf, le, uint16(wavFormatPCM))
	binary.Write(&buf, le, uint16(f.Channels))
	binary.Write(&buf, le, uint32(f.SampleRate))
	binary.Write(&buf, le, uint32(f.SampleRate*f.BlockAlign()))
	binary.Write(&buf, le, uint16(f.BlockAlign()))
	binary.Write(&buf, le, uint16(f.BitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// PCM returns the raw samples of a canonical WAV produced by EncodeWAV.
func PCM(wav []byte) ([]byte, error) {
	if len(wav) < wavHeaderSize || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, errNotWAV
	}
	return wav[wavHeaderSize:], nil
}
