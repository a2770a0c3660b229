// Package audio handles the PCM and WAV data exchanged with the speech
// engines.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// ErrNotWAV is returned when input is not a PCM WAV container.
var ErrNotWAV = errors.New("not a PCM WAV stream")

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
	Width      int // bytes per sample
}

// DefaultFormat is what Piper voices produce: 22.05 kHz mono 16-bit.
var DefaultFormat = Format{SampleRate: 22050, Channels: 1, Width: 2}

// BytesPerSecond returns the data rate of f.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * f.Width }

// Duration returns how long n bytes of PCM in format f play.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Clip is decoded PCM with its format.
type Clip struct {
	Format
	PCM []byte
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration { return c.Format.Duration(len(c.PCM)) }

// EncodeWAV wraps raw PCM data in a WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(44 + len(pcm))
	_ = WriteWAV(buf, pcm, f)
	return buf.Bytes()
}

// WriteWAV writes a 44-byte canonical header followed by pcm.
func WriteWAV(w io.Writer, pcm []byte, f Format) error {
	dataLen := len(pcm)
	header := struct {
		Riff          [4]byte
		FileLen       uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtLen        uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataLen       uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		FileLen:       uint32(36 + dataLen),
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtLen:        16,
		AudioFormat:   1, // PCM
		Channels:      uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.Channels * f.Width),
		BitsPerSample: uint16(f.Width * 8),
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataLen:       uint32(dataLen),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("writing wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("writing wav data: %w", err)
	}
	return nil
}

// WriteFile stores pcm as a WAV file at path.
func WriteFile(path string, pcm []byte, f Format) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if err := WriteWAV(file, pcm, f); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// DecodeWAV reads a RIFF/WAVE stream, skipping chunks other than fmt and data.
func DecodeWAV(r io.Reader) (*Clip, error) {
	var riff struct {
		ID   [4]byte
		Len  uint32
		Wave [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Wave[:]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		clip   Clip
		gotFmt bool
	)
	for {
		var chunk struct {
			ID  [4]byte
			Len uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("missing data chunk: %w", ErrNotWAV)
			}
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			var fmtChunk struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if chunk.Len < 16 {
				return nil, fmt.Errorf("short fmt chunk: %w", ErrNotWAV)
			}
			if err := binary.Read(r, binary.LittleEndian, &fmtChunk); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if fmtChunk.AudioFormat != 1 {
				return nil, fmt.Errorf("audio format %d: %w", fmtChunk.AudioFormat, ErrNotWAV)
			}
			clip.Format = Format{
				SampleRate: int(fmtChunk.SampleRate),
				Channels:   int(fmtChunk.Channels),
				Width:      int(fmtChunk.BitsPerSample / 8),
			}
			gotFmt = true
			if err := skip(r, int64(chunk.Len)-16); err != nil {
				return nil, err
			}

		case "data":
			if !gotFmt {
				return nil, fmt.Errorf("data before fmt: %w", ErrNotWAV)
			}
			clip.PCM = make([]byte, chunk.Len)
			if _, err := io.ReadFull(r, clip.PCM); err != nil {
				return nil, fmt.Errorf("reading data chunk: %w", err)
			}
			return &clip, nil

		default:
			if err := skip(r, int64(chunk.Len)); err != nil {
				return nil, err
			}
		}
	}
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (*Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()
	return DecodeWAV(file)
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	// Chunks are word aligned.
	if n%2 == 1 {
		n++
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skipping chunk: %w", err)
	}
	return nil
}

// ScaleVolume multiplies 16-bit samples by gain in place, saturating at the
// sample limits. Other widths are left untouched.
func ScaleVolume(pcm []byte, width int, gain float64) {
	if width != 2 || gain == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		v := math.Round(s * gain)
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}
