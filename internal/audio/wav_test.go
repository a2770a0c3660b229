package audio

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 100)
	wav := EncodeWAV(pcm, DefaultFormat)

	require.Len(t, wav, 144)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(136), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]))
	assert.Equal(t, uint32(22050), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(44100), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 2, Width: 2}
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	wav := EncodeWAV(pcm, f)

	// Splice a LIST chunk with an odd length between fmt and data.
	var spliced bytes.Buffer
	spliced.Write(wav[:36])
	spliced.WriteString("LIST")
	_ = binary.Write(&spliced, binary.LittleEndian, uint32(3))
	spliced.Write([]byte{'a', 'b', 'c', 0})
	spliced.Write(wav[36:])

	clip, err := DecodeWAV(&spliced)
	require.NoError(t, err)
	assert.Equal(t, f, clip.Format)
	assert.Equal(t, pcm, clip.PCM)
}

func TestDecodeWAV_Rejects(t *testing.T) {
	_, err := DecodeWAV(bytes.NewReader([]byte("RIFF\x00\x00\x00\x00AVI LIST")))
	assert.ErrorIs(t, err, ErrNotWAV)

	header := EncodeWAV(nil, DefaultFormat)[:36]
	_, err = DecodeWAV(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestWriteFileReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	pcm := make([]byte, DefaultFormat.BytesPerSecond()/2)
	require.NoError(t, WriteFile(path, pcm, DefaultFormat))

	clip, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat, clip.Format)
	assert.Equal(t, 500*time.Millisecond, clip.Duration())
}

func TestScaleVolume(t *testing.T) {
	pcm := make([]byte, 6)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(1000)))
	neg := int16(-30000)
	binary.LittleEndian.PutUint16(pcm[2:], uint16(neg))
	binary.LittleEndian.PutUint16(pcm[4:], uint16(int16(30000)))

	ScaleVolume(pcm, 2, 0.5)
	assert.Equal(t, int16(500), int16(binary.LittleEndian.Uint16(pcm[0:])))
	assert.Equal(t, int16(-15000), int16(binary.LittleEndian.Uint16(pcm[2:])))

	ScaleVolume(pcm, 2, 4)
	assert.Equal(t, int16(2000), int16(binary.LittleEndian.Uint16(pcm[0:])))
	assert.Equal(t, int16(-32768), int16(binary.LittleEndian.Uint16(pcm[2:])))
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(pcm[4:])))

	ScaleVolume(pcm, 2, 0)
	assert.Equal(t, make([]byte, 6), pcm)
}

func TestFormat_DurationZeroRate(t *testing.T) {
	assert.Zero(t, Format{}.Duration(1000))
}
