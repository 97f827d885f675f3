package audio

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"os"
	"testing"
	"time"
)

func TestEncodeDecodeWAVMono(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav len = %d, want %d", len(wav), 44+len(pcm))
	}
	got, rate, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	frames := []int16{100, 300, -200, -400}
	data := make([]byte, len(frames)*2)
	for i, s := range frames {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(2), uint32(SampleRate), uint32(SampleRate * 4), uint16(4), uint16(16)} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	mono, rate, err := DecodeWAVPCM16(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if rate != SampleRate {
		t.Fatalf("rate = %d", rate)
	}
	if len(mono) != 4 {
		t.Fatalf("mono len = %d, want 4", len(mono))
	}
	if s := int16(binary.LittleEndian.Uint16(mono[0:2])); s != 200 {
		t.Fatalf("sample0 = %d, want 200", s)
	}
	if s := int16(binary.LittleEndian.Uint16(mono[2:4])); s != -300 {
		t.Fatalf("sample1 = %d, want -300", s)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAVPCM16([]byte("not a wav file at all")); err == nil {
		t.Fatalf("expected error for non-wav input")
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	if err := WriteWAVPCM16LEFile(path, Silence(10*time.Millisecond, SampleRate), SampleRate); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 44+480 {
		t.Fatalf("size = %d, want %d", info.Size(), 44+480)
	}
}

func TestPCMHelpers(t *testing.T) {
	if n := BytesFor(100*time.Millisecond, SampleRate); n != 4800 {
		t.Fatalf("BytesFor(100ms) = %d, want 4800", n)
	}
	if d := Duration(make([]byte, 4800), SampleRate); d != 100*time.Millisecond {
		t.Fatalf("Duration = %v, want 100ms", d)
	}
	chunks := Chunk(make([]byte, 10), 3)
	if len(chunks) != 5 || len(chunks[0]) != 2 {
		t.Fatalf("Chunk() = %d chunks (first %d bytes), want 5 x 2", len(chunks), len(chunks[0]))
	}
}
