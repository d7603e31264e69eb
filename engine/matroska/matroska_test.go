package matroska

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/segmux/segmux/media"
)

func TestMuxerStateRules(t *testing.T) {
	t.Parallel()

	m := NewMuxer(&bytes.Buffer{})
	if err := m.WriteInterleaved(&media.Packet{}); err == nil {
		t.Error("write before header succeeded")
	}
	if err := m.WriteHeader(nil); err == nil {
		t.Error("header with no tracks succeeded")
	}
	if _, err := m.NewStream(media.VideoH264(640, 480, 0, 1000)); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := m.WriteHeader(nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := m.WriteHeader(nil); err == nil {
		t.Error("second WriteHeader succeeded")
	}
	if _, err := m.NewStream(media.AudioAAC(48000, 2, 0, 1000)); err == nil {
		t.Error("NewStream after header succeeded")
	}
	if err := m.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	if err := m.WriteInterleaved(&media.Packet{}); err == nil {
		t.Error("write after trailer succeeded")
	}
}

func TestMuxDemuxRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewMuxer(&buf)
	vs, err := m.NewStream(media.VideoH264(1280, 720, 0, 1000))
	if err != nil {
		t.Fatalf("NewStream video: %v", err)
	}
	if vs.TimeBase != (media.Rational{Num: 1, Den: 1000}) {
		t.Errorf("video timebase = %v, want 1/1000", vs.TimeBase)
	}
	if _, err := m.NewStream(media.AudioAAC(48000, 2, 0, 1000)); err != nil {
		t.Fatalf("NewStream audio: %v", err)
	}
	if err := m.WriteHeader(nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	type frame struct {
		stream   int
		data     []byte
		pts      int64
		keyframe bool
	}
	input := []frame{
		{stream: 0, data: []byte{0x65, 0x88, 0x84}, pts: 0, keyframe: true},
		{stream: 1, data: []byte{0xFF, 0xF1, 0x50}, pts: 0, keyframe: true},
		{stream: 0, data: []byte{0x41, 0x9A}, pts: 40},
		{stream: 0, data: []byte{0x65, 0x11, 0x22}, pts: 80, keyframe: true},
	}
	for i, f := range input {
		err := m.WriteInterleaved(&media.Packet{
			Data: f.data, PTS: f.pts, DTS: f.pts,
			Keyframe: f.keyframe, StreamIndex: f.stream,
		})
		if err != nil {
			t.Fatalf("WriteInterleaved %d: %v", i, err)
		}
	}
	if err := m.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if buf.Len() < 4 || !bytes.Equal(buf.Bytes()[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		t.Fatalf("output does not start with the EBML magic: %x", buf.Bytes()[:4])
	}

	d, err := NewDemuxer(context.Background(), bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		t.Fatalf("NewDemuxer: %v", err)
	}
	infos := d.Streams()
	if len(infos) != 2 {
		t.Fatalf("streams = %d, want 2", len(infos))
	}
	if infos[0].Codec != media.CodecH264 || infos[0].CodecTag != "avc1" {
		t.Errorf("stream 0 = %s/%s, want h264/avc1", infos[0].Codec, infos[0].CodecTag)
	}
	if infos[0].Width != 1280 || infos[0].Height != 720 {
		t.Errorf("stream 0 size = %dx%d, want 1280x720", infos[0].Width, infos[0].Height)
	}
	if infos[1].Codec != media.CodecAAC || infos[1].CodecTag != "aac" {
		t.Errorf("stream 1 = %s/%s, want aac/aac", infos[1].Codec, infos[1].CodecTag)
	}
	if infos[1].SampleRate != 48000 || infos[1].Channels != 2 {
		t.Errorf("stream 1 audio = %d Hz x%d, want 48000 Hz x2", infos[1].SampleRate, infos[1].Channels)
	}

	// Blocks come back in storage order, which matches write order here.
	for i, f := range input {
		pkt, err := d.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket %d: %v", i, err)
		}
		if !bytes.Equal(pkt.Data, f.data) {
			t.Errorf("block %d data = %x, want %x", i, pkt.Data, f.data)
		}
		if pkt.PTS != f.pts || pkt.DTS != f.pts {
			t.Errorf("block %d pts/dts = %d/%d, want %d", i, pkt.PTS, pkt.DTS, f.pts)
		}
		if pkt.Keyframe != f.keyframe {
			t.Errorf("block %d keyframe = %v, want %v", i, pkt.Keyframe, f.keyframe)
		}
		if pkt.StreamIndex != f.stream {
			t.Errorf("block %d stream = %d, want %d", i, pkt.StreamIndex, f.stream)
		}
	}
	if _, err := d.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadPacket at end = %v, want io.EOF", err)
	}

	if got := d.StartTime(); got != 0 {
		t.Errorf("StartTime = %d, want 0", got)
	}
	if got := d.Duration(); got != 80*1000 {
		t.Errorf("Duration = %d, want 80000", got)
	}
	var payload int64
	for _, f := range input {
		payload += int64(len(f.data))
	}
	if got, want := d.BitRate(), payload*8*1000/80; got != want {
		t.Errorf("BitRate = %d, want %d", got, want)
	}
}

func TestMuxerSize(t *testing.T) {
	t.Parallel()

	m := NewMuxer(&bytes.Buffer{})
	if _, err := m.NewStream(media.VideoH264(640, 480, 0, 1000)); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if got := m.Size(); got != 0 {
		t.Errorf("Size before header = %d, want 0", got)
	}
	if err := m.WriteHeader(nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if got := m.Size(); got != structuralOverhead {
		t.Errorf("Size after header = %d, want %d", got, structuralOverhead)
	}
	data := bytes.Repeat([]byte{0xAB}, 100)
	if err := m.WriteInterleaved(&media.Packet{Data: data, Keyframe: true}); err != nil {
		t.Fatalf("WriteInterleaved: %v", err)
	}
	if got := m.Size(); got != structuralOverhead+100 {
		t.Errorf("Size after write = %d, want %d", got, structuralOverhead+100)
	}
}

func TestEmptySegment(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewMuxer(&buf)
	if _, err := m.NewStream(media.VideoH264(640, 480, 0, 1000)); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := m.WriteHeader(nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := m.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}

	d, err := NewDemuxer(context.Background(), bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		t.Fatalf("NewDemuxer: %v", err)
	}
	if len(d.Streams()) != 1 {
		t.Fatalf("streams = %d, want 1", len(d.Streams()))
	}
	if _, err := d.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadPacket = %v, want io.EOF", err)
	}
	if got := d.StartTime(); got != media.NoPTS {
		t.Errorf("StartTime = %d, want NoPTS", got)
	}
	if got := d.Duration(); got != media.NoPTS {
		t.Errorf("Duration = %d, want NoPTS", got)
	}
	if got := d.BitRate(); got != 0 {
		t.Errorf("BitRate = %d, want 0", got)
	}
}

func TestBackwardTimecodeOutOfRange(t *testing.T) {
	t.Parallel()

	m := NewMuxer(&bytes.Buffer{})
	if _, err := m.NewStream(media.VideoH264(640, 480, 0, 1000)); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := m.NewStream(media.AudioAAC(48000, 2, 0, 1000)); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := m.WriteHeader(nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	// Keyframe opens a cluster far into the timeline; an audio block that
	// jumps back past the int16 range cannot be stored in it.
	if err := m.WriteInterleaved(&media.Packet{Data: []byte{1}, PTS: 40000, Keyframe: true}); err != nil {
		t.Fatalf("WriteInterleaved: %v", err)
	}
	err := m.WriteInterleaved(&media.Packet{Data: []byte{2}, PTS: 0, StreamIndex: 1})
	if err == nil {
		t.Fatal("block with out-of-range relative timecode accepted")
	}
}
