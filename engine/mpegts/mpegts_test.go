package mpegts

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/segmux/segmux/media"
)

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, nal...)
	}
	return out
}

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1F, 0xAB, 0xCD}
	testPPS = []byte{0x68, 0xCE, 0x38, 0x80}
)

func TestCRC32KnownVector(t *testing.T) {
	t.Parallel()

	// CRC-32/MPEG-2 of "123456789".
	if got := computeCRC32([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("computeCRC32 = %#08x, want 0x0376e6e7", got)
	}

	section := []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00}
	crc := computeCRC32(section)
	section = append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	if err := verifyCRC32(section); err != nil {
		t.Errorf("verifyCRC32: %v", err)
	}
	section[3] ^= 0x01
	if err := verifyCRC32(section); err == nil {
		t.Error("verifyCRC32 accepted corrupted section")
	}
}

func TestStreamTypeMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		codec media.CodecID
		st    uint8
	}{
		{codec: media.CodecH264, st: streamTypeH264},
		{codec: media.CodecH265, st: streamTypeH265},
		{codec: media.CodecAAC, st: streamTypeAAC},
	}
	for _, tt := range tests {
		st, err := streamTypeFor(tt.codec)
		if err != nil {
			t.Fatalf("streamTypeFor(%s): %v", tt.codec, err)
		}
		if st != tt.st {
			t.Errorf("streamTypeFor(%s) = %#02x, want %#02x", tt.codec, st, tt.st)
		}
		codec, ok := codecForStreamType(tt.st)
		if !ok || codec != tt.codec {
			t.Errorf("codecForStreamType(%#02x) = %s, want %s", tt.st, codec, tt.codec)
		}
	}

	if _, err := streamTypeFor(media.CodecNone); err == nil {
		t.Error("streamTypeFor(none) succeeded")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()

	values := []int64{0, 1, 90000, 1234567, (1 << 33) - 1}
	for _, v := range values {
		enc := appendTimestamp(nil, 0x02, v)
		if len(enc) != 5 {
			t.Fatalf("encoded length = %d, want 5", len(enc))
		}
		if got := parseTimestamp(enc); got != v {
			t.Errorf("round trip of %d = %d", v, got)
		}
	}
}

func TestMuxerStreamRules(t *testing.T) {
	t.Parallel()

	m := NewMuxer(&bytes.Buffer{})
	if err := m.WriteHeader(nil); err == nil {
		t.Error("WriteHeader with no streams succeeded")
	}

	if _, err := m.NewStream(media.VideoH264(1280, 720, 0, 90000)); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := m.WriteHeader(nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := m.NewStream(media.AudioAAC(48000, 2, 0, 90000)); err == nil {
		t.Error("NewStream after header succeeded")
	}
}

func TestMuxDemuxRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewMuxer(&buf)
	if _, err := m.NewStream(media.VideoH264(1280, 720, 0, 90000)); err != nil {
		t.Fatalf("NewStream video: %v", err)
	}
	if _, err := m.NewStream(media.AudioAAC(48000, 2, 0, 90000)); err != nil {
		t.Fatalf("NewStream audio: %v", err)
	}
	if err := m.WriteHeader(nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	idr := annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84, 0x21})
	slice := annexB([]byte{0x41, 0x9A, 0x42, 0x11})
	adts := bytes.Repeat([]byte{0xFF, 0xF1, 0x50, 0x80}, 8)

	type frame struct {
		stream   int
		data     []byte
		pts, dts int64
		keyframe bool
	}
	input := []frame{
		{stream: 0, data: idr, pts: 0, dts: 0, keyframe: true},
		{stream: 1, data: adts, pts: 0, dts: 0, keyframe: true},
		{stream: 0, data: slice, pts: 7200, dts: 3600},
		{stream: 0, data: idr, pts: 10800, dts: 10800, keyframe: true},
	}
	for i, f := range input {
		err := m.WriteInterleaved(&media.Packet{
			Data: f.data, PTS: f.pts, DTS: f.dts,
			Keyframe: f.keyframe, StreamIndex: f.stream,
		})
		if err != nil {
			t.Fatalf("WriteInterleaved %d: %v", i, err)
		}
	}
	if err := m.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	if m.Size() != int64(buf.Len()) {
		t.Errorf("Size = %d, buffer has %d", m.Size(), buf.Len())
	}
	if buf.Len()%packetSize != 0 {
		t.Fatalf("output not packet aligned: %d bytes", buf.Len())
	}

	d, err := NewDemuxer(context.Background(), bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		t.Fatalf("NewDemuxer: %v", err)
	}
	infos := d.Streams()
	if len(infos) != 2 {
		t.Fatalf("streams = %d, want 2", len(infos))
	}
	if infos[0].Codec != media.CodecH264 || infos[0].CodecTag != "annexb" {
		t.Errorf("stream 0 = %s/%s, want h264/annexb", infos[0].Codec, infos[0].CodecTag)
	}
	if infos[1].Codec != media.CodecAAC || infos[1].CodecTag != "adts" {
		t.Errorf("stream 1 = %s/%s, want aac/adts", infos[1].Codec, infos[1].CodecTag)
	}
	for _, info := range infos {
		if info.TimeBase != (media.Rational{Num: 1, Den: 90000}) {
			t.Errorf("stream %d timebase = %v", info.Index, info.TimeBase)
		}
	}

	// PES units complete out of input order (each flushes when the next
	// unit on its PID starts), so compare per stream.
	var got [2][]*media.Packet
	for {
		pkt, err := d.ReadPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		got[pkt.StreamIndex] = append(got[pkt.StreamIndex], pkt)
	}

	var want [2][]frame
	for _, f := range input {
		want[f.stream] = append(want[f.stream], f)
	}
	for stream := range want {
		if len(got[stream]) != len(want[stream]) {
			t.Fatalf("stream %d: %d packets, want %d", stream, len(got[stream]), len(want[stream]))
		}
		for i, w := range want[stream] {
			g := got[stream][i]
			if !bytes.Equal(g.Data, w.data) {
				t.Errorf("stream %d packet %d: data mismatch (%d vs %d bytes)", stream, i, len(g.Data), len(w.data))
			}
			if g.PTS != w.pts || g.DTS != w.dts {
				t.Errorf("stream %d packet %d: pts/dts = %d/%d, want %d/%d", stream, i, g.PTS, g.DTS, w.pts, w.dts)
			}
			if g.Keyframe != w.keyframe {
				t.Errorf("stream %d packet %d: keyframe = %v, want %v", stream, i, g.Keyframe, w.keyframe)
			}
		}
	}
}

func TestDemuxerNoProgramInfo(t *testing.T) {
	t.Parallel()

	junk := bytes.Repeat([]byte{0x00}, 10*packetSize)
	if _, err := NewDemuxer(context.Background(), bytes.NewReader(junk), nil); err == nil {
		t.Fatal("NewDemuxer on junk succeeded")
	}
}

func TestDemuxerEarlyUnitsKept(t *testing.T) {
	t.Parallel()

	// With PSI repetition off, the first video unit completes before the
	// PMT section does; it must still be delivered.
	var buf bytes.Buffer
	m := NewMuxer(&buf)
	if _, err := m.NewStream(media.VideoH264(1280, 720, 0, 90000)); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := m.WriteHeader(media.Dictionary{"resend_headers": "0"}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	idr := annexB(testSPS, testPPS, []byte{0x65, 0x88})
	for i := 0; i < 3; i++ {
		pkt := &media.Packet{Data: idr, PTS: int64(i) * 3600, DTS: int64(i) * 3600, Keyframe: true, StreamIndex: 0}
		if err := m.WriteInterleaved(pkt); err != nil {
			t.Fatalf("WriteInterleaved %d: %v", i, err)
		}
	}

	d, err := NewDemuxer(context.Background(), bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		t.Fatalf("NewDemuxer: %v", err)
	}
	var n int
	for {
		if _, err := d.ReadPacket(); err != nil {
			break
		}
		n++
	}
	if n != 3 {
		t.Errorf("delivered %d packets, want 3", n)
	}
}
