package demux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/media"
)

// The scripted format replays streams and packets from a JSON file, so
// reader behavior can be tested without a real container.
type script struct {
	Streams []engine.StreamInfo
	Packets []scriptPacket
}

type scriptPacket struct {
	Data     []byte
	PTS      int64
	DTS      int64
	Duration int64
	Keyframe bool
	Stream   int
}

type scriptDemuxer struct {
	ctx  context.Context
	s    script
	next int
}

func (d *scriptDemuxer) Streams() []engine.StreamInfo { return d.s.Streams }

func (d *scriptDemuxer) ReadPacket() (*media.Packet, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.s.Packets) {
		return nil, io.EOF
	}
	p := d.s.Packets[d.next]
	d.next++
	return &media.Packet{
		Data: p.Data, PTS: p.PTS, DTS: p.DTS, Duration: p.Duration,
		Keyframe: p.Keyframe, StreamIndex: p.Stream,
	}, nil
}

func (d *scriptDemuxer) Close() error { return nil }

func init() {
	engine.Register(engine.Format{
		Name:       "scripted",
		Extensions: []string{".script"},
		NewDemuxer: func(ctx context.Context, r io.Reader, _ media.Dictionary) (engine.Demuxer, error) {
			raw, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			d := &scriptDemuxer{ctx: ctx}
			if err := json.Unmarshal(raw, &d.s); err != nil {
				return nil, err
			}
			return d, nil
		},
	})
}

func writeScript(t *testing.T, s script) string {
	t.Helper()
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal script: %v", err)
	}
	path := filepath.Join(t.TempDir(), "input.script")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1F}
	testPPS = []byte{0x68, 0xCE, 0x38}
)

func testAVCC() []byte {
	out := []byte{1, 0x42, 0x00, 0x1F, 0xFF, 0xE1}
	out = append(out, 0x00, byte(len(testSPS)))
	out = append(out, testSPS...)
	out = append(out, 0x01, 0x00, byte(len(testPPS)))
	out = append(out, testPPS...)
	return out
}

func lengthPrefixed(nal []byte) []byte {
	out := []byte{0, 0, 0, byte(len(nal))}
	return append(out, nal...)
}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nal...)
	}
	return out
}

func TestReaderNormalizesLengthPrefixed(t *testing.T) {
	t.Parallel()

	idr := []byte{0x65, 0x88, 0x84}
	path := writeScript(t, script{
		Streams: []engine.StreamInfo{{
			Index: 0, Codec: media.CodecH264, Type: media.TypeVideo,
			CodecTag: "avc1", TimeBase: media.Rational{Num: 1, Den: 1000},
			Extradata: testAVCC(),
		}},
		Packets: []scriptPacket{
			{Data: lengthPrefixed(idr), PTS: 40, DTS: 40, Keyframe: true},
		},
	})

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	pkt, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if want := annexB(testSPS, testPPS, idr); !bytes.Equal(pkt.Data, want) {
		t.Errorf("frame data = %x, want %x", pkt.Data, want)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame at end = %v, want io.EOF", err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("repeated ReadFrame at end = %v, want io.EOF", err)
	}
}

func TestReaderSubmitFailureEndsStream(t *testing.T) {
	t.Parallel()

	// The length prefix claims far more bytes than the sample holds, so
	// the normalizer rejects it. The loop treats that as exhaustion.
	bad := []byte{0, 0, 0, 200, 0x65, 0x88}
	path := writeScript(t, script{
		Streams: []engine.StreamInfo{{
			Index: 0, Codec: media.CodecH264, Type: media.TypeVideo,
			CodecTag: "avc1", TimeBase: media.Rational{Num: 1, Den: 1000},
			Extradata: testAVCC(),
		}},
		Packets: []scriptPacket{
			{Data: bad, PTS: 0, Keyframe: true},
			{Data: lengthPrefixed([]byte{0x65, 0x88, 0x84}), PTS: 40, Keyframe: true},
		},
	})

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame after bad sample = %v, want io.EOF", err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("repeated ReadFrame = %v, want io.EOF", err)
	}
}

func TestReaderTimeUnit(t *testing.T) {
	t.Parallel()

	path := writeScript(t, script{
		Streams: []engine.StreamInfo{{
			Index: 0, Codec: media.CodecH264, Type: media.TypeVideo,
			CodecTag: "annexb", TimeBase: media.Rational{Num: 1, Den: 90000},
		}},
		Packets: []scriptPacket{
			{Data: []byte{1}, PTS: 90000, DTS: 90000, Duration: 3600},
			{Data: []byte{2}, PTS: 93003, DTS: 93003},
			{Data: []byte{3}, PTS: media.NoPTS, DTS: media.NoPTS},
		},
	})

	r, err := Open(path, Options{TimeUnit: 1000000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	want := []struct {
		pts, duration int64
	}{
		{pts: 1000000, duration: 40000},
		{pts: 1033367, duration: 0}, // 93003/90000 s rounds to nearest us
		{pts: media.NoPTS, duration: 0},
	}
	for i, w := range want {
		pkt, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if pkt.PTS != w.pts {
			t.Errorf("frame %d pts = %d, want %d", i, pkt.PTS, w.pts)
		}
		if pkt.Duration != w.duration {
			t.Errorf("frame %d duration = %d, want %d", i, pkt.Duration, w.duration)
		}
	}
}

func TestReaderFramesIterator(t *testing.T) {
	t.Parallel()

	path := writeScript(t, script{
		Streams: []engine.StreamInfo{
			{Index: 0, Codec: media.CodecH264, Type: media.TypeVideo, CodecTag: "annexb", TimeBase: media.Rational{Num: 1, Den: 1000}},
			{Index: 1, Codec: media.CodecAAC, Type: media.TypeAudio, CodecTag: "adts", TimeBase: media.Rational{Num: 1, Den: 1000}},
		},
		Packets: []scriptPacket{
			{Data: []byte{1}, PTS: 0, Keyframe: true},
			{Data: []byte{2}, PTS: 0, Stream: 1},
			{Data: []byte{3}, PTS: 40},
		},
	})

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var codecs []media.CodecID
	for pkt, info := range r.Frames() {
		if pkt.StreamIndex != info.Index {
			t.Errorf("packet stream %d paired with info %d", pkt.StreamIndex, info.Index)
		}
		codecs = append(codecs, info.Codec)
	}
	want := []media.CodecID{media.CodecH264, media.CodecAAC, media.CodecH264}
	if len(codecs) != len(want) {
		t.Fatalf("iterated %d frames, want %d", len(codecs), len(want))
	}
	for i := range want {
		if codecs[i] != want[i] {
			t.Errorf("frame %d codec = %s, want %s", i, codecs[i], want[i])
		}
	}

	infos := r.FrameInfos()
	if len(infos) != 2 || infos[0].Type != media.TypeVideo || infos[1].Type != media.TypeAudio {
		t.Errorf("FrameInfos = %+v", infos)
	}
}

func TestReaderContextCancel(t *testing.T) {
	t.Parallel()

	path := writeScript(t, script{
		Streams: []engine.StreamInfo{{
			Index: 0, Codec: media.CodecH264, Type: media.TypeVideo,
			CodecTag: "annexb", TimeBase: media.Rational{Num: 1, Den: 1000},
		}},
		Packets: []scriptPacket{{Data: []byte{1}}, {Data: []byte{2}}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	r, err := Open(path, Options{Context: ctx})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	cancel()
	if _, err := r.ReadFrame(); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadFrame after cancel = %v, want context.Canceled", err)
	}
}

func TestReaderClosed(t *testing.T) {
	t.Parallel()

	path := writeScript(t, script{
		Streams: []engine.StreamInfo{{
			Index: 0, Codec: media.CodecH264, Type: media.TypeVideo,
			CodecTag: "annexb", TimeBase: media.Rational{Num: 1, Den: 1000},
		}},
		Packets: []scriptPacket{{Data: []byte{1}}},
	})

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame after Close = %v, want io.EOF", err)
	}
}
