// Package matroska implements the Matroska container engine on top of
// github.com/at-wat/ebml-go. The muxer assembles the whole segment in
// memory and marshals it when the trailer is written, so cluster and
// segment sizes come out exact; the demuxer unmarshals the full input at
// open. Timestamps use the conventional 1 ms Matroska timebase
// (TimecodeScale 1000000 ns).
package matroska

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/at-wat/ebml-go"

	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/media"
)

var timeBase = media.Rational{Num: 1, Den: 1000}

// maxClusterSpan caps a cluster's timecode span so relative block
// timecodes always fit int16.
const maxClusterSpan = 30000

func init() {
	engine.Register(engine.Format{
		Name:       "matroska",
		Extensions: []string{".mkv", ".webm"},
		Probe: func(prefix []byte) bool {
			// EBML magic.
			return len(prefix) >= 4 && prefix[0] == 0x1A && prefix[1] == 0x45 &&
				prefix[2] == 0xDF && prefix[3] == 0xA3
		},
		NewMuxer: func(w io.Writer) (engine.Muxer, error) {
			return NewMuxer(w), nil
		},
		NewDemuxer: func(ctx context.Context, r io.Reader, opts media.Dictionary) (engine.Demuxer, error) {
			return NewDemuxer(ctx, r, opts)
		},
	})
}

type ebmlHeader struct {
	EBMLVersion            uint64
	EBMLReadVersion        uint64
	EBMLMaxIDLength        uint64
	EBMLMaxSizeLength      uint64
	EBMLDocType            string
	EBMLDocTypeVersion     uint64
	EBMLDocTypeReadVersion uint64
}

type segmentInfo struct {
	TimecodeScale uint64
	MuxingApp     string
	WritingApp    string
}

type videoTrack struct {
	PixelWidth  uint64
	PixelHeight uint64
}

type audioTrack struct {
	SamplingFrequency float64
	Channels          uint64
}

type trackEntry struct {
	TrackNumber  uint64
	TrackUID     uint64
	TrackType    uint64
	CodecID      string
	CodecPrivate []byte      `ebml:",omitempty"`
	Video        *videoTrack `ebml:",omitempty"`
	Audio        *audioTrack `ebml:",omitempty"`
}

type tracks struct {
	TrackEntry []trackEntry
}

type cluster struct {
	Timecode    uint64
	SimpleBlock []ebml.Block
}

type segment struct {
	Info    segmentInfo
	Tracks  tracks
	Cluster []cluster
}

type container struct {
	Header  ebmlHeader `ebml:"EBML"`
	Segment segment
}

const (
	trackTypeVideo = 1
	trackTypeAudio = 2
)

func codecIDFor(codec media.CodecID) (string, error) {
	switch codec {
	case media.CodecH264:
		return "V_MPEG4/ISO/AVC", nil
	case media.CodecH265:
		return "V_MPEGH/ISO/HEVC", nil
	case media.CodecAAC:
		return "A_AAC", nil
	default:
		return "", fmt.Errorf("matroska: codec %s cannot be carried", codec)
	}
}

func codecForID(id string) (media.CodecID, string, bool) {
	switch id {
	case "V_MPEG4/ISO/AVC":
		return media.CodecH264, "avc1", true
	case "V_MPEGH/ISO/HEVC":
		return media.CodecH265, "hvc1", true
	case "A_AAC":
		return media.CodecAAC, "aac", true
	default:
		return media.CodecNone, "", false
	}
}

func newHeader() ebmlHeader {
	return ebmlHeader{
		EBMLVersion:            1,
		EBMLReadVersion:        1,
		EBMLMaxIDLength:        4,
		EBMLMaxSizeLength:      8,
		EBMLDocType:            "matroska",
		EBMLDocTypeVersion:     2,
		EBMLDocTypeReadVersion: 2,
	}
}

// Muxer buffers simple blocks into clusters and marshals the finished
// segment on WriteTrailer. Size reports the payload bytes accepted so
// far (plus a fixed structural estimate), not file bytes, since nothing
// reaches the destination before the trailer.
type Muxer struct {
	w io.Writer

	seg           segment
	headerWritten bool
	trailerDone   bool
	size          int64
}

// structuralOverhead approximates the EBML header, segment info, and
// track metadata so Size is never zero after the header is written.
const structuralOverhead = 256

// NewMuxer returns a muxer assembling a Matroska segment for w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{
		w: w,
		seg: segment{
			Info: segmentInfo{
				TimecodeScale: 1000000, // 1 ms ticks
				MuxingApp:     "segmux",
				WritingApp:    "segmux",
			},
		},
	}
}

// NewStream adds a track for the descriptor. All tracks must be added
// before WriteHeader.
func (m *Muxer) NewStream(desc media.Descriptor) (engine.Stream, error) {
	if m.headerWritten {
		return engine.Stream{}, errors.New("matroska: track added after header")
	}
	codecID, err := codecIDFor(desc.Codec)
	if err != nil {
		return engine.Stream{}, err
	}

	n := uint64(len(m.seg.Tracks.TrackEntry) + 1)
	entry := trackEntry{
		TrackNumber: n,
		TrackUID:    n,
		CodecID:     codecID,
	}
	if desc.IsVideo() {
		entry.TrackType = trackTypeVideo
		entry.Video = &videoTrack{
			PixelWidth:  uint64(desc.Width),
			PixelHeight: uint64(desc.Height),
		}
	} else {
		entry.TrackType = trackTypeAudio
		entry.Audio = &audioTrack{
			SamplingFrequency: float64(desc.SampleRate),
			Channels:          uint64(desc.Channels),
		}
	}
	m.seg.Tracks.TrackEntry = append(m.seg.Tracks.TrackEntry, entry)
	return engine.Stream{Index: int(n) - 1, TimeBase: timeBase}, nil
}

// WriteHeader freezes the track layout. Matroska has no incremental
// header to emit; everything is written with the trailer.
func (m *Muxer) WriteHeader(_ media.Dictionary) error {
	if m.headerWritten {
		return errors.New("matroska: header already written")
	}
	if len(m.seg.Tracks.TrackEntry) == 0 {
		return errors.New("matroska: no tracks")
	}
	m.headerWritten = true
	m.size += structuralOverhead
	return nil
}

// WriteInterleaved appends one simple block. A new cluster opens on the
// first block, on video keyframes, and when the relative timecode would
// leave int16 range.
func (m *Muxer) WriteInterleaved(pkt *media.Packet) error {
	if !m.headerWritten {
		return errors.New("matroska: header not written")
	}
	if m.trailerDone {
		return errors.New("matroska: trailer already written")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.seg.Tracks.TrackEntry) {
		return fmt.Errorf("matroska: track index %d out of range", pkt.StreamIndex)
	}

	pts := pkt.PTS
	if pts == media.NoPTS {
		pts = 0
	}
	if pts < 0 {
		pts = 0
	}

	video := m.seg.Tracks.TrackEntry[pkt.StreamIndex].TrackType == trackTypeVideo
	if len(m.seg.Cluster) == 0 ||
		(video && pkt.Keyframe) ||
		pts-int64(m.seg.Cluster[len(m.seg.Cluster)-1].Timecode) > maxClusterSpan {
		m.seg.Cluster = append(m.seg.Cluster, cluster{Timecode: uint64(pts)})
	}

	c := &m.seg.Cluster[len(m.seg.Cluster)-1]
	rel := pts - int64(c.Timecode)
	if rel < -32768 || rel > 32767 {
		return fmt.Errorf("matroska: block timecode %d out of cluster range", rel)
	}

	data := make([]byte, len(pkt.Data))
	copy(data, pkt.Data)
	c.SimpleBlock = append(c.SimpleBlock, ebml.Block{
		TrackNumber: uint64(pkt.StreamIndex + 1),
		Timecode:    int16(rel),
		Keyframe:    pkt.Keyframe,
		Data:        [][]byte{data},
	})
	m.size += int64(len(data))
	return nil
}

// WriteTrailer marshals the assembled container to the destination.
func (m *Muxer) WriteTrailer() error {
	if !m.headerWritten {
		return errors.New("matroska: header not written")
	}
	if m.trailerDone {
		return nil
	}
	m.trailerDone = true
	doc := container{Header: newHeader(), Segment: m.seg}
	if err := ebml.Marshal(&doc, m.w); err != nil {
		return fmt.Errorf("matroska: marshal: %w", err)
	}
	return nil
}

// Flush is a no-op: data only reaches the destination at trailer time.
func (m *Muxer) Flush() error { return nil }

// Size returns the bytes accepted so far. This is a logical size (block
// payloads plus structural overhead); the physical file appears at
// trailer time.
func (m *Muxer) Size() int64 { return m.size }

// Close releases the muxer without writing anything further.
func (m *Muxer) Close() error { return nil }

// Demuxer reads a whole Matroska input at open and serves its blocks in
// storage order.
type Demuxer struct {
	ctx    context.Context
	infos  []engine.StreamInfo
	blocks []*media.Packet
	next   int

	startMS int64
	endMS   int64
	bytes   int64
}

// NewDemuxer unmarshals the container from r and prepares its blocks for
// reading.
func NewDemuxer(ctx context.Context, r io.Reader, _ media.Dictionary) (*Demuxer, error) {
	var doc container
	if err := ebml.Unmarshal(r, &doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("matroska: unmarshal: %w", err)
	}

	d := &Demuxer{ctx: ctx}
	trackToIndex := make(map[uint64]int)
	for _, t := range doc.Segment.Tracks.TrackEntry {
		codec, tag, ok := codecForID(t.CodecID)
		if !ok {
			continue
		}
		info := engine.StreamInfo{
			Index:     len(d.infos),
			Codec:     codec,
			Type:      codec.Type(),
			CodecTag:  tag,
			TimeBase:  timeBase,
			Extradata: t.CodecPrivate,
		}
		if t.Video != nil {
			info.Width = int(t.Video.PixelWidth)
			info.Height = int(t.Video.PixelHeight)
		}
		if t.Audio != nil {
			info.SampleRate = int(t.Audio.SamplingFrequency)
			info.Channels = int(t.Audio.Channels)
		}
		trackToIndex[t.TrackNumber] = info.Index
		d.infos = append(d.infos, info)
	}

	for _, c := range doc.Segment.Cluster {
		for _, b := range c.SimpleBlock {
			index, ok := trackToIndex[b.TrackNumber]
			if !ok {
				continue
			}
			var data []byte
			for _, lace := range b.Data {
				data = append(data, lace...)
			}
			pts := int64(c.Timecode) + int64(b.Timecode)
			if len(d.blocks) == 0 || pts < d.startMS {
				d.startMS = pts
			}
			if pts > d.endMS {
				d.endMS = pts
			}
			d.bytes += int64(len(data))
			d.blocks = append(d.blocks, &media.Packet{
				Data:        data,
				PTS:         pts,
				DTS:         pts,
				Keyframe:    b.Keyframe,
				StreamIndex: index,
			})
		}
	}
	return d, nil
}

// Streams returns the recognized tracks in storage order.
func (d *Demuxer) Streams() []engine.StreamInfo {
	out := make([]engine.StreamInfo, len(d.infos))
	copy(out, d.infos)
	return out
}

// ReadPacket returns the next block, or io.EOF.
func (d *Demuxer) ReadPacket() (*media.Packet, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.blocks) {
		return nil, io.EOF
	}
	pkt := d.blocks[d.next]
	d.next++
	return pkt, nil
}

// StartTime returns the earliest block time in microseconds, or
// media.NoPTS for an empty segment.
func (d *Demuxer) StartTime() int64 {
	if len(d.blocks) == 0 {
		return media.NoPTS
	}
	return d.startMS * 1000
}

// Duration returns the block timeline span in microseconds, or
// media.NoPTS for an empty segment.
func (d *Demuxer) Duration() int64 {
	if len(d.blocks) == 0 {
		return media.NoPTS
	}
	return (d.endMS - d.startMS) * 1000
}

// BitRate estimates the overall payload bit rate, or 0 when the segment
// spans no time.
func (d *Demuxer) BitRate() int64 {
	span := d.endMS - d.startMS
	if span <= 0 {
		return 0
	}
	return d.bytes * 8 * 1000 / span
}

// Close releases the demuxer; the source reader is owned by the caller.
func (d *Demuxer) Close() error { return nil }
