// Package media defines the core value types that flow between the demux
// and mux facades and the container engines: packets, timebases, codec
// identities, and stream descriptors.
package media

import "math"

// Timestamp sentinels. NoPTS marks an unknown timestamp and MaxPTS an
// unbounded one; both pass through timebase rescaling unchanged.
const (
	NoPTS  = int64(math.MinInt64)
	MaxPTS = int64(math.MaxInt64)
)

// Type distinguishes the elementary stream kinds an engine can carry.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeVideo
	TypeAudio
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// CodecID identifies a compressed elementary stream format. The set is
// closed: engines map these to their container-specific signaling and
// reject anything they cannot carry.
type CodecID uint32

const (
	CodecNone CodecID = iota
	CodecH264
	CodecH265
	CodecAAC
)

func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAAC:
		return "aac"
	default:
		return "none"
	}
}

// Type returns the stream kind the codec belongs to.
func (c CodecID) Type() Type {
	switch c {
	case CodecH264, CodecH265:
		return TypeVideo
	case CodecAAC:
		return TypeAudio
	default:
		return TypeUnknown
	}
}

// HasGOP reports whether streams of this codec have group-of-pictures
// structure, i.e. whether only keyframe packets are independently
// decodable. The SplitWriter uses this to decide which streams constrain
// keyframe-aligned rotation.
func (c CodecID) HasGOP() bool {
	return c == CodecH264 || c == CodecH265
}

// PixelFormat identifies the raw picture layout a video descriptor
// advertises. Only carried through to engines as metadata.
type PixelFormat uint8

const (
	PixFmtNone PixelFormat = iota
	PixFmtYUV420P
)

// SampleFormat identifies the raw audio sample layout of an audio
// descriptor.
type SampleFormat uint8

const (
	SampleFmtNone SampleFormat = iota
	SampleFmtS16
	SampleFmtFLTP
)

// Packet is a single compressed frame in flight between a demuxer,
// bitstream filter, or muxer. Data is borrowed: it is only valid for the
// duration of the call that produced or consumes the packet, and no stage
// may retain it afterwards.
type Packet struct {
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	StreamIndex int
}
