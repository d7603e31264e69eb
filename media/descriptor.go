package media

// DescriptorKind tags the Descriptor union.
type DescriptorKind uint8

const (
	DescriptorVideo DescriptorKind = iota
	DescriptorAudio
)

// Descriptor describes one elementary stream supplied to a writer at
// creation time. It is a closed tagged union: Kind selects which of the
// video or audio fields are meaningful. Descriptors are immutable once
// constructed; writers copy what they need at open.
type Descriptor struct {
	Kind  DescriptorKind
	Codec CodecID

	// TimeBase is the timebase the caller's pts/duration values are
	// expressed in for this stream.
	TimeBase Rational

	BitRate int64

	// Video fields.
	Width       int
	Height      int
	GOPSize     int
	PixelFormat PixelFormat

	// Audio fields.
	SampleFormat SampleFormat
	SampleRate   int
	Channels     int
}

// VideoH264 returns an H.264 video descriptor with the conventional
// defaults: 12-frame GOP, 4:2:0 planar pixels, 1/timeUnit timebase.
func VideoH264(width, height int, bitRate int64, timeUnit int) Descriptor {
	return Descriptor{
		Kind:        DescriptorVideo,
		Codec:       CodecH264,
		TimeBase:    TimeBase(timeUnit),
		BitRate:     bitRate,
		Width:       width,
		Height:      height,
		GOPSize:     12,
		PixelFormat: PixFmtYUV420P,
	}
}

// VideoH265 returns an H.265 video descriptor with the same defaults as
// VideoH264.
func VideoH265(width, height int, bitRate int64, timeUnit int) Descriptor {
	d := VideoH264(width, height, bitRate, timeUnit)
	d.Codec = CodecH265
	return d
}

// AudioAAC returns an AAC audio descriptor.
func AudioAAC(sampleRate, channels int, bitRate int64, timeUnit int) Descriptor {
	return Descriptor{
		Kind:         DescriptorAudio,
		Codec:        CodecAAC,
		TimeBase:     TimeBase(timeUnit),
		BitRate:      bitRate,
		SampleFormat: SampleFmtFLTP,
		SampleRate:   sampleRate,
		Channels:     channels,
	}
}

// IsVideo reports whether the descriptor is the video variant.
func (d Descriptor) IsVideo() bool { return d.Kind == DescriptorVideo }

// IsAudio reports whether the descriptor is the audio variant.
func (d Descriptor) IsAudio() bool { return d.Kind == DescriptorAudio }
