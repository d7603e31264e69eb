// Package bsf provides the per-stream bitstream filters that sit between
// a demuxer and the packet consumer: converters from length-prefixed NAL
// encapsulation to Annex B, and an identity filter for streams that need
// no conversion.
//
// Filters follow a submit/receive protocol. Submit hands one packet to
// the filter; Receive drains converted packets. ErrAgain from Receive
// means the filter needs more input, ErrAgain from Submit means pending
// output must be drained first. Submitting nil flushes the filter; once
// flushed and drained, Receive returns io.EOF.
package bsf

import (
	"errors"
	"fmt"
	"io"

	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/media"
)

// ErrAgain signals a transient filter state, not a failure: Receive
// needs more input, or Submit needs the pending output drained.
var ErrAgain = errors.New("bsf: again")

// Filter transforms compressed elementary-stream packets without
// decoding them.
type Filter interface {
	// Name identifies the filter, e.g. "h264_mp4toannexb" or "null".
	Name() string

	// Submit hands a packet to the filter. A nil packet flushes it.
	Submit(pkt *media.Packet) error

	// Receive returns the next converted packet, ErrAgain when more
	// input is needed, or io.EOF once the filter is flushed and drained.
	Receive() (*media.Packet, error)
}

// ForStream selects and configures the filter for a stream, keyed on the
// codec tag the demuxer reported. Length-prefixed AVC and HEVC
// encapsulations get an Annex B converter; everything else passes
// through untouched.
func ForStream(info engine.StreamInfo) (Filter, error) {
	switch info.CodecTag {
	case "avc1":
		return newH264MP4ToAnnexB(info.Extradata)
	case "hev1", "hvc1":
		return newH265MP4ToAnnexB(info.Extradata)
	default:
		return &Null{}, nil
	}
}

// New creates a filter by name, configured with the stream's parameters.
func New(name string, info engine.StreamInfo) (Filter, error) {
	switch name {
	case "null", "":
		return &Null{}, nil
	case "h264_mp4toannexb":
		return newH264MP4ToAnnexB(info.Extradata)
	case "hevc_mp4toannexb":
		return newH265MP4ToAnnexB(info.Extradata)
	default:
		return nil, fmt.Errorf("bsf: unknown filter %q", name)
	}
}

// Null passes packets through unchanged.
type Null struct {
	pending *media.Packet
	flushed bool
}

func (*Null) Name() string { return "null" }

func (f *Null) Submit(pkt *media.Packet) error {
	if pkt == nil {
		f.flushed = true
		return nil
	}
	if f.flushed {
		return errors.New("bsf: submit after flush")
	}
	if f.pending != nil {
		return ErrAgain
	}
	f.pending = pkt
	return nil
}

func (f *Null) Receive() (*media.Packet, error) {
	if f.pending == nil {
		if f.flushed {
			return nil, io.EOF
		}
		return nil, ErrAgain
	}
	pkt := f.pending
	f.pending = nil
	return pkt, nil
}
