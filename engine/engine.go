// Package engine defines the narrow boundary between the demux/mux
// facades and the container implementations behind them. Facades only
// ever see the Muxer and Demuxer interfaces plus immutable StreamInfo
// snapshots; everything container-specific lives in the engine
// subpackages that register themselves here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmux/segmux/media"
)

// ErrFormatUnknown is returned when no registered format matches the
// requested name, the file extension, or the probed content.
var ErrFormatUnknown = errors.New("engine: unknown container format")

// StreamInfo is an immutable snapshot of one elementary stream discovered
// in an input. CodecTag identifies the container-specific encapsulation
// (e.g. "avc1" for length-prefixed ISOBMFF-style H.264) and drives
// bitstream filter selection in the reader.
type StreamInfo struct {
	Index     int
	Codec     media.CodecID
	Type      media.Type
	CodecTag  string
	TimeBase  media.Rational
	Extradata []byte

	// Video metadata, when known.
	Width  int
	Height int

	// Audio metadata, when known.
	SampleRate int
	Channels   int
}

// Stream is the handle a Muxer returns for a newly created output stream:
// the index packets must carry and the timebase their timestamps must be
// expressed in.
type Stream struct {
	Index    int
	TimeBase media.Rational
}

// Muxer writes packets into one container output. Streams are created
// before WriteHeader; WriteTrailer finalizes the container. A Muxer owns
// whatever it writes to and releases it exactly once on Close.
type Muxer interface {
	NewStream(desc media.Descriptor) (Stream, error)
	WriteHeader(opts media.Dictionary) error
	WriteInterleaved(pkt *media.Packet) error
	WriteTrailer() error
	Flush() error
	Size() int64
	Close() error
}

// Demuxer reads packets from one container input. ReadPacket returns
// io.EOF when the source is exhausted.
type Demuxer interface {
	Streams() []StreamInfo
	ReadPacket() (*media.Packet, error)
	Close() error
}

// Format describes one registered container implementation.
type Format struct {
	// Name is the format identifier callers pass through, e.g. "mpegts".
	Name string
	// Extensions lists filename extensions (with dot) the format claims.
	Extensions []string
	// Probe reports whether a content prefix looks like this format.
	// May be nil when the format cannot be probed.
	Probe func(prefix []byte) bool
	// NewMuxer builds a muxer writing to w. Nil for demux-only formats.
	NewMuxer func(w io.Writer) (Muxer, error)
	// NewDemuxer builds a demuxer reading from r. The demuxer must check
	// ctx between packets. Nil for mux-only formats.
	NewDemuxer func(ctx context.Context, r io.Reader, opts media.Dictionary) (Demuxer, error)
}

var formats []Format

// Register adds a format to the registry. Engine subpackages call this
// from init; later registrations of the same name shadow earlier ones.
func Register(f Format) {
	formats = append([]Format{f}, formats...)
}

func lookupName(name string) (Format, bool) {
	for _, f := range formats {
		if f.Name == name {
			return f, true
		}
	}
	return Format{}, false
}

func lookupExt(ext string) (Format, bool) {
	for _, f := range formats {
		for _, e := range f.Extensions {
			if e == ext {
				return f, true
			}
		}
	}
	return Format{}, false
}

// probePrefixSize is how much of an input is inspected when neither the
// format name nor the extension identifies it. Two TS packets' worth is
// enough for every registered probe.
const probePrefixSize = 2 * 188

// OpenOutput creates the named file and returns a muxer for it. When
// format is empty the container is inferred from the file extension.
// On any failure the partially opened file is closed and removed so a
// failed constructor leaves nothing behind.
func OpenOutput(path, format string) (Muxer, error) {
	f, ok := Format{}, false
	if format != "" {
		if f, ok = lookupName(format); !ok {
			return nil, fmt.Errorf("%w: %q", ErrFormatUnknown, format)
		}
	} else if f, ok = lookupExt(strings.ToLower(filepath.Ext(path))); !ok {
		return nil, fmt.Errorf("%w: cannot infer from %q", ErrFormatUnknown, path)
	}
	if f.NewMuxer == nil {
		return nil, fmt.Errorf("engine: format %q does not support muxing", f.Name)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("engine: create output: %w", err)
	}
	m, err := f.NewMuxer(file)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("engine: open %s muxer: %w", f.Name, err)
	}
	return &fileMuxer{Muxer: m, file: file}, nil
}

// OpenInput opens the named file and returns a demuxer for it. When
// format is empty the container is inferred from the extension and, if
// that fails, by probing the content prefix.
func OpenInput(ctx context.Context, path, format string, opts media.Dictionary) (Demuxer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open input: %w", err)
	}

	f, ok := Format{}, false
	if format != "" {
		f, ok = lookupName(format)
	} else {
		f, ok = lookupExt(strings.ToLower(filepath.Ext(path)))
		if !ok {
			prefix := make([]byte, probePrefixSize)
			n, _ := io.ReadFull(file, prefix)
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				file.Close()
				return nil, fmt.Errorf("engine: rewind after probe: %w", err)
			}
			for _, cand := range formats {
				if cand.Probe != nil && cand.Probe(prefix[:n]) {
					f, ok = cand, true
					break
				}
			}
		}
	}
	if !ok {
		file.Close()
		return nil, fmt.Errorf("%w: %q", ErrFormatUnknown, path)
	}
	if f.NewDemuxer == nil {
		file.Close()
		return nil, fmt.Errorf("engine: format %q does not support demuxing", f.Name)
	}

	d, err := f.NewDemuxer(ctx, file, opts)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("engine: open %s demuxer: %w", f.Name, err)
	}
	return &fileDemuxer{Demuxer: d, file: file}, nil
}

// fileMuxer pairs a muxer with the file it writes so Close releases both
// exactly once.
type fileMuxer struct {
	Muxer
	file   *os.File
	closed bool
}

func (m *fileMuxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.Muxer.Close()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

type fileDemuxer struct {
	Demuxer
	file   *os.File
	closed bool
}

// Unwrap exposes the inner demuxer so callers can probe it for optional
// capabilities beyond the Demuxer contract.
func (d *fileDemuxer) Unwrap() Demuxer { return d.Demuxer }

func (d *fileDemuxer) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.Demuxer.Close()
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	return err
}
