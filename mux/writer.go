// Package mux provides the writer facades over the container engines: a
// single-file SimpleWriter with lazy header writing and timestamp
// rescaling, and a SplitWriter that rotates across fragment files on
// byte-size and duration thresholds with keyframe-aligned splits and
// retention cleanup.
package mux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/media"
)

// ErrStreamIndex reports a write aimed at a stream index outside the
// descriptors the writer was created with. This is a programming error,
// not a retryable condition.
var ErrStreamIndex = errors.New("mux: stream index out of range")

// Writer accepts compressed frames and appends them to a destination.
// Implementations are not safe for concurrent use.
type Writer interface {
	// WriteBytes appends one frame. pts and duration are expressed in
	// the stream's descriptor timebase; data is borrowed for the
	// duration of the call only.
	WriteBytes(data []byte, pts, duration int64, keyframe bool, streamIndex int) error

	// Flush forces buffered output to the destination without closing.
	Flush() error

	// Size returns the bytes written to the current destination.
	Size() int64

	// Close finalizes the destination. Idempotent.
	Close() error
}

// streamBinding pairs an opened output stream with the input timebase
// the caller's timestamps are expressed in. Never mutated after open.
type streamBinding struct {
	index   int
	inBase  media.Rational
	outBase media.Rational
}

// SimpleWriter writes frames into one container file. The header is
// deferred to the first write so format options and stream parameters
// are final; the trailer is written exactly once on Close, even when no
// frame was ever written.
type SimpleWriter struct {
	log  *slog.Logger
	mux  engine.Muxer
	opts media.Dictionary

	streams []streamBinding

	headerWritten  bool
	trailerWritten bool
	closed         bool
}

// NewSimpleWriter opens a container file at path with one output stream
// per descriptor. When format is empty the container is inferred from
// the path's extension.
func NewSimpleWriter(path string, descs []media.Descriptor, format string, opts media.Dictionary) (*SimpleWriter, error) {
	return newSimpleWriter(path, descs, format, opts, nil)
}

func newSimpleWriter(path string, descs []media.Descriptor, format string, opts media.Dictionary, log *slog.Logger) (*SimpleWriter, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if len(descs) == 0 {
		return nil, errors.New("mux: no stream descriptors")
	}
	for i, d := range descs {
		if d.TimeBase.Num == 0 || d.TimeBase.Den == 0 {
			return nil, fmt.Errorf("mux: descriptor %d has no timebase", i)
		}
	}

	m, err := engine.OpenOutput(path, format)
	if err != nil {
		return nil, err
	}

	w := &SimpleWriter{log: log, mux: m, opts: opts}
	for i, d := range descs {
		st, err := m.NewStream(d)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("mux: stream %d: %w", i, err)
		}
		w.streams = append(w.streams, streamBinding{
			index:   st.Index,
			inBase:  d.TimeBase,
			outBase: st.TimeBase,
		})
	}
	log.Debug("writer opened", "path", path, "streams", len(w.streams))
	return w, nil
}

// WriteBytes rescales pts and duration from the stream's input timebase
// to the container's, sets the keyframe flag, and submits the frame for
// interleaved writing. The engine may reorder across streams to satisfy
// container interleaving constraints.
func (w *SimpleWriter) WriteBytes(data []byte, pts, duration int64, keyframe bool, streamIndex int) error {
	if w.closed {
		return errors.New("mux: writer closed")
	}
	if streamIndex < 0 || streamIndex >= len(w.streams) {
		return fmt.Errorf("%w: %d", ErrStreamIndex, streamIndex)
	}
	if err := w.writeHeader(); err != nil {
		return err
	}

	b := w.streams[streamIndex]
	outPTS := media.RescaleRound(pts, b.inBase, b.outBase)
	return w.mux.WriteInterleaved(&media.Packet{
		Data:        data,
		PTS:         outPTS,
		DTS:         outPTS,
		Duration:    media.Rescale(duration, b.inBase, b.outBase),
		Keyframe:    keyframe,
		StreamIndex: b.index,
	})
}

func (w *SimpleWriter) writeHeader() error {
	if w.headerWritten {
		return nil
	}
	if err := w.mux.WriteHeader(w.opts); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// Flush forces buffered output to the destination.
func (w *SimpleWriter) Flush() error {
	if w.closed {
		return errors.New("mux: writer closed")
	}
	return w.mux.Flush()
}

// Size returns the bytes accepted by the container so far.
func (w *SimpleWriter) Size() int64 { return w.mux.Size() }

// Close writes the trailer exactly once and releases the engine context.
// A writer that never saw a frame still produces a valid empty file with
// header and trailer.
func (w *SimpleWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.writeHeader()
	if err == nil && !w.trailerWritten {
		w.trailerWritten = true
		err = w.mux.WriteTrailer()
	}
	if cerr := w.mux.Close(); err == nil {
		err = cerr
	}
	return err
}
