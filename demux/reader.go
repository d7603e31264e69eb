// Package demux provides the Reader facade: container demuxing through a
// registered engine with per-stream bitstream normalization, optional
// timestamp rescaling into a caller-chosen time unit, and lazy single-pass
// frame iteration.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/segmux/segmux/bsf"
	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/media"
)

// Options configures Open. The zero value opens with format
// auto-detection, engine-native timestamps, a discarding logger, and no
// cancellation.
type Options struct {
	// Format forces a container format by name. Empty means infer from
	// the file extension or content probe.
	Format string

	// FormatOptions is passed through to the engine demuxer.
	FormatOptions media.Dictionary

	// TimeUnit, when non-zero, rescales every frame's pts/dts/duration
	// from the stream timebase into 1/TimeUnit seconds. Unknown-timestamp
	// sentinels pass through unchanged.
	TimeUnit int

	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger

	// Context is checked between frames; cancellation ends iteration.
	Context context.Context
}

// FrameInfo is the immutable per-stream snapshot paired with each frame.
type FrameInfo struct {
	Index int
	Codec media.CodecID
	Type  media.Type
}

// Reader demultiplexes a source into a finite, single-pass sequence of
// normalized frames. It is not safe for concurrent use.
type Reader struct {
	ctx     context.Context
	log     *slog.Logger
	dmx     engine.Demuxer
	infos   []engine.StreamInfo
	filters []bsf.Filter
	outBase media.Rational

	flushed bool
	closed  bool
}

// Open opens the source, probes its streams, and builds one bitstream
// normalizer per stream keyed on the stream's codec tag.
func Open(path string, opts Options) (*Reader, error) {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	dmx, err := engine.OpenInput(ctx, path, opts.Format, opts.FormatOptions)
	if err != nil {
		return nil, err
	}

	infos := dmx.Streams()
	filters := make([]bsf.Filter, len(infos))
	for i, info := range infos {
		f, err := bsf.ForStream(info)
		if err != nil {
			dmx.Close()
			return nil, fmt.Errorf("demux: filter for stream %d: %w", i, err)
		}
		filters[i] = f
		log.Debug("stream opened",
			"index", info.Index,
			"codec", info.Codec.String(),
			"tag", info.CodecTag,
			"filter", f.Name())
	}

	r := &Reader{
		ctx:     ctx,
		log:     log,
		dmx:     dmx,
		infos:   infos,
		filters: filters,
	}
	if opts.TimeUnit != 0 {
		r.outBase = media.TimeBase(opts.TimeUnit)
	}
	return r, nil
}

// Streams returns a snapshot of the discovered streams.
func (r *Reader) Streams() []engine.StreamInfo {
	out := make([]engine.StreamInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

// FrameInfos returns the codec identity and type of each stream.
func (r *Reader) FrameInfos() []FrameInfo {
	out := make([]FrameInfo, len(r.infos))
	for i, info := range r.infos {
		out[i] = FrameInfo{Index: info.Index, Codec: info.Codec, Type: info.Type}
	}
	return out
}

// ReadFrame returns the next normalized frame. Normalizers with pending
// output are drained in stream order before more input is pulled from
// the source. io.EOF marks the end of the sequence; the loop is
// best-effort, so a source or normalizer failure is logged and reported
// as exhaustion.
func (r *Reader) ReadFrame() (*media.Packet, error) {
	if r.closed {
		return nil, io.EOF
	}
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}

		for i, f := range r.filters {
			pkt, err := f.Receive()
			if err == nil {
				return pkt, nil
			}
			if errors.Is(err, bsf.ErrAgain) || errors.Is(err, io.EOF) {
				continue
			}
			r.log.Warn("normalizer receive failed", "stream", i, "error", err)
			return nil, io.EOF
		}

		if r.flushed {
			return nil, io.EOF
		}

		pkt, err := r.dmx.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if r.ctx.Err() != nil {
					return nil, r.ctx.Err()
				}
				r.log.Warn("read packet failed", "error", err)
			}
			r.flush()
			continue
		}
		if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(r.filters) {
			r.log.Warn("packet for unknown stream dropped", "index", pkt.StreamIndex)
			continue
		}

		r.rescale(pkt)
		if err := r.filters[pkt.StreamIndex].Submit(pkt); err != nil {
			r.log.Warn("normalizer submit failed", "stream", pkt.StreamIndex, "error", err)
			r.flush()
		}
	}
}

// rescale converts a packet's timing into the caller's time unit.
func (r *Reader) rescale(pkt *media.Packet) {
	if r.outBase.Den == 0 {
		return
	}
	from := r.infos[pkt.StreamIndex].TimeBase
	pkt.PTS = media.RescaleRound(pkt.PTS, from, r.outBase)
	pkt.DTS = media.RescaleRound(pkt.DTS, from, r.outBase)
	pkt.Duration = media.Rescale(pkt.Duration, from, r.outBase)
}

// flush puts every normalizer into draining mode.
func (r *Reader) flush() {
	if r.flushed {
		return
	}
	r.flushed = true
	for _, f := range r.filters {
		f.Submit(nil)
	}
}

// Frames returns a single-pass iterator over the remaining frames, each
// paired with its stream's FrameInfo. Iteration consumes the source;
// breaking early leaves the reader usable for further ReadFrame calls.
func (r *Reader) Frames() iter.Seq2[*media.Packet, FrameInfo] {
	infos := r.FrameInfos()
	return func(yield func(*media.Packet, FrameInfo) bool) {
		for {
			pkt, err := r.ReadFrame()
			if err != nil {
				return
			}
			if !yield(pkt, infos[pkt.StreamIndex]) {
				return
			}
		}
	}
}

// inner returns the engine demuxer behind any file-owning wrapper, for
// probing optional capabilities.
func (r *Reader) inner() engine.Demuxer {
	dmx := r.dmx
	for {
		u, ok := dmx.(interface{ Unwrap() engine.Demuxer })
		if !ok {
			return dmx
		}
		dmx = u.Unwrap()
	}
}

// BitRate returns the source's overall bit rate in bits per second, or 0
// when the engine cannot report one.
func (r *Reader) BitRate() int64 {
	if b, ok := r.inner().(interface{ BitRate() int64 }); ok {
		return b.BitRate()
	}
	return 0
}

// Duration returns the source duration in microseconds, or media.NoPTS
// when unknown.
func (r *Reader) Duration() int64 {
	if d, ok := r.inner().(interface{ Duration() int64 }); ok {
		return d.Duration()
	}
	return media.NoPTS
}

// StartTime returns the earliest presentation time in microseconds, or
// media.NoPTS when unknown.
func (r *Reader) StartTime() int64 {
	if s, ok := r.inner().(interface{ StartTime() int64 }); ok {
		return s.StartTime()
	}
	return media.NoPTS
}

// Close releases the underlying engine context. Safe to call twice.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.dmx.Close()
}
