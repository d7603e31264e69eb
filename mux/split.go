package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/segmux/segmux/media"
)

// DefaultOverhead is the fraction beyond a size or time threshold at
// which a split is forced even when keyframe alignment has not been
// satisfied.
const DefaultOverhead = 0.10

// ErrNoOutputPath reports a segmented writer opened without an output
// directory for its fragments.
var ErrNoOutputPath = errors.New("mux: segmented writer needs an output directory")

// Options is the caller-facing writer configuration. The zero value
// plus Descriptors describes a plain single-file writer; setting any
// rotation field turns Open into a SplitWriter.
type Options struct {
	// Descriptors lists the output elementary streams, one per stream.
	Descriptors []media.Descriptor

	// Format names the container format. Empty infers it from the
	// output path extension.
	Format string

	// FormatOptions is handed to the engine when the header is written.
	FormatOptions media.Dictionary

	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger

	// Location maps a fragment index to its file name, resolved under
	// the output directory. Nil uses the default zero-padded naming.
	Location func(index int) string

	// BeforeSplit and AfterSplit are invoked around each rotation with
	// the closing and the newly current fragment index respectively.
	BeforeSplit func(index int)
	AfterSplit  func(index int)

	// MaxFiles bounds how many fragment files are retained; older ones
	// are deleted on rotation. 0 keeps everything.
	MaxFiles int

	// MaxBytes rotates once a fragment reaches this size. 0 disables.
	MaxBytes int64

	// MaxDuration rotates once a fragment spans this much wall time.
	// 0 disables.
	MaxDuration time.Duration

	// Overhead is the overflow fraction beyond MaxBytes/MaxDuration at
	// which rotation is forced regardless of keyframe alignment.
	// 0 means DefaultOverhead; negative disables the margin.
	Overhead float64

	// DisableKeyframeAlign rotates immediately on threshold overrun
	// instead of waiting for the next keyframe.
	DisableKeyframeAlign bool

	// StartIndex is the first fragment index. Default 0.
	StartIndex int
}

func (o Options) segmented() bool {
	return o.Location != nil || o.MaxFiles > 0 || o.MaxBytes > 0 || o.MaxDuration > 0
}

func (o Options) overhead() float64 {
	switch {
	case o.Overhead > 0:
		return o.Overhead
	case o.Overhead < 0:
		return 0
	default:
		return DefaultOverhead
	}
}

// Open builds a writer for path. With any rotation option set it returns
// a SplitWriter treating path as the fragment directory (unless a
// Location callback overrides naming); otherwise it returns a
// SimpleWriter for the single file at path.
func (o Options) Open(path string) (Writer, error) {
	if o.segmented() {
		return NewSplitWriter(path, o)
	}
	return newSimpleWriter(path, o.Descriptors, o.Format, o.FormatOptions, o.Logger)
}

// fragmentExt derives the fragment filename suffix from the container
// format name. Unrecognized formats get a bare "dat" suffix.
func fragmentExt(format string) string {
	switch format {
	case "mp4":
		return ".mp4"
	case "mpegts", "ts":
		return ".ts"
	case "matroska", "mkv":
		return ".mkv"
	default:
		return "dat"
	}
}

// SplitWriter writes frames across a rotating sequence of fragment
// files. Rotation fires on byte-size or elapsed-time thresholds, waits
// for the next keyframe when alignment is on, and is forced once the
// overflow margin is exceeded. At most one live file writer exists at
// any time; a fresh one is opened lazily on the first write after a
// rotation.
type SplitWriter struct {
	log  *slog.Logger
	opts Options

	location func(index int) string
	now      func() time.Time

	index     int
	armed     bool
	startedAt time.Time
	writer    *SimpleWriter
	closed    bool
}

// NewSplitWriter creates a segmenting writer rooted at dir. Fragment
// names come from opts.Location or the default zero-padded sequence and
// are resolved under dir.
func NewSplitWriter(dir string, opts Options) (*SplitWriter, error) {
	if len(opts.Descriptors) == 0 {
		return nil, errors.New("mux: no stream descriptors")
	}
	if dir == "" {
		return nil, ErrNoOutputPath
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	name := opts.Location
	if name == nil {
		ext := fragmentExt(opts.Format)
		name = func(index int) string {
			return fmt.Sprintf("MED%06d%s", index, ext)
		}
	}

	return &SplitWriter{
		log:      log,
		opts:     opts,
		location: func(index int) string { return filepath.Join(dir, name(index)) },
		now:      time.Now,
		index:    opts.StartIndex,
	}, nil
}

// Index returns the current fragment index.
func (w *SplitWriter) Index() int { return w.index }

// WriteBytes evaluates the rotation policy for this frame, rotates if it
// fires, lazily opens a fragment when none is live, and delegates the
// write. A failed fragment open leaves the index unchanged so the next
// write retries the same fragment.
func (w *SplitWriter) WriteBytes(data []byte, pts, duration int64, keyframe bool, streamIndex int) error {
	if w.closed {
		return errors.New("mux: writer closed")
	}
	if streamIndex < 0 || streamIndex >= len(w.opts.Descriptors) {
		return fmt.Errorf("%w: %d", ErrStreamIndex, streamIndex)
	}

	if w.canSplitNow(keyframe, streamIndex) {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if w.writer == nil {
		if err := w.openFragment(); err != nil {
			return err
		}
	}
	return w.writer.WriteBytes(data, pts, duration, keyframe, streamIndex)
}

// canSplitNow is the per-call rotation decision. Armed state is
// consumed: once armed, only a keyframe on a keyframe-bearing stream
// rotates, and the flag clears whether or not it did. The overflow
// margin fires unconditionally so rotation is never starved by a
// keyframe that never arrives.
func (w *SplitWriter) canSplitNow(keyframe bool, streamIndex int) bool {
	if w.writer == nil {
		return false
	}

	size := w.writer.Size()
	elapsed := w.now().Sub(w.startedAt)
	overhead := w.opts.overhead()

	var split bool
	if w.armed {
		split = w.opts.Descriptors[streamIndex].Codec.HasGOP() && keyframe
		w.armed = false
	} else if w.overrun(size, elapsed, 0) {
		if !w.opts.DisableKeyframeAlign && w.anyGOPStream() {
			w.armed = true
		} else {
			split = true
		}
	}
	if w.overrun(size, elapsed, overhead) {
		split = true
	}
	return split
}

// overrun reports whether either threshold, widened by the margin, has
// been reached. Zero thresholds are disabled.
func (w *SplitWriter) overrun(size int64, elapsed time.Duration, margin float64) bool {
	if w.opts.MaxBytes > 0 && float64(size) >= float64(w.opts.MaxBytes)*(1+margin) {
		return true
	}
	if w.opts.MaxDuration > 0 && float64(elapsed) >= float64(w.opts.MaxDuration)*(1+margin) {
		return true
	}
	return false
}

func (w *SplitWriter) anyGOPStream() bool {
	for _, d := range w.opts.Descriptors {
		if d.Codec.HasGOP() {
			return true
		}
	}
	return false
}

// Rotate forces a fragment boundary: the current fragment is finalized
// and the next write opens the following one.
func (w *SplitWriter) Rotate() error {
	if w.closed {
		return errors.New("mux: writer closed")
	}
	if w.writer == nil {
		return nil
	}
	return w.rotate()
}

// rotate finalizes the live fragment, applies retention cleanup, and
// advances the index. Callback and index transitions are never rolled
// back; a deletion failure is reported after the transition completes.
func (w *SplitWriter) rotate() error {
	if w.opts.BeforeSplit != nil {
		w.opts.BeforeSplit(w.index)
	}
	if w.writer != nil {
		if err := w.writer.Close(); err != nil {
			w.log.Warn("fragment close failed", "index", w.index, "error", err)
		}
		w.writer = nil
	}

	cleanErr := w.cleanFiles()

	w.index++
	if w.opts.AfterSplit != nil {
		w.opts.AfterSplit(w.index)
	}
	w.log.Debug("fragment rotated", "index", w.index)
	return cleanErr
}

// cleanFiles deletes the oldest retained fragment once the retention
// count is exceeded.
func (w *SplitWriter) cleanFiles() error {
	if w.opts.MaxFiles <= 0 {
		return nil
	}
	if w.index-w.opts.StartIndex < w.opts.MaxFiles-1 {
		return nil
	}
	victim := w.index - (w.opts.MaxFiles - 1)
	if victim < w.opts.StartIndex {
		return nil
	}
	path := w.location(victim)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("mux: delete fragment %d: %w", victim, err)
	}
	w.log.Debug("fragment deleted", "index", victim, "path", path)
	return nil
}

// openFragment opens the file for the current index, creating parent
// directories on demand. The index is not advanced on failure.
func (w *SplitWriter) openFragment() error {
	path := w.location(w.index)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mux: create fragment directory: %w", err)
		}
	}
	sw, err := newSimpleWriter(path, w.opts.Descriptors, w.opts.Format, w.opts.FormatOptions, w.log)
	if err != nil {
		return err
	}
	w.writer = sw
	w.startedAt = w.now()
	w.log.Debug("fragment opened", "index", w.index, "path", path)
	return nil
}

// Flush forces the live fragment's buffered output to disk.
func (w *SplitWriter) Flush() error {
	if w.closed {
		return errors.New("mux: writer closed")
	}
	if w.writer == nil {
		return nil
	}
	return w.writer.Flush()
}

// Size returns the bytes written to the live fragment, 0 when none is
// open.
func (w *SplitWriter) Size() int64 {
	if w.writer == nil {
		return 0
	}
	return w.writer.Size()
}

// Close finalizes the live fragment. No further rotation occurs; the
// writer is done. Idempotent.
func (w *SplitWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.writer == nil {
		return nil
	}
	err := w.writer.Close()
	w.writer = nil
	return err
}
