// Command segmux remuxes container files into rotating fragment
// sequences and records live SRT publishes the same way.
//
//	segmux remux -o out -max-bytes 10485760 input.ts input2.mkv
//	segmux record -listen :6000 -o out -max-duration 10s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	srtgo "github.com/zsiec/srtgo"
	"golang.org/x/sync/errgroup"

	"github.com/segmux/segmux/demux"
	"github.com/segmux/segmux/engine"
	_ "github.com/segmux/segmux/engine/matroska"
	"github.com/segmux/segmux/engine/mpegts"
	"github.com/segmux/segmux/media"
	"github.com/segmux/segmux/mux"
)

var version = "dev"

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "remux":
		err = runRemux(ctx, os.Args[2:])
	case "record":
		err = runRecord(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("segmux failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: segmux remux|record|version [flags]")
}

// rotationFlags holds the fragment rotation knobs shared by both modes.
type rotationFlags struct {
	format      string
	formatOpts  string
	maxBytes    int64
	maxDuration time.Duration
	maxFiles    int
	startIndex  int
}

func (r *rotationFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.format, "format", "mpegts", "output container format")
	fs.StringVar(&r.formatOpts, "format-opts", "", "container options, key=value[,key=value...]")
	fs.Int64Var(&r.maxBytes, "max-bytes", 0, "rotate fragments at this size (0 = unlimited)")
	fs.DurationVar(&r.maxDuration, "max-duration", 0, "rotate fragments after this long (0 = unlimited)")
	fs.IntVar(&r.maxFiles, "max-files", 0, "retained fragment files (0 = unlimited)")
	fs.IntVar(&r.startIndex, "start-index", 0, "first fragment index")
}

func (r *rotationFlags) options(descs []media.Descriptor) (mux.Options, error) {
	opts, err := media.ParseDictionary(r.formatOpts)
	if err != nil {
		return mux.Options{}, err
	}
	return mux.Options{
		Descriptors:   descs,
		Format:        r.format,
		FormatOptions: opts,
		Logger:        slog.Default(),
		MaxBytes:      r.maxBytes,
		MaxDuration:   r.maxDuration,
		MaxFiles:      r.maxFiles,
		StartIndex:    r.startIndex,
	}, nil
}

func runRemux(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remux", flag.ExitOnError)
	out := fs.String("o", "out", "output directory")
	var rot rotationFlags
	rot.register(fs)
	fs.Parse(args)

	inputs := fs.Args()
	if len(inputs) == 0 {
		return errors.New("remux: no input files")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, input := range inputs {
		dir := filepath.Join(*out, stem(input))
		g.Go(func() error {
			return remuxFile(ctx, input, dir, rot)
		})
	}
	return g.Wait()
}

func remuxFile(ctx context.Context, input, dir string, rot rotationFlags) error {
	log := slog.Default().With("input", input)

	// Normalize timestamps to microseconds so descriptors share one
	// timebase regardless of the source container.
	const timeUnit = 1000000
	r, err := demux.Open(input, demux.Options{
		TimeUnit: timeUnit,
		Logger:   log,
		Context:  ctx,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", input, err)
	}
	defer r.Close()

	descs, err := descriptors(r.Streams(), timeUnit)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}

	wopts, err := rot.options(descs)
	if err != nil {
		return err
	}
	w, err := wopts.Open(dir)
	if err != nil {
		return fmt.Errorf("open output %s: %w", dir, err)
	}
	defer w.Close()

	frames := 0
	for pkt := range r.Frames() {
		if err := w.WriteBytes(pkt.Data, pkt.PTS, pkt.Duration, pkt.Keyframe, pkt.StreamIndex); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		frames++
	}
	if ctx.Err() != nil {
		log.Info("remux interrupted", "frames", frames)
		return nil
	}
	log.Info("remux done", "frames", frames, "output", dir)
	return w.Close()
}

func runRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	listen := fs.String("listen", ":6000", "SRT listen address")
	out := fs.String("o", "out", "output directory")
	var rot rotationFlags
	rot.register(fs)
	fs.Parse(args)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(*listen, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", *listen, err)
	}
	slog.Info("listening", "addr", *listen, "version", version)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	g, ctx := errgroup.WithContext(ctx)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		slog.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		dir := filepath.Join(*out, streamKey)
		g.Go(func() error {
			recordConn(ctx, conn, dir, rot)
			return nil
		})
	}
	return g.Wait()
}

// recordConn demuxes one SRT publish and writes it through a segmenting
// writer. Recording errors end the connection but never the server.
func recordConn(ctx context.Context, conn *srtgo.Conn, dir string, rot rotationFlags) {
	defer conn.Close()
	log := slog.Default().With("dir", dir)

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		buf := make([]byte, srtReadBufferSize)
		for ctx.Err() == nil {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := pw.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	defer pr.Close()

	dmx, err := mpegts.NewDemuxer(ctx, pr, nil)
	if err != nil {
		log.Warn("demux open failed", "error", err)
		return
	}
	defer dmx.Close()

	// The TS demuxer reports 90 kHz timestamps; descriptors carry the
	// same unit so the writer's rescale is the identity.
	descs, err := descriptors(dmx.Streams(), 90000)
	if err != nil {
		log.Warn("unsupported publish", "error", err)
		return
	}

	wopts, err := rot.options(descs)
	if err != nil {
		log.Warn("bad writer options", "error", err)
		return
	}
	w, err := wopts.Open(dir)
	if err != nil {
		log.Warn("open output failed", "error", err)
		return
	}
	defer w.Close()

	frames := 0
	for {
		pkt, err := dmx.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("read failed", "error", err)
			}
			break
		}
		if err := w.WriteBytes(pkt.Data, pkt.PTS, pkt.Duration, pkt.Keyframe, pkt.StreamIndex); err != nil {
			log.Warn("write failed", "error", err)
			break
		}
		frames++
	}
	log.Info("recording closed", "frames", frames)
}

// descriptors builds writer descriptors from demuxed stream info, all in
// one timebase.
func descriptors(infos []engine.StreamInfo, timeUnit int) ([]media.Descriptor, error) {
	out := make([]media.Descriptor, 0, len(infos))
	for _, info := range infos {
		switch info.Codec {
		case media.CodecH264:
			out = append(out, media.VideoH264(info.Width, info.Height, 0, timeUnit))
		case media.CodecH265:
			out = append(out, media.VideoH265(info.Width, info.Height, 0, timeUnit))
		case media.CodecAAC:
			out = append(out, media.AudioAAC(info.SampleRate, info.Channels, 0, timeUnit))
		default:
			return nil, fmt.Errorf("stream %d: unsupported codec %s", info.Index, info.Codec)
		}
	}
	return out, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
