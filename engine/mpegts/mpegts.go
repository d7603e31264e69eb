// Package mpegts implements the MPEG-TS container engine: a muxer that
// packetizes H.264/H.265/AAC elementary streams into 188-byte transport
// packets with PAT/PMT signaling, and a demuxer that reassembles PES
// packets and recovers per-stream timing from the 90 kHz clock.
package mpegts

import (
	"context"
	"fmt"
	"io"

	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/media"
)

const (
	packetSize = 188
	syncByte   = 0x47

	pidPAT = 0x0000
	pidPMT = 0x1000
	// Elementary stream PIDs are assigned sequentially from pidESBase.
	pidESBase = 0x0100

	// ISO 13818-1 stream_type values.
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
	streamTypeAAC  = 0x0F
)

// timeBase is the MPEG-TS 90 kHz clock all PES timestamps use.
var timeBase = media.Rational{Num: 1, Den: 90000}

func init() {
	engine.Register(engine.Format{
		Name:       "mpegts",
		Extensions: []string{".ts", ".m2ts"},
		Probe: func(prefix []byte) bool {
			return len(prefix) > packetSize && prefix[0] == syncByte && prefix[packetSize] == syncByte
		},
		NewMuxer: func(w io.Writer) (engine.Muxer, error) {
			return NewMuxer(w), nil
		},
		NewDemuxer: func(ctx context.Context, r io.Reader, opts media.Dictionary) (engine.Demuxer, error) {
			return NewDemuxer(ctx, r, opts)
		},
	})
}

func streamTypeFor(codec media.CodecID) (uint8, error) {
	switch codec {
	case media.CodecH264:
		return streamTypeH264, nil
	case media.CodecH265:
		return streamTypeH265, nil
	case media.CodecAAC:
		return streamTypeAAC, nil
	default:
		return 0, fmt.Errorf("mpegts: codec %s cannot be carried", codec)
	}
}

func codecForStreamType(st uint8) (media.CodecID, bool) {
	switch st {
	case streamTypeH264:
		return media.CodecH264, true
	case streamTypeH265:
		return media.CodecH265, true
	case streamTypeAAC:
		return media.CodecAAC, true
	default:
		return media.CodecNone, false
	}
}

// crc32Poly is the MSB-first MPEG-2 polynomial protecting PSI sections.
// Not the reflected IEEE variant in hash/crc32: no bit reversal, no
// final XOR.
const crc32Poly = 0x04C11DB7

var crc32Table = makeCRC32Table()

func makeCRC32Table() [256]uint32 {
	var table [256]uint32
	for i := range table {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			hi := crc & (1 << 31)
			crc <<= 1
			if hi != 0 {
				crc ^= crc32Poly
			}
		}
		table[i] = crc
	}
	return table
}

// computeCRC32 runs the shift register over data from an all-ones seed.
func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section whose trailing four bytes hold its CRC;
// running the register over the whole section lands on zero when intact.
func verifyCRC32(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("mpegts: section shorter than its CRC")
	}
	if computeCRC32(data) != 0 {
		return fmt.Errorf("mpegts: section CRC mismatch")
	}
	return nil
}
