package mpegts

import (
	"errors"
	"fmt"
	"io"

	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/media"
)

// Muxer packetizes elementary stream packets into an MPEG-TS transport
// stream. Timestamps handed to WriteInterleaved must already be in the
// 90 kHz timebase reported by NewStream.
type Muxer struct {
	w    io.Writer
	size int64

	streams    []*muxStream
	pcrPID     uint16
	pcrOnVideo bool

	headerWritten bool
	resendPSI     bool
	patCC         byte
	pmtCC         byte
	closed        bool
}

type muxStream struct {
	pid        uint16
	streamID   byte
	streamType uint8
	video      bool
	cc         byte
}

// NewMuxer returns a muxer writing transport packets to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w, resendPSI: true}
}

// NewStream adds an elementary stream for the descriptor. All streams
// must be added before WriteHeader.
func (m *Muxer) NewStream(desc media.Descriptor) (engine.Stream, error) {
	if m.headerWritten {
		return engine.Stream{}, errors.New("mpegts: stream added after header")
	}
	st, err := streamTypeFor(desc.Codec)
	if err != nil {
		return engine.Stream{}, err
	}

	s := &muxStream{
		pid:        pidESBase + uint16(len(m.streams)),
		streamType: st,
		video:      desc.IsVideo(),
	}
	if s.video {
		s.streamID = 0xE0
	} else {
		s.streamID = 0xC0
	}
	m.streams = append(m.streams, s)

	// The PCR rides on the first video PID, or on the first PID at all
	// when the program has no video.
	if s.video && !m.pcrOnVideo {
		m.pcrPID = s.pid
		m.pcrOnVideo = true
	} else if m.pcrPID == 0 {
		m.pcrPID = s.pid
	}
	return engine.Stream{Index: len(m.streams) - 1, TimeBase: timeBase}, nil
}

// WriteHeader emits the initial PAT and PMT. Recognized options:
// resend_headers=0 disables the default re-emission of PSI before every
// keyframe.
func (m *Muxer) WriteHeader(opts media.Dictionary) error {
	if m.headerWritten {
		return errors.New("mpegts: header already written")
	}
	if len(m.streams) == 0 {
		return errors.New("mpegts: no streams")
	}
	m.resendPSI = opts.Get("resend_headers", "1") != "0"
	m.headerWritten = true
	return m.writePSI()
}

// WriteInterleaved writes one PES packet for pkt's stream. Transport
// packets for a single PES are emitted back to back; interleaving across
// streams follows call order, which the facade keeps monotonic per
// stream.
func (m *Muxer) WriteInterleaved(pkt *media.Packet) error {
	if !m.headerWritten {
		return errors.New("mpegts: header not written")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.streams) {
		return fmt.Errorf("mpegts: stream index %d out of range", pkt.StreamIndex)
	}
	s := m.streams[pkt.StreamIndex]

	if m.resendPSI && s.video && pkt.Keyframe {
		if err := m.writePSI(); err != nil {
			return err
		}
	}

	pes := buildPES(s, pkt)

	pcr := int64(-1)
	if s.pid == m.pcrPID {
		if pkt.DTS != media.NoPTS {
			pcr = pkt.DTS
		} else if pkt.PTS != media.NoPTS {
			pcr = pkt.PTS
		}
	}
	return m.writeAll(packetize(pes, s, pcr, pkt.Keyframe))
}

// WriteTrailer is a no-op for MPEG-TS; the stream has no trailer
// structure. It exists to satisfy the engine contract.
func (m *Muxer) WriteTrailer() error {
	if !m.headerWritten {
		return errors.New("mpegts: header not written")
	}
	return nil
}

// Flush is a no-op: every write goes straight to the destination.
func (m *Muxer) Flush() error { return nil }

// Size returns the number of transport bytes written so far.
func (m *Muxer) Size() int64 { return m.size }

// Close releases the muxer. The destination writer is owned by the
// caller (the engine's open path closes files it opened).
func (m *Muxer) Close() error {
	m.closed = true
	return nil
}

func (m *Muxer) writeAll(packets []byte) error {
	n, err := m.w.Write(packets)
	m.size += int64(n)
	if err != nil {
		return fmt.Errorf("mpegts: write: %w", err)
	}
	return nil
}

// writePSI emits one PAT and one PMT transport packet.
func (m *Muxer) writePSI() error {
	pat := buildSection(tablePAT())
	pmt := buildSection(m.tablePMT())
	out := make([]byte, 0, 2*packetSize)
	out = append(out, psiPacket(pidPAT, &m.patCC, pat)...)
	out = append(out, psiPacket(pidPMT, &m.pmtCC, pmt)...)
	return m.writeAll(out)
}

// tablePAT returns the PAT section body before the CRC: a single program
// (number 1) pointing at the PMT PID.
func tablePAT() []byte {
	body := []byte{
		0x00,       // table_id
		0xB0, 0x00, // section_syntax_indicator + length (patched below)
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number 1
		0xE0 | byte(pidPMT>>8), byte(pidPMT & 0xFF), // PMT PID
	}
	return body
}

func (m *Muxer) tablePMT() []byte {
	body := []byte{
		0x02,       // table_id
		0xB0, 0x00, // section_syntax_indicator + length (patched below)
		0x00, 0x01, // program_number
		0xC1,       // version 0, current_next
		0x00, 0x00, // section_number, last_section_number
		0xE0 | byte(m.pcrPID>>8), byte(m.pcrPID),
		0xF0, 0x00, // program_info_length 0
	}
	for _, s := range m.streams {
		body = append(body,
			s.streamType,
			0xE0|byte(s.pid>>8), byte(s.pid),
			0xF0, 0x00, // ES_info_length 0
		)
	}
	return body
}

// buildSection patches the section_length field and appends the CRC32.
func buildSection(body []byte) []byte {
	length := len(body) - 3 + 4 // bytes after the length field, incl CRC
	body[1] = 0xB0 | byte(length>>8)
	body[2] = byte(length)
	crc := computeCRC32(body)
	return append(body, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// psiPacket wraps a PSI section into a single stuffed transport packet.
func psiPacket(pid uint16, cc *byte, section []byte) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte(pid>>8)&0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (*cc & 0x0F)
	*cc = (*cc + 1) & 0x0F
	pkt[4] = 0x00 // pointer_field
	n := copy(pkt[5:], section)
	for i := 5 + n; i < packetSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// buildPES wraps a packet's payload into a PES packet with PTS (and DTS
// when it differs).
func buildPES(s *muxStream, pkt *media.Packet) []byte {
	withDTS := pkt.DTS != media.NoPTS && pkt.PTS != media.NoPTS && pkt.DTS != pkt.PTS

	headerDataLen := 0
	flags := byte(0x00)
	if pkt.PTS != media.NoPTS {
		flags = 0x80
		headerDataLen = 5
		if withDTS {
			flags = 0xC0
			headerDataLen = 10
		}
	}

	pesLen := 3 + headerDataLen + len(pkt.Data)
	if pesLen > 0xFFFF {
		// Unbounded length is only legal for video streams; audio PES
		// payloads never approach 64 KiB in practice.
		pesLen = 0
	}

	pes := make([]byte, 0, 9+headerDataLen+len(pkt.Data))
	pes = append(pes,
		0x00, 0x00, 0x01, s.streamID,
		byte(pesLen>>8), byte(pesLen),
		0x80,  // marker bits
		flags, // PTS/DTS indicator
		byte(headerDataLen),
	)
	if flags&0x80 != 0 {
		marker := byte(0x02)
		if withDTS {
			marker = 0x03
		}
		pes = appendTimestamp(pes, marker, pkt.PTS)
		if withDTS {
			pes = appendTimestamp(pes, 0x01, pkt.DTS)
		}
	}
	return append(pes, pkt.Data...)
}

// appendTimestamp encodes a 33-bit 90 kHz timestamp as the 5-byte PES
// form with the given 4-bit marker.
func appendTimestamp(dst []byte, marker byte, v int64) []byte {
	v &= (1 << 33) - 1
	return append(dst,
		marker<<4|byte(v>>30)<<1|1,
		byte(v>>22),
		byte(v>>15)<<1|1,
		byte(v>>7),
		byte(v)<<1|1,
	)
}

// packetize splits a PES packet into transport packets on the stream's
// PID. The first packet carries PUSI; when pcr >= 0 it also carries an
// adaptation field with the PCR, and rai marks it as a random access
// point. Short final payloads are padded with adaptation-field stuffing.
func packetize(pes []byte, s *muxStream, pcr int64, rai bool) []byte {
	out := make([]byte, 0, ((len(pes)/184)+1)*packetSize)
	offset := 0
	first := true

	for offset < len(pes) {
		var af []byte
		if first && pcr >= 0 {
			af = afWithPCR(pcr, rai)
		}

		capacity := packetSize - 4 - len(af)
		remaining := len(pes) - offset
		if remaining < capacity {
			af = padAF(af, capacity-remaining)
			capacity = remaining
		}

		pkt := make([]byte, 0, packetSize)
		hdr1 := byte(s.pid>>8) & 0x1F
		if first {
			hdr1 |= 0x40
		}
		flags := byte(0x10) | (s.cc & 0x0F)
		if len(af) > 0 {
			flags |= 0x20
		}
		s.cc = (s.cc + 1) & 0x0F

		pkt = append(pkt, syncByte, hdr1, byte(s.pid), flags)
		pkt = append(pkt, af...)
		pkt = append(pkt, pes[offset:offset+capacity]...)
		out = append(out, pkt...)

		offset += capacity
		first = false
	}
	return out
}

// afWithPCR builds an adaptation field (including its length byte)
// carrying a PCR, with the random access indicator set for keyframes.
func afWithPCR(pcr int64, rai bool) []byte {
	flags := byte(0x10)
	if rai {
		flags |= 0x40
	}
	base := pcr & ((1 << 33) - 1)
	return []byte{
		7, flags,
		byte(base >> 25),
		byte(base >> 17),
		byte(base >> 9),
		byte(base >> 1),
		byte(base)<<7 | 0x7E, // 6 reserved bits, extension high bit 0
		0x00,                 // extension low byte
	}
}

// padAF grows (or creates) an adaptation field by n stuffing bytes so the
// remaining payload exactly fills the packet.
func padAF(af []byte, n int) []byte {
	if len(af) > 0 {
		af[0] += byte(n)
		for i := 0; i < n; i++ {
			af = append(af, 0xFF)
		}
		return af
	}
	if n == 1 {
		return []byte{0} // length-zero adaptation field is one byte
	}
	af = make([]byte, 2, n+1)
	af[0] = byte(n - 1)
	af[1] = 0x00 // no flags
	for i := 2; i < n+1; i++ {
		af = append(af, 0xFF)
	}
	return af
}
