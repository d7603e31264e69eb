package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/segmux/segmux/engine"
	"github.com/segmux/segmux/internal/nalu"
	"github.com/segmux/segmux/media"
)

// probePacketLimit bounds how many transport packets the demuxer reads
// while looking for program information at open.
const probePacketLimit = 5000

// Demuxer reassembles PES packets from a transport stream and exposes
// them as media packets in the 90 kHz timebase. Stream discovery happens
// at construction: packets seen while probing for the PMT are buffered
// and delivered by the first ReadPacket calls.
type Demuxer struct {
	ctx     context.Context
	r       io.Reader
	readBuf []byte

	pmtPIDs map[uint16]bool
	accs    map[uint16]*accumulator

	infos      []engine.StreamInfo
	pidToIndex map[uint16]int

	// early holds elementary units completed before the PMT was parsed;
	// they are replayed once the stream map is known.
	early []earlyUnit

	pending []*media.Packet
	eof     bool
}

type earlyUnit struct {
	pid     uint16
	payload []byte
}

// NewDemuxer reads transport packets from r until the program map is
// known and returns the demuxer. It fails when no program information
// appears within the probe window.
func NewDemuxer(ctx context.Context, r io.Reader, _ media.Dictionary) (*Demuxer, error) {
	d := &Demuxer{
		ctx:        ctx,
		r:          r,
		readBuf:    make([]byte, packetSize),
		pmtPIDs:    make(map[uint16]bool),
		accs:       make(map[uint16]*accumulator),
		pidToIndex: make(map[uint16]int),
	}

	for i := 0; d.infos == nil; i++ {
		if i >= probePacketLimit {
			return nil, errors.New("mpegts: no program information found")
		}
		if err := d.step(); err != nil {
			if errors.Is(err, io.EOF) {
				// drain may have recovered trailing PSI sections.
				if d.infos != nil {
					break
				}
				return nil, errors.New("mpegts: end of stream before program information")
			}
			return nil, err
		}
	}
	return d, nil
}

// Streams returns the elementary streams announced by the PMT, in PMT
// order.
func (d *Demuxer) Streams() []engine.StreamInfo {
	out := make([]engine.StreamInfo, len(d.infos))
	copy(out, d.infos)
	return out
}

// ReadPacket returns the next elementary stream packet, or io.EOF once
// the source is exhausted and all buffered data has been delivered.
func (d *Demuxer) ReadPacket() (*media.Packet, error) {
	for {
		if len(d.pending) > 0 {
			pkt := d.pending[0]
			d.pending = d.pending[1:]
			return pkt, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.step(); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
}

// Close releases the demuxer. The source reader is owned by the caller.
func (d *Demuxer) Close() error { return nil }

// step reads one transport packet, feeds the per-PID accumulator, and
// processes any completed payload unit. At end of input it drains all
// accumulators and marks the demuxer exhausted.
func (d *Demuxer) step() error {
	if _, err := io.ReadFull(d.r, d.readBuf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.eof = true
			d.drain()
			return io.EOF
		}
		return fmt.Errorf("mpegts: read: %w", err)
	}

	pkt, err := parsePacket(d.readBuf)
	if err != nil {
		return nil // skip corrupt packets
	}

	acc, ok := d.accs[pkt.pid]
	if !ok {
		acc = &accumulator{}
		d.accs[pkt.pid] = acc
	}
	flushed := acc.add(pkt)
	if flushed == nil {
		return nil
	}
	d.process(pkt.pid, flushed)
	return nil
}

func (d *Demuxer) drain() {
	// PAT (PID 0) first so a trailing PMT is still recognized as PSI.
	if acc, ok := d.accs[pidPAT]; ok {
		if payload := acc.flush(); payload != nil {
			d.process(pidPAT, payload)
		}
	}
	for pid, acc := range d.accs {
		if pid == pidPAT {
			continue
		}
		if payload := acc.flush(); payload != nil {
			d.process(pid, payload)
		}
	}
}

func (d *Demuxer) process(pid uint16, payload []byte) {
	switch {
	case pid == pidPAT:
		d.processPAT(payload)
	case d.pmtPIDs[pid]:
		d.processPMT(payload)
		if d.infos != nil && d.early != nil {
			for _, u := range d.early {
				d.processPES(u.pid, u.payload)
			}
			d.early = nil
		}
	default:
		if d.infos == nil {
			if len(d.early) < probePacketLimit {
				d.early = append(d.early, earlyUnit{pid: pid, payload: payload})
			}
			return
		}
		d.processPES(pid, payload)
	}
}

func (d *Demuxer) processPAT(payload []byte) {
	for _, pmtPID := range parsePAT(payload) {
		d.pmtPIDs[pmtPID] = true
	}
}

func (d *Demuxer) processPMT(payload []byte) {
	if d.infos != nil {
		return // program already known; PSI repetitions carry no news
	}
	entries := parsePMT(payload)
	if entries == nil {
		return
	}
	for _, e := range entries {
		codec, ok := codecForStreamType(e.streamType)
		if !ok {
			continue
		}
		info := engine.StreamInfo{
			Index:    len(d.infos),
			Codec:    codec,
			Type:     codec.Type(),
			TimeBase: timeBase,
		}
		switch codec.Type() {
		case media.TypeVideo:
			info.CodecTag = "annexb"
		case media.TypeAudio:
			info.CodecTag = "adts"
		}
		d.pidToIndex[e.pid] = info.Index
		d.infos = append(d.infos, info)
	}
	if d.infos == nil {
		d.infos = []engine.StreamInfo{}
	}
}

func (d *Demuxer) processPES(pid uint16, payload []byte) {
	index, ok := d.pidToIndex[pid]
	if !ok || !isPESStart(payload) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		return // skip corrupt PES
	}
	info := d.infos[index]

	pkt := &media.Packet{
		Data:        pes.data,
		PTS:         pes.pts,
		DTS:         pes.dts,
		StreamIndex: index,
	}
	switch info.Codec {
	case media.CodecH264:
		pkt.Keyframe = nalu.IsKeyframeH264(pes.data)
	case media.CodecH265:
		pkt.Keyframe = nalu.IsKeyframeH265(pes.data)
	default:
		// Audio frames are all independently decodable.
		pkt.Keyframe = true
	}
	d.pending = append(d.pending, pkt)
}

// tsPacket is one parsed 188-byte transport packet.
type tsPacket struct {
	pid           uint16
	cc            byte
	pusi          bool
	hasPayload    bool
	transportErr  bool
	discontinuity bool
	payload       []byte
}

func parsePacket(buf []byte) (*tsPacket, error) {
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}
	p := &tsPacket{
		transportErr: buf[1]&0x80 != 0,
		pusi:         buf[1]&0x40 != 0,
		pid:          uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		hasPayload:   buf[3]&0x10 != 0,
		cc:           buf[3] & 0x0F,
	}

	offset := 4
	if buf[3]&0x20 != 0 { // adaptation field
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < packetSize {
			p.discontinuity = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > packetSize {
			offset = packetSize
		}
	}
	if p.hasPayload && offset < packetSize {
		p.payload = make([]byte, packetSize-offset)
		copy(p.payload, buf[offset:])
	}
	return p, nil
}

// accumulator buffers one PID's packets until a payload unit completes.
// Duplicate packets are dropped and unsignaled continuity jumps discard
// the partial unit, mirroring the tolerance real capture files need.
type accumulator struct {
	payload []byte
	lastCC  byte
	have    bool
}

// add feeds one packet and returns a completed payload unit, or nil.
func (a *accumulator) add(p *tsPacket) []byte {
	if p.transportErr {
		a.payload = nil
		a.have = false
		return nil
	}
	if !p.hasPayload {
		return nil
	}
	if a.have && !p.discontinuity {
		expected := (a.lastCC + 1) & 0x0F
		if p.cc != expected {
			if p.cc == a.lastCC {
				return nil // duplicate
			}
			a.payload = nil
			a.have = false
		}
	}

	var flushed []byte
	if p.pusi && a.have {
		flushed = a.payload
		a.payload = nil
		a.have = false
	}
	if p.pusi || a.have {
		a.payload = append(a.payload, p.payload...)
		a.lastCC = p.cc
		a.have = true
	}
	return flushed
}

func (a *accumulator) flush() []byte {
	if !a.have {
		return nil
	}
	payload := a.payload
	a.payload = nil
	a.have = false
	return payload
}

// parsePAT returns the PMT PIDs announced by a PAT section payload
// (pointer field first). Sections failing the CRC are ignored.
func parsePAT(payload []byte) []uint16 {
	section := sectionBytes(payload, 0x00)
	if section == nil || verifyCRC32(section) != nil {
		return nil
	}
	var pids []uint16
	for i := 8; i+4 <= len(section)-4; i += 4 {
		programNumber := uint16(section[i])<<8 | uint16(section[i+1])
		if programNumber == 0 {
			continue // network PID
		}
		pids = append(pids, uint16(section[i+2]&0x1F)<<8|uint16(section[i+3]))
	}
	return pids
}

type pmtEntry struct {
	pid        uint16
	streamType uint8
}

// parsePMT returns the elementary stream entries of a PMT section
// payload, or nil when the section is absent or corrupt.
func parsePMT(payload []byte) []pmtEntry {
	section := sectionBytes(payload, 0x02)
	if section == nil || verifyCRC32(section) != nil {
		return nil
	}
	if len(section) < 16 {
		return nil
	}
	sectionEnd := len(section)
	programInfoLen := int(section[10]&0x0F)<<8 | int(section[11])
	offset := 12 + programInfoLen

	var entries []pmtEntry
	for offset+5 <= sectionEnd-4 {
		streamType := section[offset]
		pid := uint16(section[offset+1]&0x1F)<<8 | uint16(section[offset+2])
		esInfoLen := int(section[offset+3]&0x0F)<<8 | int(section[offset+4])
		entries = append(entries, pmtEntry{pid: pid, streamType: streamType})
		offset += 5 + esInfoLen
	}
	return entries
}

// sectionBytes skips the PSI pointer field and returns the complete
// section with the given table_id, or nil.
func sectionBytes(payload []byte, tableID byte) []byte {
	if len(payload) < 1 {
		return nil
	}
	offset := 1 + int(payload[0])
	if offset+3 > len(payload) || payload[offset] != tableID {
		return nil
	}
	if payload[offset+1]&0x80 == 0 {
		return nil // section_syntax_indicator must be set for PAT/PMT
	}
	sectionLen := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
	end := offset + 3 + sectionLen
	if end > len(payload) {
		return nil
	}
	return payload[offset:end]
}

func isPESStart(payload []byte) bool {
	return len(payload) >= 3 && payload[0] == 0x00 && payload[1] == 0x00 && payload[2] == 0x01
}

type pesPacket struct {
	pts  int64
	dts  int64
	data []byte
}

// parsePES extracts the timestamps and elementary stream data from a
// reassembled PES packet. Timestamps default to the NoPTS sentinel.
func parsePES(payload []byte) (*pesPacket, error) {
	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	pes := &pesPacket{pts: media.NoPTS, dts: media.NoPTS}

	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	headerDataLen := int(payload[8])
	dataStart := 9 + headerDataLen
	if dataStart > len(payload) {
		return nil, fmt.Errorf("mpegts: PES header length out of range")
	}

	switch ptsDTSIndicator {
	case 2:
		if len(payload) >= 14 {
			pes.pts = parseTimestamp(payload[9:14])
			pes.dts = pes.pts
		}
	case 3:
		if len(payload) >= 19 {
			pes.pts = parseTimestamp(payload[9:14])
			pes.dts = parseTimestamp(payload[14:19])
		}
	}

	packetLen := int(payload[4])<<8 | int(payload[5])
	if packetLen > 0 && 6+packetLen <= len(payload) {
		pes.data = payload[dataStart : 6+packetLen]
	} else {
		// packetLen 0 means unbounded (video streams).
		pes.data = payload[dataStart:]
	}
	return pes, nil
}

// parseTimestamp decodes the 33-bit 90 kHz value from the 5-byte PES
// timestamp form.
func parseTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}
