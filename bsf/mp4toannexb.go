package bsf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/segmux/segmux/internal/nalu"
	"github.com/segmux/segmux/media"
)

// mp4ToAnnexB converts length-prefixed NAL units (ISOBMFF sample
// encapsulation) to Annex B byte streams, injecting the out-of-band
// parameter sets before keyframes that do not already carry them.
type mp4ToAnnexB struct {
	name       string
	lengthSize int
	paramSets  []byte

	// isParamSet and isKeyNAL classify NAL types for the codec.
	nalType    func([]byte) byte
	isParamSet func(byte) bool
	isKeyNAL   func(byte) bool

	pending *media.Packet
	flushed bool
}

func newH264MP4ToAnnexB(extradata []byte) (*mp4ToAnnexB, error) {
	f := &mp4ToAnnexB{
		name:       "h264_mp4toannexb",
		lengthSize: 4,
		nalType:    nalu.TypeH264,
		isParamSet: func(t byte) bool {
			return t == nalu.H264TypeSPS || t == nalu.H264TypePPS
		},
		isKeyNAL: func(t byte) bool { return t == nalu.H264TypeIDR },
	}
	if len(extradata) > 0 {
		if err := f.parseAVCC(extradata); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func newH265MP4ToAnnexB(extradata []byte) (*mp4ToAnnexB, error) {
	f := &mp4ToAnnexB{
		name:       "hevc_mp4toannexb",
		lengthSize: 4,
		nalType:    nalu.TypeH265,
		isParamSet: func(t byte) bool {
			return t == nalu.H265TypeVPS || t == nalu.H265TypeSPS || t == nalu.H265TypePPS
		},
		isKeyNAL: func(t byte) bool {
			return t >= nalu.H265TypeIRAPFirst && t <= nalu.H265TypeIRAPLast
		},
	}
	if len(extradata) > 0 {
		if err := f.parseHVCC(extradata); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// parseAVCC extracts the NAL length size and the SPS/PPS sets from an
// AVCDecoderConfigurationRecord.
func (f *mp4ToAnnexB) parseAVCC(data []byte) error {
	if len(data) < 7 || data[0] != 1 {
		// Some sources hand Annex B parameter sets through extradata.
		if len(data) >= 4 && data[0] == 0 && data[1] == 0 {
			f.paramSets = append([]byte(nil), data...)
			return nil
		}
		return errors.New("bsf: malformed avcC extradata")
	}
	f.lengthSize = int(data[4]&0x03) + 1

	var sets []byte
	pos := 5
	numSPS := int(data[pos] & 0x1F)
	pos++
	var err error
	sets, pos, err = appendParameterSets(sets, data, pos, numSPS)
	if err != nil {
		return fmt.Errorf("bsf: avcC sps: %w", err)
	}
	if pos >= len(data) {
		return errors.New("bsf: avcC truncated before pps count")
	}
	numPPS := int(data[pos])
	pos++
	sets, _, err = appendParameterSets(sets, data, pos, numPPS)
	if err != nil {
		return fmt.Errorf("bsf: avcC pps: %w", err)
	}
	f.paramSets = sets
	return nil
}

// parseHVCC extracts the NAL length size and the VPS/SPS/PPS sets from
// an HEVCDecoderConfigurationRecord.
func (f *mp4ToAnnexB) parseHVCC(data []byte) error {
	if len(data) < 23 || data[0] != 1 {
		if len(data) >= 4 && data[0] == 0 && data[1] == 0 {
			f.paramSets = append([]byte(nil), data...)
			return nil
		}
		return errors.New("bsf: malformed hvcC extradata")
	}
	f.lengthSize = int(data[21]&0x03) + 1

	var sets []byte
	numArrays := int(data[22])
	pos := 23
	for i := 0; i < numArrays; i++ {
		if pos+3 > len(data) {
			return errors.New("bsf: hvcC truncated array header")
		}
		numNALUs := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3
		var err error
		sets, pos, err = appendParameterSets(sets, data, pos, numNALUs)
		if err != nil {
			return fmt.Errorf("bsf: hvcC array %d: %w", i, err)
		}
	}
	f.paramSets = sets
	return nil
}

// appendParameterSets reads n length-prefixed parameter sets starting at
// pos and appends them to dst with start codes.
func appendParameterSets(dst, data []byte, pos, n int) ([]byte, int, error) {
	for i := 0; i < n; i++ {
		if pos+2 > len(data) {
			return dst, pos, errors.New("truncated length")
		}
		length := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+length > len(data) {
			return dst, pos, errors.New("truncated payload")
		}
		dst = append(dst, nalu.StartCode...)
		dst = append(dst, data[pos:pos+length]...)
		pos += length
	}
	return dst, pos, nil
}

func (f *mp4ToAnnexB) Name() string { return f.name }

func (f *mp4ToAnnexB) Submit(pkt *media.Packet) error {
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

	data, err := f.convert(pkt.Data)
	if err != nil {
		return err
	}
	out := *pkt
	out.Data = data
	f.pending = &out
	return nil
}

func (f *mp4ToAnnexB) Receive() (*media.Packet, error) {
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

// convert rewrites one length-prefixed sample as an Annex B access unit.
// Parameter sets are injected ahead of key NAL units when the sample does
// not already carry its own.
func (f *mp4ToAnnexB) convert(sample []byte) ([]byte, error) {
	type unit struct {
		data []byte
		typ  byte
	}
	var units []unit
	hasParamSets := false
	hasKey := false

	pos := 0
	for pos < len(sample) {
		if pos+f.lengthSize > len(sample) {
			return nil, errors.New("bsf: truncated NAL length")
		}
		var length int
		for i := 0; i < f.lengthSize; i++ {
			length = length<<8 | int(sample[pos+i])
		}
		pos += f.lengthSize
		if length < 0 || pos+length > len(sample) {
			return nil, fmt.Errorf("bsf: NAL length %d exceeds sample", length)
		}
		nal := sample[pos : pos+length]
		pos += length

		t := f.nalType(nal)
		if f.isParamSet(t) {
			hasParamSets = true
		}
		if f.isKeyNAL(t) {
			hasKey = true
		}
		units = append(units, unit{data: nal, typ: t})
	}

	inject := hasKey && !hasParamSets && len(f.paramSets) > 0

	size := 0
	if inject {
		size += len(f.paramSets)
	}
	for _, u := range units {
		size += len(nalu.StartCode) + len(u.data)
	}

	out := make([]byte, 0, size)
	injected := false
	for _, u := range units {
		if inject && !injected && f.isKeyNAL(u.typ) {
			out = append(out, f.paramSets...)
			injected = true
		}
		out = append(out, nalu.StartCode...)
		out = append(out, u.data...)
	}
	return out, nil
}
