// Package nalu provides the small amount of H.264/H.265 NAL unit
// plumbing shared by the bitstream filters and the MPEG-TS engine:
// Annex B start code scanning and keyframe classification. No slice data
// is ever decoded.
package nalu

// StartCode is the 4-byte Annex B start code used when emitting NAL
// units. Both 3- and 4-byte codes are accepted on input.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	H264TypeIDR = 5
	H264TypeSPS = 7
	H264TypePPS = 8
)

// H.265 NAL unit type bounds (ITU-T H.265 Table 7-1). Types 16 through
// 21 are the IRAP pictures: BLA, IDR, and CRA.
const (
	H265TypeIRAPFirst = 16
	H265TypeIRAPLast  = 21
	H265TypeVPS       = 32
	H265TypeSPS       = 33
	H265TypePPS       = 34
)

// TypeH264 extracts the NAL unit type from H.264 NAL data (header byte
// first, no start code).
func TypeH264(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// TypeH265 extracts the NAL unit type from H.265 NAL data.
func TypeH265(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return (nal[0] >> 1) & 0x3F
}

// SplitAnnexB scans an Annex B byte stream and returns the NAL units
// between start codes, without the start codes themselves. The returned
// slices alias data.
func SplitAnnexB(data []byte) [][]byte {
	n := len(data)
	if n < 4 {
		return nil
	}

	var starts []int
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				starts = append(starts, i+4)
				i += 4
				continue
			}
			if data[i+2] == 1 {
				starts = append(starts, i+3)
				i += 3
				continue
			}
		}
		i++
	}

	units := make([][]byte, 0, len(starts))
	for idx, start := range starts {
		end := n
		if idx+1 < len(starts) {
			// Back up over the next unit's start code (and any zero
			// padding before it).
			end = starts[idx+1] - 3
			if end > 0 && data[end-1] == 0 {
				end--
			}
		}
		if start >= end {
			continue
		}
		units = append(units, data[start:end])
	}
	return units
}

// IsKeyframeH264 reports whether an Annex B access unit contains an IDR
// slice.
func IsKeyframeH264(accessUnit []byte) bool {
	for _, nal := range SplitAnnexB(accessUnit) {
		if TypeH264(nal) == H264TypeIDR {
			return true
		}
	}
	return false
}

// IsKeyframeH265 reports whether an Annex B access unit contains an IRAP
// picture.
func IsKeyframeH265(accessUnit []byte) bool {
	for _, nal := range SplitAnnexB(accessUnit) {
		t := TypeH265(nal)
		if t >= H265TypeIRAPFirst && t <= H265TypeIRAPLast {
			return true
		}
	}
	return false
}
