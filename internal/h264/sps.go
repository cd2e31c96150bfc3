package h264

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/bits"
)

// Profile/constraint bytes for the two profiles this core emits. Constrained
// Baseline keeps single-stream (AVC420) decoding cheap on thin clients;
// High 4:2:2 is unused here (RDP's AVC444 is two coupled 4:2:0 streams, not
// a single 4:2:2 stream). BuildSPS can also emit High profile, though
// nothing in this tree currently selects it.
const (
	ProfileBaseline uint8 = 66
	ProfileHigh     uint8 = 100
)

// SPSParams are the fields this core needs to control when synthesising an
// SPS; everything else (scaling lists, separate colour planes, interlace)
// is fixed at the sane progressive 4:2:0 defaults RDP clients expect.
type SPSParams struct {
	ProfileIDC      uint8
	Level           Level
	SeqParameterID  uint8
	PicParameterID  uint8
	Width, Height   int // encoded (16-aligned) dimensions
	Matrix          VUIMatrix
}

// VUIMatrix carries the VUI colour_description_present_flag triple; kept
// independent of colorconv.Matrix so this package has no dependency on the
// pixel-conversion package.
type VUIMatrix struct {
	ColourPrimaries, TransferCharacteristics, MatrixCoeffs uint8
	FullRange                                              bool
}

// BuildSPS constructs a raw SPS NAL unit (header byte + RBSP, no start
// code, no emulation-prevention handling needed beyond what EBSPWriter
// already does) using mp4ff's exp-golomb bit writer, mirroring the
// hand-rolled-parameter-set style used when no encoder-provided SPS is
// available.
func BuildSPS(p SPSParams) ([]byte, error) {
	var buf bytes.Buffer
	w := bits.NewEBSPWriter(&buf)

	w.Write(uint(p.ProfileIDC), 8)
	constraintFlags := uint(0)
	if p.ProfileIDC == ProfileBaseline {
		constraintFlags = 0xC0 // set_0 and set_1, matching typical baseline streams
	}
	w.Write(constraintFlags, 8)
	w.Write(uint(p.Level), 8)
	w.WriteExpGolomb(uint(p.SeqParameterID))

	if p.ProfileIDC == ProfileHigh {
		w.WriteExpGolomb(1) // chroma_format_idc: 4:2:0
		w.WriteExpGolomb(0) // bit_depth_luma_minus8
		w.WriteExpGolomb(0) // bit_depth_chroma_minus8
		w.Write(0, 1)       // qpprime_y_zero_transform_bypass_flag
		w.Write(0, 1)       // seq_scaling_matrix_present_flag
	}

	w.WriteExpGolomb(0) // log2_max_frame_num_minus4
	w.WriteExpGolomb(0) // pic_order_cnt_type
	w.WriteExpGolomb(0) // log2_max_pic_order_cnt_lsb_minus4
	w.WriteExpGolomb(1) // max_num_ref_frames
	w.Write(0, 1)        // gaps_in_frame_num_value_allowed_flag

	mbWidth := p.Width / 16
	mbHeight := p.Height / 16
	w.WriteExpGolomb(uint(mbWidth - 1))
	w.WriteExpGolomb(uint(mbHeight - 1))
	w.Write(1, 1) // frame_mbs_only_flag
	w.Write(1, 1) // direct_8x8_inference_flag
	w.Write(0, 1) // frame_cropping_flag (dimensions are already exact macroblock multiples)

	w.Write(1, 1) // vui_parameters_present_flag
	writeVUI(w, p.Matrix)

	w.WriteRbspTrailingBits()
	if err := w.AccError(); err != nil {
		return nil, err
	}

	header := byte(NALTypeSPS) | (0x03 << 5) // nal_ref_idc=3 (SPS is always reference)
	return append([]byte{header}, buf.Bytes()...), nil
}

func writeVUI(w *bits.EBSPWriter, m VUIMatrix) {
	w.Write(0, 1) // aspect_ratio_info_present_flag
	w.Write(0, 1) // overscan_info_present_flag
	w.Write(1, 1) // video_signal_type_present_flag
	w.Write(5, 3) // video_format: unspecified
	rangeFlag := uint(0)
	if m.FullRange {
		rangeFlag = 1
	}
	w.Write(rangeFlag, 1)
	w.Write(1, 1) // colour_description_present_flag
	w.Write(uint(m.ColourPrimaries), 8)
	w.Write(uint(m.TransferCharacteristics), 8)
	w.Write(uint(m.MatrixCoeffs), 8)
	w.Write(0, 1) // chroma_loc_info_present_flag
	w.Write(0, 1) // timing_info_present_flag
	w.Write(0, 1) // nal_hrd_parameters_present_flag
	w.Write(0, 1) // vcl_hrd_parameters_present_flag
	w.Write(0, 1) // pic_struct_present_flag
	w.Write(0, 1) // bitstream_restriction_flag
}

// BuildPPS constructs a minimal PPS referencing the given SPS id, CAVLC
// entropy coding, and no deblocking-filter overrides — the conservative
// defaults any baseline RDP client can decode.
func BuildPPS(picParamID, seqParamID uint8) ([]byte, error) {
	var buf bytes.Buffer
	w := bits.NewEBSPWriter(&buf)

	w.WriteExpGolomb(uint(picParamID))
	w.WriteExpGolomb(uint(seqParamID))
	w.Write(0, 1) // entropy_coding_mode_flag: CAVLC
	w.Write(0, 1) // bottom_field_pic_order_in_frame_present_flag
	w.WriteExpGolomb(0) // num_slice_groups_minus1
	w.WriteExpGolomb(0) // num_ref_idx_l0_default_active_minus1
	w.WriteExpGolomb(0) // num_ref_idx_l1_default_active_minus1
	w.Write(0, 1)        // weighted_pred_flag
	w.Write(0, 2)        // weighted_bipred_idc
	writeSignedExpGolomb(w, 0) // pic_init_qp_minus26
	writeSignedExpGolomb(w, 0) // pic_init_qs_minus26
	writeSignedExpGolomb(w, 0) // chroma_qp_index_offset
	w.Write(1, 1)        // deblocking_filter_control_present_flag
	w.Write(0, 1)        // constrained_intra_pred_flag
	w.Write(0, 1)        // redundant_pic_cnt_present_flag

	w.WriteRbspTrailingBits()
	if err := w.AccError(); err != nil {
		return nil, err
	}

	header := byte(NALTypePPS) | (0x03 << 5)
	return append([]byte{header}, buf.Bytes()...), nil
}

// writeSignedExpGolomb writes an H.264 se(v) value using the standard
// mapping onto unsigned exp-golomb: 0,1,-1,2,-2,... -> 0,1,2,3,4,...
func writeSignedExpGolomb(w *bits.EBSPWriter, val int) {
	var mapped uint
	if val <= 0 {
		mapped = uint(-2 * val)
	} else {
		mapped = uint(2*val - 1)
	}
	w.WriteExpGolomb(mapped)
}

// ParseSPS decodes a raw SPS NAL payload (header byte + RBSP) using mp4ff,
// for the inspect-sps CLI command.
func ParseSPS(payload []byte) (*avc.SPS, error) {
	return avc.ParseSPSNALUnit(payload, true)
}
