package gfxcored

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264"
)

func newInspectSPSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-sps <annex-b-file>",
		Short: "Parse the SPS NAL unit in an Annex-B bitstream file and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectSPS(args[0])
		},
	}
	return cmd
}

func runInspectSPS(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("inspect-sps: reading %s: %w", path, err)
	}

	nals := h264.SplitAnnexB(data)
	var spsPayload []byte
	for _, n := range nals {
		if n.Type == h264.NALTypeSPS {
			spsPayload = n.Payload
			break
		}
	}
	if spsPayload == nil {
		return fmt.Errorf("inspect-sps: no SPS NAL unit found in %s", path)
	}

	fmt.Println(getSPSDebugString(spsPayload))
	return nil
}

// getSPSDebugString renders the fields of an SPS in the same compact
// format used for debug logging elsewhere in this codebase.
func getSPSDebugString(spsData []byte) string {
	sps, err := h264.ParseSPS(spsData)
	if err != nil {
		return fmt.Sprintf("SPS parse failed: %v", err)
	}

	constraintSet3 := (uint8(sps.ProfileCompatibility) & 0x10) != 0
	level := uint8(sps.Level)
	s := fmt.Sprintf("profile_idc=%d constraint_set3=%v level=%d.%d max_num_ref_frames=%d resolution=%dx%d",
		uint8(sps.Profile), constraintSet3, level/10, level%10, sps.NumRefFrames, sps.Width, sps.Height)

	if sps.VUI != nil {
		s += " VUI:present"
		if sps.VUI.BitstreamRestrictionFlag {
			s += fmt.Sprintf(" bitstream_restriction:{max_num_reorder_frames=%d, max_dec_frame_buffering=%d}",
				sps.VUI.MaxNumReorderFrames, sps.VUI.MaxDecFrameBuffering)
		}
	}
	return s
}
