package h264

// Level is an H.264 level_idc value (already scaled by 10, matching the
// SPS field: level 3.1 is encoded as 31).
type Level uint8

const (
	Level30 Level = 30
	Level31 Level = 31
	Level32 Level = 32
	Level40 Level = 40
	Level41 Level = 41
	Level42 Level = 42
	Level50 Level = 50
	Level51 Level = 51
	Level52 Level = 52
)

// levelLimit pairs a level with the maximum macroblock processing rate
// (MaxMBPS, macroblocks/second) and maximum frame size (MaxFS,
// macroblocks) it supports, from ITU-T H.264 Table A-1.
type levelLimit struct {
	level   Level
	maxMBPS int
	maxFS   int
}

// levelTable is ordered monotonically increasing; SelectLevel walks it in
// order and returns the first level whose limits accommodate the request
// (level selection is a monotone function of the macroblock rate, never a
// fixed constant).
var levelTable = []levelLimit{
	{Level30, 40500, 1620},
	{Level31, 108000, 3600},
	{Level32, 216000, 5120},
	{Level40, 245760, 8192},
	{Level41, 245760, 8192},
	{Level42, 522240, 8704},
	{Level50, 589824, 22080},
	{Level51, 983040, 36864},
	{Level52, 2073600, 36864},
}

// SelectLevel picks the lowest level whose MaxMBPS and MaxFS limits cover
// the given encoded dimensions and frame rate. If even the highest level
// in the table is insufficient, it returns the highest level anyway —
// the caller is expected to have already bounded the requested resolution
// against a sane maximum.
func SelectLevel(widthPx, heightPx int, frameRate float64) Level {
	mbWidth := (widthPx + 15) / 16
	mbHeight := (heightPx + 15) / 16
	frameSize := mbWidth * mbHeight
	mbps := int(float64(frameSize) * frameRate)

	for _, l := range levelTable {
		if frameSize <= l.maxFS && mbps <= l.maxMBPS {
			return l.level
		}
	}
	return levelTable[len(levelTable)-1].level
}
