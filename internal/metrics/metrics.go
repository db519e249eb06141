// Package metrics は圧縮前後のサイズから削減率を計算し、配信時のキャプションを組み立てます。
package metrics

import "fmt"

const bytesPerMB = 1024 * 1024

// Summary は1ジョブ分のサイズ統計です。
type Summary struct {
	OriginalBytes    int64   `json:"originalBytes"`
	CompressedBytes  int64   `json:"compressedBytes"`
	OriginalMB       float64 `json:"originalMb"`
	CompressedMB     float64 `json:"compressedMb"`
	ReductionPercent float64 `json:"reductionPercent"`
}

// Summarize は元サイズと圧縮後サイズから統計を計算します。
// 元サイズが0の場合、削減率は0として扱います。
// 圧縮後の方が大きい場合は負の削減率になります。
func Summarize(original, compressed int64) Summary {
	return Summary{
		OriginalBytes:    original,
		CompressedBytes:  compressed,
		OriginalMB:       toMB(original),
		CompressedMB:     toMB(compressed),
		ReductionPercent: reductionPercent(original, compressed),
	}
}

// Caption は配信する動画に添える3行のサイズレポートを返します。
func (s Summary) Caption() string {
	return fmt.Sprintf("元のサイズ: %.2f MB\n圧縮後のサイズ: %.2f MB\n削減率: %.1f%%",
		s.OriginalMB, s.CompressedMB, s.ReductionPercent)
}

func toMB(n int64) float64 {
	return float64(n) / bytesPerMB
}

func reductionPercent(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) / float64(original) * 100
}
