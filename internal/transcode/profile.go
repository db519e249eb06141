package transcode

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// CRF の許容範囲。小さいほど高画質。
const (
	MinCRF = 18
	MaxCRF = 32
)

var (
	x264Presets = []string{
		"ultrafast", "superfast", "veryfast", "faster", "fast",
		"medium", "slow", "slower", "veryslow", "placebo",
	}
	codecPattern   = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	bitratePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[kKmM]?$`)
)

// Profile は全ジョブ共通の圧縮パラメータです。起動時に一度だけ読み込み、以後は変更しません。
type Profile struct {
	VideoCodec   string
	AudioCodec   string
	VideoBitrate string
	AudioBitrate string
	MaxRate      string
	BufSize      string
	CRF          int
	Preset       string
	Threads      int // 0 は全コアを使用
	FastStart    bool
}

// Validate はプロファイルの各値が ffmpeg に渡せる範囲にあるか検証します。
func (p Profile) Validate() error {
	if !codecPattern.MatchString(p.VideoCodec) {
		return fmt.Errorf("video codec %q is invalid", p.VideoCodec)
	}
	if !codecPattern.MatchString(p.AudioCodec) {
		return fmt.Errorf("audio codec %q is invalid", p.AudioCodec)
	}
	rates := []struct {
		name  string
		value string
	}{
		{"video bitrate", p.VideoBitrate},
		{"audio bitrate", p.AudioBitrate},
		{"max rate", p.MaxRate},
		{"buffer size", p.BufSize},
	}
	for _, r := range rates {
		if !bitratePattern.MatchString(r.value) {
			return fmt.Errorf("%s %q is invalid", r.name, r.value)
		}
	}
	if p.CRF < MinCRF || p.CRF > MaxCRF {
		return fmt.Errorf("crf %d is out of range %d-%d", p.CRF, MinCRF, MaxCRF)
	}
	if !slices.Contains(x264Presets, p.Preset) {
		return fmt.Errorf("preset %q is not one of %s", p.Preset, strings.Join(x264Presets, ", "))
	}
	if p.Threads < 0 {
		return fmt.Errorf("threads must be >= 0 (got %d)", p.Threads)
	}
	return nil
}

// Args は入力・出力パスに対する ffmpeg の引数リストを組み立てます。
// シェルを経由しないため、パスはそのまま1要素として渡されます。
func (p Profile) Args(inputPath, outputPath string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", safePath(inputPath),
		"-c:v", p.VideoCodec,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
		"-crf", strconv.Itoa(p.CRF),
		"-preset", p.Preset,
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
		"-threads", strconv.Itoa(p.Threads),
	}
	if p.FastStart {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, safePath(outputPath))
}

// safePath は "-" で始まるパスがオプションとして解釈されないようにします。
func safePath(path string) string {
	if strings.HasPrefix(path, "-") {
		return "./" + path
	}
	return path
}
