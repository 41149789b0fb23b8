package windows

import (
	"errors"
	"strings"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

var (
	// ErrInvalidWindowSize 窗口长度必须大于 0
	ErrInvalidWindowSize = errors.New("窗口长度必须大于 0")
	// ErrInvalidOverlap 重叠必须小于窗口长度且不为负
	ErrInvalidOverlap = errors.New("窗口重叠必须小于窗口长度且不为负")
)

// Span 一个待分类的时间窗口（尚未成为 Window 行）
type Span struct {
	Start float64
	End   float64
	Text  string
}

// Build 将转录片段切成固定长度的重叠时间窗口
// 窗口长度固定为 windowSize，相邻窗口重叠 overlap 秒，覆盖整个转录时长；
// 每个窗口的文本是所有与 [start, end) 相交的片段文本按原顺序空格拼接。
// 纯函数：相同输入总是产生相同输出，空片段列表返回空结果。
func Build(segments []models.TranscriptSegment, windowSize, overlap float64) ([]Span, error) {
	if windowSize <= 0 {
		return nil, ErrInvalidWindowSize
	}
	if overlap < 0 || overlap >= windowSize {
		return nil, ErrInvalidOverlap
	}

	if len(segments) == 0 {
		return []Span{}, nil
	}

	total := segments[len(segments)-1].End
	stride := windowSize - overlap

	spans := make([]Span, 0, int(total/stride)+1)
	for start := 0.0; start < total; start += stride {
		end := start + windowSize
		spans = append(spans, Span{
			Start: start,
			End:   end,
			Text:  textInRange(segments, start, end),
		})
	}

	return spans, nil
}

// textInRange 拼接所有与 [start, end) 相交的片段文本
func textInRange(segments []models.TranscriptSegment, start, end float64) string {
	var parts []string
	for _, seg := range segments {
		if seg.Start < end && seg.End > start {
			if text := strings.TrimSpace(seg.Text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}
