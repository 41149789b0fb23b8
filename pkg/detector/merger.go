package detector

import (
	"sort"
	"strings"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

const (
	// ConfidenceThreshold 低于此置信度的广告窗口不参与合并
	ConfidenceThreshold = 0.4
	// DefaultMinAdDuration 短于此时长（秒）的广告段被丢弃
	DefaultMinAdDuration = 5.0
	// DefaultMergeGap 间隙不超过此值（秒）的相邻窗口合并为同一段
	DefaultMergeGap = 2.0
)

// cluster 合并过程中的当前簇
type cluster struct {
	start      float64
	end        float64
	transcript strings.Builder
	confidence float64 // 已吸收窗口的算术平均
	count      int
}

// MergeAdWindows 将分类后的窗口合并为广告段
// 单次遍历：过滤正例（is_ad 且置信度超过阈值）、按开始时间稳定排序、
// 间隙不超过 mergeGap 的窗口吸收进当前簇，短于 minDuration 的簇丢弃。
// 纯函数，输入顺序不影响结果。
func MergeAdWindows(ws []*models.Window, minDuration, mergeGap float64) []models.MergedAdSegment {
	// 1. 过滤正例
	positive := make([]*models.Window, 0, len(ws))
	for _, w := range ws {
		if w.IsAd && w.Confidence > ConfidenceThreshold {
			positive = append(positive, w)
		}
	}
	if len(positive) == 0 {
		return []models.MergedAdSegment{}
	}

	// 2. 按开始时间排序（稳定，平局保持原顺序）
	sort.SliceStable(positive, func(i, j int) bool {
		return positive[i].Start < positive[j].Start
	})

	// 3. 单次遍历合并
	segments := []models.MergedAdSegment{}
	cur := newCluster(positive[0])

	for _, w := range positive[1:] {
		if w.Start <= cur.end+mergeGap {
			cur.absorb(w)
			continue
		}
		if seg, ok := cur.emit(minDuration); ok {
			segments = append(segments, seg)
		}
		cur = newCluster(w)
	}
	if seg, ok := cur.emit(minDuration); ok {
		segments = append(segments, seg)
	}

	return segments
}

func newCluster(w *models.Window) *cluster {
	c := &cluster{
		start:      w.Start,
		end:        w.End,
		confidence: w.Confidence,
		count:      1,
	}
	c.transcript.WriteString(w.Text)
	return c
}

// absorb 将窗口并入当前簇，置信度按运行均值更新
func (c *cluster) absorb(w *models.Window) {
	if w.End > c.end {
		c.end = w.End
	}
	c.transcript.WriteString(" ")
	c.transcript.WriteString(w.Text)
	c.confidence = (c.confidence*float64(c.count) + w.Confidence) / float64(c.count+1)
	c.count++
}

// emit 关闭当前簇，时长达标时产出广告段
func (c *cluster) emit(minDuration float64) (models.MergedAdSegment, bool) {
	duration := c.end - c.start
	if duration < minDuration {
		return models.MergedAdSegment{}, false
	}
	return models.MergedAdSegment{
		Start:      c.start,
		End:        c.end,
		Duration:   duration,
		Transcript: strings.TrimSpace(c.transcript.String()),
		Confidence: c.confidence,
	}, true
}
