package models

import "time"

// TranscriptSegment 转录文本片段（带时间戳，跨分片拼接后连续）
type TranscriptSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"` // 开始时间（秒）
	End   float64 `json:"end"`   // 结束时间（秒）
	Text  string  `json:"text"`
}

// Transcript 单集转录结果
// 归属单集而非 Job，可在多次检测运行间复用；内容一经写入视为不可变
type Transcript struct {
	TranscriptID string              `json:"transcript_id"`
	EpisodeID    string              `json:"episode_id"`
	AudioURL     string              `json:"audio_url"`
	FullText     string              `json:"full_text"`
	Segments     []TranscriptSegment `json:"segments"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Duration 转录覆盖的总时长（秒）
func (t *Transcript) Duration() float64 {
	if len(t.Segments) == 0 {
		return 0
	}
	return t.Segments[len(t.Segments)-1].End
}
