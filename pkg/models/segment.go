package models

import "time"

// Window 固定长度的转录时间窗口（Job 的子记录）
// 窗口行批量创建后只被分类步骤原地更新，运行期间不会删除
type Window struct {
	WindowID   string  `json:"window_id"`
	JobID      string  `json:"job_id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Classified bool    `json:"classified"`
	IsAd       bool    `json:"is_ad"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// WindowLabel 分类器对单个窗口的判定结果
type WindowLabel struct {
	IsAd       bool    `json:"is_ad"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// MergedAdSegment 合并后的广告候选段（持久化前的中间结果）
type MergedAdSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Duration   float64 `json:"duration"` // = End - Start
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"` // 被吸收窗口的算术平均
}

// AdSegment 最终持久化的广告段记录
// 归属单集，Job 完成后独立存在；embedding 维度全库一致以支持向量检索
type AdSegment struct {
	SegmentID  string    `json:"segment_id"`
	EpisodeID  string    `json:"episode_id"`
	PodcastID  string    `json:"podcast_id"`
	AudioURL   string    `json:"audio_url"`
	Start      float64   `json:"start"`
	End        float64   `json:"end"`
	Duration   float64   `json:"duration"`
	Transcript string    `json:"transcript"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Episode 单集元信息（目录数据，由外部摄取服务维护）
type Episode struct {
	EpisodeID string `json:"episode_id"`
	PodcastID string `json:"podcast_id"`
	Title     string `json:"title"`
	AudioURL  string `json:"audio_url"`
}
