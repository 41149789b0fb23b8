package models

import "time"

type JobStatus string

const (
	StatusPending      JobStatus = "pending"      // 任务已创建，等待处理
	StatusTranscribing JobStatus = "transcribing" // 正在转录音频
	StatusTranscribed  JobStatus = "transcribed"  // 转录完成，窗口已生成
	StatusClassifying  JobStatus = "classifying"  // 正在分批分类窗口
	StatusMerging      JobStatus = "merging"      // 正在合并广告区间
	StatusComplete     JobStatus = "complete"     // 检测完成
	StatusFailed       JobStatus = "failed"       // 检测失败（终态）
)

// Terminal 判断状态是否为终态
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// DetectionJob 单集广告检测任务
// 一次检测运行对应一条 Job 记录，Job 独占其下所有 Window 行
type DetectionJob struct {
	JobID        string      `json:"job_id"`
	EpisodeID    string      `json:"episode_id"`
	AudioURL     string      `json:"audio_url"`
	Status       JobStatus   `json:"status"`
	TranscriptID string      `json:"transcript_id,omitempty"`
	Segments     []AdSegment `json:"segments,omitempty"` // 完成时写入的最终广告段副本
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  time.Time   `json:"completed_at,omitempty"`
}

type StepName string

const (
	StepTranscribe StepName = "transcribe" // 转录 + 生成窗口
	StepClassify   StepName = "classify"   // 分类一批窗口后自我续期
	StepMerge      StepName = "merge"      // 合并区间并持久化广告段
)

// Task 流水线任务消息（队列中的最小调度单元）
// 每条消息只做有界工作量：classify 每次只处理一批窗口
type Task struct {
	JobID   string   `json:"job_id"`
	Step    StepName `json:"step"`
	Attempt int      `json:"attempt"` // 当前步骤已重试的次数

	// RabbitMQ 相关（不序列化到 JSON）
	DeliveryTag      uint64 `json:"-"`
	RabbitMQDelivery any    `json:"-"` // RabbitMQ delivery 对象（用于 Ack/Nack）
}
