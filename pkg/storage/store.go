package storage

import (
	"errors"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

var (
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("任务不存在")
	// ErrWindowNotFound 窗口不存在
	ErrWindowNotFound = errors.New("窗口不存在")
	// ErrTranscriptNotFound 转录不存在
	ErrTranscriptNotFound = errors.New("转录不存在")
	// ErrEpisodeNotFound 单集不存在
	ErrEpisodeNotFound = errors.New("单集不存在")
	// ErrActiveJobExists 同一单集已有未终结的检测任务
	ErrActiveJobExists = errors.New("该单集已有进行中的检测任务")
)

// WindowUpdate 单个窗口的分类结果写入
type WindowUpdate struct {
	WindowID string
	Label    models.WindowLabel
}

// JobStore 检测任务与窗口存储
// 单个 Job 的生命周期只由一个调度方驱动，写入无需乐观锁
type JobStore interface {
	// CreateJob 创建任务；同一单集存在未终结任务时返回 ErrActiveJobExists
	CreateJob(job *models.DetectionJob) error

	// GetJob 获取任务
	GetJob(jobID string) (*models.DetectionJob, error)

	// UpdateJob 更新任务（回调函数模式）
	UpdateJob(jobID string, updateFn func(*models.DetectionJob)) error

	// ListJobs 按创建时间倒序列出任务
	ListJobs() ([]*models.DetectionJob, error)

	// InsertWindows 批量插入窗口行，classified 均为 false
	InsertWindows(jobID string, ws []*models.Window) error

	// UnclassifiedWindows 按插入顺序返回至多 limit 个未分类窗口
	UnclassifiedWindows(jobID string, limit int) ([]*models.Window, error)

	// Windows 返回任务的全部窗口（插入顺序）
	Windows(jobID string) ([]*models.Window, error)

	// UpdateWindows 批量写入分类结果并置 classified=true
	// 逐行独立写入，单行原子，行间不保证原子性
	UpdateWindows(updates []WindowUpdate) error

	Close() error
}

// TranscriptStore 转录存储（按单集读写，支持跨运行复用）
type TranscriptStore interface {
	SaveTranscript(t *models.Transcript) error
	TranscriptByEpisode(episodeID string) (*models.Transcript, error)
	Close() error
}

// SegmentStore 广告段存储
type SegmentStore interface {
	SaveSegment(s *models.AdSegment) error
	SegmentsByEpisode(episodeID string) ([]*models.AdSegment, error)
	Close() error
}

// EpisodeStore 单集目录读写（目录摄取由外部服务负责）
type EpisodeStore interface {
	SaveEpisode(e *models.Episode) error
	GetEpisode(episodeID string) (*models.Episode, error)
	Close() error
}
