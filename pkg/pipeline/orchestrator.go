package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scarlson1/castaway-sub000/pkg/detector"
	"github.com/scarlson1/castaway-sub000/pkg/models"
	"github.com/scarlson1/castaway-sub000/pkg/queue"
	"github.com/scarlson1/castaway-sub000/pkg/storage"
	"github.com/scarlson1/castaway-sub000/pkg/windows"
)

// Transcriber 转录服务接口
type Transcriber interface {
	Transcribe(ctx context.Context, episodeID, audioURL, language string) (*models.Transcript, error)
}

// Classifier 广告分类接口
type Classifier interface {
	ClassifyBatch(ctx context.Context, batch []*models.Window) ([]models.WindowLabel, error)
}

// Embedder 文本向量接口
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config 流水线参数（全部显式注入，不读环境变量）
type Config struct {
	WindowSize    float64 // 窗口长度（秒）
	WindowOverlap float64 // 相邻窗口重叠（秒）
	BatchSize     int     // 每批分类的窗口数
	MinAdDuration float64 // 广告段最短时长（秒）
	MergeGap      float64 // 区间合并允许的间隙（秒）
	Language      string  // 转录语言，留空自动检测
}

// Orchestrator 检测流水线调度器
// 状态机 pending → transcribing → transcribed → classifying → merging → complete，
// 每个状态迁移由一条队列消息驱动；classify 步骤每次只处理一批窗口，
// 写入提交后再发布续期消息，崩溃恢复时不会重复或丢失窗口。
type Orchestrator struct {
	cfg         Config
	jobs        storage.JobStore
	transcripts storage.TranscriptStore
	segments    storage.SegmentStore
	episodes    storage.EpisodeStore
	transcriber Transcriber
	classifier  Classifier
	embedder    Embedder
	queue       queue.Queue
}

// NewOrchestrator 创建调度器
func NewOrchestrator(
	cfg Config,
	jobs storage.JobStore,
	transcripts storage.TranscriptStore,
	segments storage.SegmentStore,
	episodes storage.EpisodeStore,
	transcriber Transcriber,
	classifier Classifier,
	embedder Embedder,
	q queue.Queue,
) *Orchestrator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 12
	}
	if cfg.WindowOverlap <= 0 {
		cfg.WindowOverlap = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MinAdDuration <= 0 {
		cfg.MinAdDuration = detector.DefaultMinAdDuration
	}
	if cfg.MergeGap <= 0 {
		cfg.MergeGap = detector.DefaultMergeGap
	}

	return &Orchestrator{
		cfg:         cfg,
		jobs:        jobs,
		transcripts: transcripts,
		segments:    segments,
		episodes:    episodes,
		transcriber: transcriber,
		classifier:  classifier,
		embedder:    embedder,
		queue:       q,
	}
}

// StartDetection 为单集创建检测任务并调度第一步
// 同一单集存在未终结任务时返回 storage.ErrActiveJobExists
func (o *Orchestrator) StartDetection(episodeID string) (*models.DetectionJob, error) {
	episode, err := o.episodes.GetEpisode(episodeID)
	if err != nil {
		return nil, err
	}
	if episode.AudioURL == "" {
		return nil, fmt.Errorf("单集 %s 缺少音频地址", episodeID)
	}

	job := &models.DetectionJob{
		JobID:     uuid.New().String(),
		EpisodeID: episode.EpisodeID,
		AudioURL:  episode.AudioURL,
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}

	if err := o.jobs.CreateJob(job); err != nil {
		return nil, err
	}

	if err := o.queue.Enqueue(&models.Task{JobID: job.JobID, Step: models.StepTranscribe}); err != nil {
		// 入队失败必须立即终结任务，否则 pending 孤儿会永久占住该单集的互斥位
		o.FailJob(job.JobID, fmt.Errorf("任务加入队列失败: %w", err))
		return nil, fmt.Errorf("任务加入队列失败: %w", err)
	}

	log.Printf("✓ 检测任务已创建: %s (单集: %s)", job.JobID, episodeID)
	return job, nil
}

// RunStep 执行一条流水线任务
// 返回的错误由 Worker 按 IsRetryable 决定重试或终结任务
func (o *Orchestrator) RunStep(ctx context.Context, task *models.Task) error {
	switch task.Step {
	case models.StepTranscribe:
		return o.stepTranscribe(ctx, task.JobID)
	case models.StepClassify:
		return o.stepClassify(ctx, task.JobID)
	case models.StepMerge:
		return o.stepMerge(ctx, task.JobID)
	default:
		return fmt.Errorf("未知的流水线步骤: %s", task.Step)
	}
}

// stepTranscribe 转录步骤：复用或生成转录，切窗口并入库
func (o *Orchestrator) stepTranscribe(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil // 过期消息，忽略
	}
	// 崩溃恢复：窗口已生成则直接续接分类
	if job.Status == models.StatusClassifying {
		return o.queue.Enqueue(&models.Task{JobID: jobID, Step: models.StepClassify})
	}
	if job.AudioURL == "" {
		return fmt.Errorf("任务 %s 缺少音频地址", jobID)
	}

	if err := o.jobs.UpdateJob(jobID, func(j *models.DetectionJob) {
		j.Status = models.StatusTranscribing
	}); err != nil {
		return err
	}

	// 复用已有转录，避免重复的转录开销
	transcript, err := o.transcripts.TranscriptByEpisode(job.EpisodeID)
	if errors.Is(err, storage.ErrTranscriptNotFound) {
		log.Printf("📝 单集 %s 无转录，开始转录", job.EpisodeID)
		transcript, err = o.transcriber.Transcribe(ctx, job.EpisodeID, job.AudioURL, o.cfg.Language)
		if err != nil {
			return Retryable(fmt.Errorf("转录失败: %w", err))
		}
		if err := o.transcripts.SaveTranscript(transcript); err != nil {
			return Retryable(fmt.Errorf("保存转录失败: %w", err))
		}
	} else if err != nil {
		return Retryable(fmt.Errorf("查询转录失败: %w", err))
	} else {
		log.Printf("♻️  复用单集 %s 的已有转录: %s", job.EpisodeID, transcript.TranscriptID)
	}

	if transcript.TranscriptID == "" {
		return fmt.Errorf("转录结果缺少 id")
	}
	if len(transcript.Segments) == 0 {
		return fmt.Errorf("转录结果不含任何片段")
	}

	if err := o.jobs.UpdateJob(jobID, func(j *models.DetectionJob) {
		j.TranscriptID = transcript.TranscriptID
		j.Status = models.StatusTranscribed
	}); err != nil {
		return err
	}

	// 至少一次投递：窗口已入库的重复消息不重新切窗口，直接续接分类
	existing, err := o.jobs.Windows(jobID)
	if err != nil {
		return err
	}

	total := len(existing)
	if total == 0 {
		spans, err := windows.Build(transcript.Segments, o.cfg.WindowSize, o.cfg.WindowOverlap)
		if err != nil {
			return err
		}

		rows := make([]*models.Window, len(spans))
		for i, span := range spans {
			rows[i] = &models.Window{
				WindowID: uuid.New().String(),
				JobID:    jobID,
				Start:    span.Start,
				End:      span.End,
				Text:     span.Text,
			}
		}
		if err := o.jobs.InsertWindows(jobID, rows); err != nil {
			return err
		}
		total = len(rows)
	}

	if err := o.jobs.UpdateJob(jobID, func(j *models.DetectionJob) {
		j.Status = models.StatusClassifying
	}); err != nil {
		return err
	}

	log.Printf("✓ 任务 %s 已生成 %d 个窗口，进入分类阶段", jobID, total)
	return o.queue.Enqueue(&models.Task{JobID: jobID, Step: models.StepClassify})
}

// stepClassify 分类步骤：处理一批窗口后自我续期
// 观察到零个未分类窗口的那次调用负责触发合并信号，且只触发一次
func (o *Orchestrator) stepClassify(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == models.StatusMerging {
		return nil // 合并信号已触发，过期消息忽略
	}

	batch, err := o.jobs.UnclassifiedWindows(jobID, o.cfg.BatchSize)
	if err != nil {
		return err
	}

	if len(batch) == 0 {
		// 分类完成信号：状态迁移 + 调度合并步骤
		if err := o.jobs.UpdateJob(jobID, func(j *models.DetectionJob) {
			j.Status = models.StatusMerging
		}); err != nil {
			return err
		}
		log.Printf("✓ 任务 %s 所有窗口分类完成，进入合并阶段", jobID)
		return o.queue.Enqueue(&models.Task{JobID: jobID, Step: models.StepMerge})
	}

	labels, err := o.classifier.ClassifyBatch(ctx, batch)
	if err != nil {
		return Retryable(err)
	}

	updates := make([]storage.WindowUpdate, len(batch))
	for i, w := range batch {
		updates[i] = storage.WindowUpdate{
			WindowID: w.WindowID,
			Label:    labels[i],
		}
	}
	// 先提交本批写入，再发布续期消息
	if err := o.jobs.UpdateWindows(updates); err != nil {
		return err
	}

	log.Printf("✓ 任务 %s 已分类 %d 个窗口", jobID, len(batch))
	return o.queue.Enqueue(&models.Task{JobID: jobID, Step: models.StepClassify})
}

// stepMerge 合并步骤：合并广告区间、逐段计算向量并持久化
func (o *Orchestrator) stepMerge(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	ws, err := o.jobs.Windows(jobID)
	if err != nil {
		return err
	}

	merged := detector.MergeAdWindows(ws, o.cfg.MinAdDuration, o.cfg.MergeGap)

	episode, err := o.episodes.GetEpisode(job.EpisodeID)
	if err != nil {
		return err
	}

	// 重试恢复：已持久化的区间不重复写入
	existing, err := o.segments.SegmentsByEpisode(job.EpisodeID)
	if err != nil {
		return Retryable(err)
	}

	persisted := make([]models.AdSegment, 0, len(merged))
	for _, m := range merged {
		if prev := findSegment(existing, m.Start, m.End); prev != nil {
			persisted = append(persisted, *prev)
			continue
		}

		// 每段一次向量调用 + 一次写入，顺序执行
		vec, err := o.embedder.Embed(ctx, m.Transcript)
		if err != nil {
			return Retryable(fmt.Errorf("计算向量失败: %w", err))
		}

		seg := &models.AdSegment{
			SegmentID:  uuid.New().String(),
			EpisodeID:  episode.EpisodeID,
			PodcastID:  episode.PodcastID,
			AudioURL:   job.AudioURL,
			Start:      m.Start,
			End:        m.End,
			Duration:   m.Duration,
			Transcript: m.Transcript,
			Confidence: m.Confidence,
			Embedding:  vec,
			CreatedAt:  time.Now(),
		}
		if err := o.segments.SaveSegment(seg); err != nil {
			return Retryable(fmt.Errorf("保存广告段失败: %w", err))
		}
		persisted = append(persisted, *seg)
	}

	// 零个广告段也是有效的完成结果
	if err := o.jobs.UpdateJob(jobID, func(j *models.DetectionJob) {
		j.Status = models.StatusComplete
		j.Segments = persisted
		j.CompletedAt = time.Now()
	}); err != nil {
		return err
	}

	log.Printf("🎉 任务 %s 检测完成，共 %d 个广告段", jobID, len(persisted))
	return nil
}

// FailJob 将任务置为失败终态
// 已持久化的转录、窗口和部分分类结果保留，便于诊断与重跑续接
func (o *Orchestrator) FailJob(jobID string, cause error) {
	log.Printf("❌ 任务 %s 失败: %v", jobID, cause)

	err := o.jobs.UpdateJob(jobID, func(j *models.DetectionJob) {
		j.Status = models.StatusFailed
		j.Error = cause.Error()
		j.CompletedAt = time.Now()
	})
	if err != nil {
		log.Printf("⚠️ 更新失败状态出错: %v", err)
	}
}

// findSegment 按区间查找已持久化的广告段
func findSegment(segments []*models.AdSegment, start, end float64) *models.AdSegment {
	for _, s := range segments {
		if s.Start == start && s.End == end {
			return s
		}
	}
	return nil
}
