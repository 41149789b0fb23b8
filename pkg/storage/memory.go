package storage

import (
	"sort"
	"sync"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

// MemoryStore 内存存储（开发与测试用）
// 使用 RWMutex 保证并发安全；实现全部存储接口
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.DetectionJob
	windows     map[string][]*models.Window // jobID -> 插入顺序的窗口列表
	windowIndex map[string]*models.Window   // windowID -> 窗口
	transcripts map[string]*models.Transcript
	segments    map[string][]*models.AdSegment
	episodes    map[string]*models.Episode
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.DetectionJob),
		windows:     make(map[string][]*models.Window),
		windowIndex: make(map[string]*models.Window),
		transcripts: make(map[string]*models.Transcript),
		segments:    make(map[string][]*models.AdSegment),
		episodes:    make(map[string]*models.Episode),
	}
}

// CreateJob 创建任务（单集互斥：存在未终结任务时拒绝）
func (m *MemoryStore) CreateJob(job *models.DetectionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.jobs {
		if existing.EpisodeID == job.EpisodeID && !existing.Status.Terminal() {
			return ErrActiveJobExists
		}
	}

	stored := *job
	m.jobs[job.JobID] = &stored
	return nil
}

// GetJob 获取任务（返回副本）
func (m *MemoryStore) GetJob(jobID string) (*models.DetectionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}

	copied := *job
	return &copied, nil
}

// UpdateJob 更新任务
func (m *MemoryStore) UpdateJob(jobID string, updateFn func(*models.DetectionJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	updateFn(job)
	return nil
}

// ListJobs 按创建时间倒序列出任务
func (m *MemoryStore) ListJobs() ([]*models.DetectionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*models.DetectionJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// InsertWindows 批量插入窗口
func (m *MemoryStore) InsertWindows(jobID string, ws []*models.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return ErrJobNotFound
	}

	for _, w := range ws {
		stored := *w
		stored.JobID = jobID
		stored.Classified = false
		m.windows[jobID] = append(m.windows[jobID], &stored)
		m.windowIndex[stored.WindowID] = &stored
	}

	return nil
}

// UnclassifiedWindows 按插入顺序返回至多 limit 个未分类窗口
func (m *MemoryStore) UnclassifiedWindows(jobID string, limit int) ([]*models.Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}

	result := make([]*models.Window, 0, limit)
	for _, w := range m.windows[jobID] {
		if w.Classified {
			continue
		}
		copied := *w
		result = append(result, &copied)
		if len(result) >= limit {
			break
		}
	}

	return result, nil
}

// Windows 返回任务的全部窗口
func (m *MemoryStore) Windows(jobID string) ([]*models.Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}

	result := make([]*models.Window, 0, len(m.windows[jobID]))
	for _, w := range m.windows[jobID] {
		copied := *w
		result = append(result, &copied)
	}

	return result, nil
}

// UpdateWindows 批量写入分类结果
func (m *MemoryStore) UpdateWindows(updates []WindowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		w, ok := m.windowIndex[u.WindowID]
		if !ok {
			return ErrWindowNotFound
		}
		w.Classified = true
		w.IsAd = u.Label.IsAd
		w.Confidence = u.Label.Confidence
		w.Reason = u.Label.Reason
	}

	return nil
}

// SaveTranscript 保存转录
func (m *MemoryStore) SaveTranscript(t *models.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *t
	m.transcripts[t.EpisodeID] = &stored
	return nil
}

// TranscriptByEpisode 按单集查询转录
func (m *MemoryStore) TranscriptByEpisode(episodeID string) (*models.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transcripts[episodeID]
	if !ok {
		return nil, ErrTranscriptNotFound
	}

	copied := *t
	return &copied, nil
}

// SaveSegment 保存广告段
func (m *MemoryStore) SaveSegment(s *models.AdSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *s
	m.segments[s.EpisodeID] = append(m.segments[s.EpisodeID], &stored)
	return nil
}

// SegmentsByEpisode 按单集列出广告段（开始时间升序）
func (m *MemoryStore) SegmentsByEpisode(episodeID string) ([]*models.AdSegment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.AdSegment, 0, len(m.segments[episodeID]))
	for _, s := range m.segments[episodeID] {
		copied := *s
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Start < result[j].Start
	})

	return result, nil
}

// SaveEpisode 保存单集元信息
func (m *MemoryStore) SaveEpisode(e *models.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *e
	m.episodes[e.EpisodeID] = &stored
	return nil
}

// GetEpisode 获取单集元信息
func (m *MemoryStore) GetEpisode(episodeID string) (*models.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.episodes[episodeID]
	if !ok {
		return nil, ErrEpisodeNotFound
	}

	copied := *e
	return &copied, nil
}

// Close 关闭存储（内存存储无需关闭）
func (m *MemoryStore) Close() error {
	return nil
}
