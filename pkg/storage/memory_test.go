package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

func newJob(jobID, episodeID string) *models.DetectionJob {
	return &models.DetectionJob{
		JobID:     jobID,
		EpisodeID: episodeID,
		AudioURL:  "https://example.com/ep.mp3",
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
}

// TestCreateJobExclusive 同一单集存在未终结任务时拒绝创建
func TestCreateJobExclusive(t *testing.T) {
	store := NewMemoryStore()

	if err := store.CreateJob(newJob("job-1", "ep-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.CreateJob(newJob("job-2", "ep-1")); !errors.Is(err, ErrActiveJobExists) {
		t.Fatalf("错误 = %v, 期望 ErrActiveJobExists", err)
	}

	// 其他单集不受影响
	if err := store.CreateJob(newJob("job-3", "ep-2")); err != nil {
		t.Fatalf("其他单集创建失败: %v", err)
	}

	// 前序任务终结后允许新建
	if err := store.UpdateJob("job-1", func(j *models.DetectionJob) {
		j.Status = models.StatusComplete
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.CreateJob(newJob("job-4", "ep-1")); err != nil {
		t.Fatalf("终结后创建失败: %v", err)
	}
}

// TestGetJobCopy 读取返回副本，外部修改不污染存储
func TestGetJobCopy(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateJob(newJob("job-1", "ep-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	job, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	job.Status = models.StatusFailed

	again, _ := store.GetJob("job-1")
	if again.Status != models.StatusPending {
		t.Fatalf("存储被外部修改污染: %s", again.Status)
	}

	if _, err := store.GetJob("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("错误 = %v, 期望 ErrJobNotFound", err)
	}
}

// TestUnclassifiedWindows 未分类窗口按插入顺序返回且受 limit 约束
func TestUnclassifiedWindows(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateJob(newJob("job-1", "ep-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	ws := make([]*models.Window, 5)
	for i := range ws {
		ws[i] = &models.Window{
			WindowID: fmt.Sprintf("w-%d", i),
			Start:    float64(i * 8),
			End:      float64(i*8 + 12),
		}
	}
	if err := store.InsertWindows("job-1", ws); err != nil {
		t.Fatalf("insert: %v", err)
	}

	batch, err := store.UnclassifiedWindows("job-1", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(batch) != 2 || batch[0].WindowID != "w-0" || batch[1].WindowID != "w-1" {
		t.Fatalf("批次 = %v, 期望前两个窗口", batch)
	}

	// 标记前两个后，下一批从 w-2 继续
	updates := []WindowUpdate{
		{WindowID: "w-0", Label: models.WindowLabel{IsAd: true, Confidence: 0.9}},
		{WindowID: "w-1", Label: models.WindowLabel{IsAd: false, Confidence: 0.1}},
	}
	if err := store.UpdateWindows(updates); err != nil {
		t.Fatalf("update: %v", err)
	}

	batch, err = store.UnclassifiedWindows("job-1", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(batch) != 3 || batch[0].WindowID != "w-2" {
		t.Fatalf("批次 = %v, 期望从 w-2 开始的 3 个窗口", batch)
	}

	all, err := store.Windows("job-1")
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if !all[0].Classified || !all[0].IsAd || all[0].Confidence != 0.9 {
		t.Fatalf("w-0 分类结果未写入: %+v", all[0])
	}

	if err := store.UpdateWindows([]WindowUpdate{{WindowID: "missing"}}); !errors.Is(err, ErrWindowNotFound) {
		t.Fatalf("错误 = %v, 期望 ErrWindowNotFound", err)
	}
}

// TestTranscriptRoundTrip 转录按单集保存与查询
func TestTranscriptRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	if _, err := store.TranscriptByEpisode("ep-1"); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("错误 = %v, 期望 ErrTranscriptNotFound", err)
	}

	transcript := &models.Transcript{
		TranscriptID: "tr-1",
		EpisodeID:    "ep-1",
		Segments: []models.TranscriptSegment{
			{ID: 0, Start: 0, End: 5, Text: "hello"},
		},
	}
	if err := store.SaveTranscript(transcript); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.TranscriptByEpisode("ep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TranscriptID != "tr-1" || len(got.Segments) != 1 {
		t.Fatalf("转录不完整: %+v", got)
	}
}

// TestSegmentsSorted 广告段按开始时间升序返回
func TestSegmentsSorted(t *testing.T) {
	store := NewMemoryStore()

	for _, start := range []float64{30, 0, 15} {
		seg := &models.AdSegment{
			SegmentID: fmt.Sprintf("seg-%.0f", start),
			EpisodeID: "ep-1",
			Start:     start,
			End:       start + 10,
		}
		if err := store.SaveSegment(seg); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	segments, err := store.SegmentsByEpisode("ep-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("段数 = %d, 期望 3", len(segments))
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Start < segments[i-1].Start {
			t.Fatalf("广告段未按开始时间排序: %v", segments)
		}
	}
}

// TestEpisodeRoundTrip 单集元信息保存与查询
func TestEpisodeRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	if _, err := store.GetEpisode("ep-1"); !errors.Is(err, ErrEpisodeNotFound) {
		t.Fatalf("错误 = %v, 期望 ErrEpisodeNotFound", err)
	}

	episode := &models.Episode{
		EpisodeID: "ep-1",
		PodcastID: "pod-1",
		Title:     "第一期",
		AudioURL:  "https://example.com/ep1.mp3",
	}
	if err := store.SaveEpisode(episode); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetEpisode("ep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PodcastID != "pod-1" || got.AudioURL != episode.AudioURL {
		t.Fatalf("单集信息不完整: %+v", got)
	}
}
