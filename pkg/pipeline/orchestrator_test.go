package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/scarlson1/castaway-sub000/pkg/models"
	"github.com/scarlson1/castaway-sub000/pkg/queue"
	"github.com/scarlson1/castaway-sub000/pkg/storage"
)

// fakeTranscriber 返回预置转录
type fakeTranscriber struct {
	transcript *models.Transcript
	err        error
	calls      int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, episodeID, audioURL, language string) (*models.Transcript, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	t := *f.transcript
	t.EpisodeID = episodeID
	return &t, nil
}

// fakeClassifier 文本含 SPONSOR 即判广告
type fakeClassifier struct {
	err   error
	calls int
}

func (f *fakeClassifier) ClassifyBatch(ctx context.Context, batch []*models.Window) ([]models.WindowLabel, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	labels := make([]models.WindowLabel, len(batch))
	for i, w := range batch {
		if strings.Contains(w.Text, "SPONSOR") {
			labels[i] = models.WindowLabel{IsAd: true, Confidence: 0.95, Reason: "赞助口播"}
		} else {
			labels[i] = models.WindowLabel{IsAd: false, Confidence: 0.05, Reason: "正文"}
		}
	}
	return labels, nil
}

// fakeEmbedder 返回固定向量
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

// makeTranscript 每段固定时长的转录
func makeTranscript(texts []string, each float64) *models.Transcript {
	segments := make([]models.TranscriptSegment, len(texts))
	for i, text := range texts {
		segments[i] = models.TranscriptSegment{
			ID:    i,
			Start: float64(i) * each,
			End:   float64(i+1) * each,
			Text:  text,
		}
	}
	return &models.Transcript{
		TranscriptID: "tr-1",
		FullText:     strings.Join(texts, " "),
		Segments:     segments,
	}
}

type fixture struct {
	store       *storage.MemoryStore
	q           *queue.MemoryQueue
	orch        *Orchestrator
	transcriber *fakeTranscriber
	classifier  *fakeClassifier
	embedder    *fakeEmbedder
}

func newFixture(t *testing.T, cfg Config, transcript *models.Transcript) *fixture {
	t.Helper()

	f := &fixture{
		store:       storage.NewMemoryStore(),
		q:           queue.NewMemoryQueue(100),
		transcriber: &fakeTranscriber{transcript: transcript},
		classifier:  &fakeClassifier{},
		embedder:    &fakeEmbedder{},
	}
	f.orch = NewOrchestrator(cfg,
		f.store, f.store, f.store, f.store,
		f.transcriber, f.classifier, f.embedder,
		f.q,
	)

	if err := f.store.SaveEpisode(&models.Episode{
		EpisodeID: "ep-1",
		PodcastID: "pod-1",
		Title:     "测试单集",
		AudioURL:  "https://example.com/ep1.mp3",
	}); err != nil {
		t.Fatalf("save episode: %v", err)
	}

	return f
}

// drain 同步执行队列中的全部任务，返回每个步骤的执行次数
func (f *fixture) drain(t *testing.T) map[models.StepName]int {
	t.Helper()

	counts := make(map[models.StepName]int)
	for f.q.Len() > 0 {
		task, err := f.q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		counts[task.Step]++
		if err := f.orch.RunStep(context.Background(), task); err != nil {
			t.Fatalf("步骤 %s 执行失败: %v", task.Step, err)
		}
	}
	return counts
}

// TestDetectionEndToEnd 40 秒单集、中段 15 秒广告，完整跑通流水线
func TestDetectionEndToEnd(t *testing.T) {
	transcript := makeTranscript([]string{
		"开场聊天", "进入正题",
		"SPONSOR 买它", "SPONSOR 优惠码", "SPONSOR 限时折扣",
		"回到正题", "继续讨论", "结尾",
	}, 5) // 40 秒，广告位于 10s - 25s

	f := newFixture(t, Config{BatchSize: 2}, transcript)

	job, err := f.orch.StartDetection("ep-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	counts := f.drain(t)

	// 窗口 12s/4s 切 40 秒得 5 个窗口，批大小 2：
	// 3 次分类批 + 1 次完成信号，合并恰好一次
	if f.classifier.calls != 3 {
		t.Fatalf("分类调用 = %d, 期望 3", f.classifier.calls)
	}
	if counts[models.StepClassify] != 4 {
		t.Fatalf("分类步骤执行 = %d, 期望 4", counts[models.StepClassify])
	}
	if counts[models.StepMerge] != 1 {
		t.Fatalf("合并步骤执行 = %d, 期望恰好 1", counts[models.StepMerge])
	}

	done, err := f.store.GetJob(job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != models.StatusComplete {
		t.Fatalf("状态 = %s, 期望 complete", done.Status)
	}
	if done.CompletedAt.IsZero() {
		t.Fatal("完成时间未写入")
	}
	if len(done.Segments) != 1 {
		t.Fatalf("广告段数 = %d, 期望 1", len(done.Segments))
	}

	seg := done.Segments[0]
	if seg.Start > 10 || seg.End < 25 {
		t.Fatalf("广告段 [%.1f, %.1f] 未覆盖广告区间 [10, 25]", seg.Start, seg.End)
	}
	if seg.Confidence < 0.9 {
		t.Fatalf("置信度 = %v, 期望约 0.95", seg.Confidence)
	}
	if seg.PodcastID != "pod-1" {
		t.Fatalf("podcastID = %s", seg.PodcastID)
	}
	if f.embedder.calls != 1 {
		t.Fatalf("向量调用 = %d, 期望每段一次", f.embedder.calls)
	}

	persisted, err := f.store.SegmentsByEpisode("ep-1")
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("持久化段数 = %d, 期望 1", len(persisted))
	}
}

// TestClassifyRecursionBounded 分类步骤按批自我续期且次数有界
func TestClassifyRecursionBounded(t *testing.T) {
	texts := make([]string, 100) // 500 秒，无广告
	for i := range texts {
		texts[i] = fmt.Sprintf("正文片段 %d", i)
	}
	f := newFixture(t, Config{BatchSize: 10}, makeTranscript(texts, 5))

	job, err := f.orch.StartDetection("ep-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	counts := f.drain(t)

	// 500 秒 / 步长 8 = 63 个窗口，批大小 10：7 批 + 1 次信号
	if f.classifier.calls != 7 {
		t.Fatalf("分类调用 = %d, 期望 7", f.classifier.calls)
	}
	if counts[models.StepClassify] != 8 {
		t.Fatalf("分类步骤执行 = %d, 期望 8", counts[models.StepClassify])
	}
	if counts[models.StepMerge] != 1 {
		t.Fatalf("合并信号触发 = %d, 期望恰好 1", counts[models.StepMerge])
	}

	// 零广告也是有效完成
	done, _ := f.store.GetJob(job.JobID)
	if done.Status != models.StatusComplete {
		t.Fatalf("状态 = %s, 期望 complete", done.Status)
	}
	if len(done.Segments) != 0 {
		t.Fatalf("广告段数 = %d, 期望 0", len(done.Segments))
	}
	if f.embedder.calls != 0 {
		t.Fatalf("无广告段时不应调用向量服务, 实际 %d 次", f.embedder.calls)
	}
}

// TestTranscriptReuse 第二次检测复用已有转录，且广告段不重复写入
func TestTranscriptReuse(t *testing.T) {
	transcript := makeTranscript([]string{
		"开场", "正文", "SPONSOR 广告一", "SPONSOR 广告二", "SPONSOR 广告三", "正文", "正文", "结尾",
	}, 5)
	f := newFixture(t, Config{}, transcript)

	if _, err := f.orch.StartDetection("ep-1"); err != nil {
		t.Fatalf("第一次 start: %v", err)
	}
	f.drain(t)

	if f.transcriber.calls != 1 {
		t.Fatalf("转录调用 = %d, 期望 1", f.transcriber.calls)
	}

	job2, err := f.orch.StartDetection("ep-1")
	if err != nil {
		t.Fatalf("第二次 start: %v", err)
	}
	f.drain(t)

	// 转录复用，已持久化的区间不重复计算向量
	if f.transcriber.calls != 1 {
		t.Fatalf("转录调用 = %d, 复用后应保持 1", f.transcriber.calls)
	}
	if f.embedder.calls != 1 {
		t.Fatalf("向量调用 = %d, 重复区间应跳过", f.embedder.calls)
	}

	done, _ := f.store.GetJob(job2.JobID)
	if done.Status != models.StatusComplete {
		t.Fatalf("状态 = %s, 期望 complete", done.Status)
	}
	if len(done.Segments) != 1 {
		t.Fatalf("广告段数 = %d, 期望 1", len(done.Segments))
	}

	persisted, _ := f.store.SegmentsByEpisode("ep-1")
	if len(persisted) != 1 {
		t.Fatalf("持久化段数 = %d, 重跑不应产生重复", len(persisted))
	}
}

// TestStartDetectionErrors 入口校验：单集不存在、音频缺失、任务互斥
func TestStartDetectionErrors(t *testing.T) {
	f := newFixture(t, Config{}, makeTranscript([]string{"正文"}, 30))

	if _, err := f.orch.StartDetection("missing"); !errors.Is(err, storage.ErrEpisodeNotFound) {
		t.Fatalf("错误 = %v, 期望 ErrEpisodeNotFound", err)
	}

	if err := f.store.SaveEpisode(&models.Episode{EpisodeID: "ep-no-audio", PodcastID: "pod-1"}); err != nil {
		t.Fatalf("save episode: %v", err)
	}
	if _, err := f.orch.StartDetection("ep-no-audio"); err == nil {
		t.Fatal("缺少音频地址应返回错误")
	}

	if _, err := f.orch.StartDetection("ep-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.orch.StartDetection("ep-1"); !errors.Is(err, storage.ErrActiveJobExists) {
		t.Fatalf("错误 = %v, 期望 ErrActiveJobExists", err)
	}
}

// TestStartDetectionEnqueueFailure 入队失败时任务立即终结，不阻塞该单集
func TestStartDetectionEnqueueFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	full := queue.NewMemoryQueue(0) // 零容量，任何入队都失败
	orch := NewOrchestrator(Config{},
		store, store, store, store,
		&fakeTranscriber{}, &fakeClassifier{}, &fakeEmbedder{},
		full,
	)

	if err := store.SaveEpisode(&models.Episode{
		EpisodeID: "ep-1",
		PodcastID: "pod-1",
		AudioURL:  "https://example.com/ep1.mp3",
	}); err != nil {
		t.Fatalf("save episode: %v", err)
	}

	if _, err := orch.StartDetection("ep-1"); err == nil {
		t.Fatal("入队失败应返回错误")
	}

	jobs, err := store.ListJobs()
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("任务数 = %d, 期望 1", len(jobs))
	}
	if jobs[0].Status != models.StatusFailed {
		t.Fatalf("状态 = %s, 期望 failed（pending 孤儿会永久占住单集）", jobs[0].Status)
	}
	if jobs[0].Error == "" {
		t.Fatal("失败原因未写入")
	}

	// 单集未被孤儿任务锁死，后续检测请求不再被互斥拒绝
	_, err = orch.StartDetection("ep-1")
	if errors.Is(err, storage.ErrActiveJobExists) {
		t.Fatalf("错误 = %v, 入队失败不应留下占位任务", err)
	}
}

// TestTranscribeRedelivery 转录消息重复投递不产生重复窗口
func TestTranscribeRedelivery(t *testing.T) {
	transcript := makeTranscript([]string{
		"开场", "正文", "SPONSOR 广告一", "SPONSOR 广告二", "SPONSOR 广告三", "正文", "正文", "结尾",
	}, 5)
	f := newFixture(t, Config{}, transcript)

	job, err := f.orch.StartDetection("ep-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	task, _ := f.q.Dequeue()
	if err := f.orch.RunStep(context.Background(), task); err != nil {
		t.Fatalf("转录步骤: %v", err)
	}

	ws, err := f.store.Windows(job.JobID)
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	count := len(ws)
	if count == 0 {
		t.Fatal("首次转录未生成窗口")
	}

	// 模拟 classifying 状态写入前崩溃，Broker 重新投递转录消息
	if err := f.store.UpdateJob(job.JobID, func(j *models.DetectionJob) {
		j.Status = models.StatusTranscribed
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	redelivered := &models.Task{JobID: job.JobID, Step: models.StepTranscribe}
	if err := f.orch.RunStep(context.Background(), redelivered); err != nil {
		t.Fatalf("重复投递的转录步骤: %v", err)
	}

	ws, _ = f.store.Windows(job.JobID)
	if len(ws) != count {
		t.Fatalf("窗口数 = %d, 重复投递后应保持 %d", len(ws), count)
	}

	current, _ := f.store.GetJob(job.JobID)
	if current.Status != models.StatusClassifying {
		t.Fatalf("状态 = %s, 期望重新推进到 classifying", current.Status)
	}

	// 队列里有两条分类消息，多余的一条只会触发一次合并信号
	f.drain(t)

	done, _ := f.store.GetJob(job.JobID)
	if done.Status != models.StatusComplete {
		t.Fatalf("状态 = %s, 期望 complete", done.Status)
	}
	if len(done.Segments) != 1 {
		t.Fatalf("广告段数 = %d, 期望 1", len(done.Segments))
	}
}

// TestClassifyErrorRetryable 分类失败标记为可重试
func TestClassifyErrorRetryable(t *testing.T) {
	f := newFixture(t, Config{}, makeTranscript([]string{"a", "b", "c"}, 10))
	f.classifier.err = errors.New("分类服务超时")

	job, err := f.orch.StartDetection("ep-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// 转录步骤成功并调度分类步骤
	task, _ := f.q.Dequeue()
	if err := f.orch.RunStep(context.Background(), task); err != nil {
		t.Fatalf("转录步骤: %v", err)
	}

	task, _ = f.q.Dequeue()
	err = f.orch.RunStep(context.Background(), task)
	if err == nil {
		t.Fatal("期望分类步骤失败")
	}
	if !IsRetryable(err) {
		t.Fatalf("分类失败应可重试: %v", err)
	}

	// 失败不改变任务状态，重试可续接
	current, _ := f.store.GetJob(job.JobID)
	if current.Status != models.StatusClassifying {
		t.Fatalf("状态 = %s, 期望保持 classifying", current.Status)
	}
}

// TestStaleClassifyMessageIgnored 合并信号触发后，迟到的分类消息被忽略
func TestStaleClassifyMessageIgnored(t *testing.T) {
	f := newFixture(t, Config{}, makeTranscript([]string{"正文一", "正文二"}, 15))

	job, err := f.orch.StartDetection("ep-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.drain(t)

	done, _ := f.store.GetJob(job.JobID)
	if done.Status != models.StatusComplete {
		t.Fatalf("状态 = %s, 期望 complete", done.Status)
	}

	calls := f.classifier.calls
	stale := &models.Task{JobID: job.JobID, Step: models.StepClassify}
	if err := f.orch.RunStep(context.Background(), stale); err != nil {
		t.Fatalf("过期消息应被静默忽略: %v", err)
	}
	if f.classifier.calls != calls {
		t.Fatal("过期消息触发了新的分类调用")
	}
	if f.q.Len() != 0 {
		t.Fatal("过期消息不应产生新任务")
	}
}

// TestFailJob 失败终态保留错误信息
func TestFailJob(t *testing.T) {
	f := newFixture(t, Config{}, makeTranscript([]string{"正文"}, 30))

	job, err := f.orch.StartDetection("ep-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.orch.FailJob(job.JobID, errors.New("转录服务不可用"))

	failed, _ := f.store.GetJob(job.JobID)
	if failed.Status != models.StatusFailed {
		t.Fatalf("状态 = %s, 期望 failed", failed.Status)
	}
	if failed.Error == "" {
		t.Fatal("错误信息未写入")
	}
	if failed.CompletedAt.IsZero() {
		t.Fatal("终结时间未写入")
	}
}
