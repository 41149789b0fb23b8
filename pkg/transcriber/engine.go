package transcriber

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

// Engine 转录引擎
// 下载单集音频、按大小限制分片、并发转录、按偏移拼接时间戳
type Engine struct {
	whisperClient    *WhisperClient
	splitter         *AudioSplitter
	chunkConcurrency int
	workDir          string
	httpClient       *http.Client
}

// NewEngine 创建转录引擎
func NewEngine(apiKey string, chunkConcurrency, chunkDuration int, workDir string) *Engine {
	if chunkConcurrency <= 0 {
		chunkConcurrency = 3
	}
	if workDir == "" {
		workDir = "work"
	}

	return &Engine{
		whisperClient:    NewWhisperClient(apiKey, 0, 0),
		splitter:         NewAudioSplitter(chunkDuration),
		chunkConcurrency: chunkConcurrency,
		workDir:          workDir,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// chunkResult 单个分片的转录结果（内部用于 Channel 传递）
type chunkResult struct {
	Index    int
	Response *WhisperResponse
	Error    error
}

// Transcribe 转录整期单集
// 所有片段时间戳按分片起始偏移校正，输出在整期音频内连续
func (e *Engine) Transcribe(ctx context.Context, episodeID, audioURL, language string) (*models.Transcript, error) {
	// 1. 下载音频
	audioPath, err := e.fetchAudio(ctx, audioURL)
	if err != nil {
		return nil, fmt.Errorf("下载音频失败: %w", err)
	}
	defer os.Remove(audioPath)

	// 2. 分片
	chunks, err := e.splitter.Split(audioPath)
	if err != nil {
		return nil, fmt.Errorf("分片失败: %w", err)
	}
	defer e.splitter.Cleanup(chunks)

	totalChunks := len(chunks)
	log.Printf("✓ 音频已分片，共 %d 个分片", totalChunks)

	// 3. 启动 Goroutine Pool 并发转录
	taskChan := make(chan Chunk, totalChunks)
	resultChan := make(chan chunkResult, totalChunks)

	var wg sync.WaitGroup
	for i := 0; i < e.chunkConcurrency; i++ {
		wg.Add(1)
		go e.chunkProcessor(ctx, taskChan, resultChan, language, &wg)
	}

	for _, chunk := range chunks {
		taskChan <- chunk
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// 4. 收集结果
	results := make(map[int]*WhisperResponse)
	var errs []error
	completed := 0

	for result := range resultChan {
		completed++

		if result.Error != nil {
			errs = append(errs, fmt.Errorf("分片 %d 失败: %v", result.Index, result.Error))
			log.Printf("❌ 分片 #%d 转录失败: %v", result.Index, result.Error)
		} else {
			results[result.Index] = result.Response
			log.Printf("✅ 分片 #%d 转录完成 | 进度: %d/%d", result.Index, completed, totalChunks)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("转录过程中出现 %d 个错误: %v", len(errs), errs[0])
	}

	// 5. 按分片偏移拼接
	transcript := e.stitch(episodeID, audioURL, chunks, results)
	log.Printf("✓ 所有分片转录完成，共 %d 个时间戳片段", len(transcript.Segments))

	return transcript, nil
}

// chunkProcessor 分片处理器 - Goroutine Pool 中的工作单元
func (e *Engine) chunkProcessor(
	ctx context.Context,
	taskChan <-chan Chunk,
	resultChan chan<- chunkResult,
	language string,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	for chunk := range taskChan {
		select {
		case <-ctx.Done():
			resultChan <- chunkResult{
				Index: chunk.Index,
				Error: fmt.Errorf("任务被取消"),
			}
			return
		default:
		}

		response, err := e.whisperClient.TranscribeWithRetry(ctx, chunk.FilePath, language)

		resultChan <- chunkResult{
			Index:    chunk.Index,
			Response: response,
			Error:    err,
		}
	}
}

// stitch 按分片顺序拼接转录结果
// 每个分片内的时间戳加上该分片在完整音频中的起始偏移，
// 保证输出片段在分片边界处依然连续
func (e *Engine) stitch(episodeID, audioURL string, chunks []Chunk, results map[int]*WhisperResponse) *models.Transcript {
	indices := make([]int, 0, len(results))
	for idx := range results {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	offsets := make(map[int]float64, len(chunks))
	for _, chunk := range chunks {
		offsets[chunk.Index] = chunk.Start
	}

	var textBuilder strings.Builder
	segments := make([]models.TranscriptSegment, 0)

	for _, idx := range indices {
		resp := results[idx]
		if resp == nil {
			continue
		}

		if textBuilder.Len() > 0 {
			textBuilder.WriteString(" ")
		}
		textBuilder.WriteString(strings.TrimSpace(resp.Text))

		offset := offsets[idx]
		for _, seg := range resp.Segments {
			segments = append(segments, models.TranscriptSegment{
				ID:    len(segments),
				Start: seg.Start + offset,
				End:   seg.End + offset,
				Text:  strings.TrimSpace(seg.Text),
			})
		}
	}

	return &models.Transcript{
		TranscriptID: uuid.New().String(),
		EpisodeID:    episodeID,
		AudioURL:     audioURL,
		FullText:     textBuilder.String(),
		Segments:     segments,
		CreatedAt:    time.Now(),
	}
}

// fetchAudio 下载单集音频到工作目录
func (e *Engine) fetchAudio(ctx context.Context, audioURL string) (string, error) {
	if err := os.MkdirAll(e.workDir, 0755); err != nil {
		return "", fmt.Errorf("创建工作目录失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %v", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("下载返回错误 (状态码 %d)", resp.StatusCode)
	}

	audioPath := filepath.Join(e.workDir, uuid.New().String()+".mp3")
	out, err := os.Create(audioPath)
	if err != nil {
		return "", fmt.Errorf("创建文件失败: %v", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		os.Remove(audioPath)
		return "", fmt.Errorf("写入文件失败: %v", err)
	}

	log.Printf("✓ 音频已下载: %s (%.2f MB)", audioPath, float64(written)/1024/1024)
	return audioPath, nil
}
