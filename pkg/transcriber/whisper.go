package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	whisperAPIURL = "https://api.openai.com/v1/audio/transcriptions"

	defaultChunkRetries = 3
	defaultRetryBase    = 1 * time.Second
	maxRetryDelay       = 30 * time.Second
)

// WhisperClient OpenAI Whisper API 客户端
// 分片级重试策略（次数、退避基数）在创建时注入，调用方不再逐次传参
type WhisperClient struct {
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
}

// NewWhisperClient 创建 Whisper 客户端
func NewWhisperClient(apiKey string, maxRetries int, retryBase time.Duration) *WhisperClient {
	if maxRetries <= 0 {
		maxRetries = defaultChunkRetries
	}
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}

	return &WhisperClient{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		maxRetries: maxRetries,
		retryBase:  retryBase,
	}
}

// WhisperResponse API 响应（verbose_json 格式）
type WhisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"` // 时间戳片段信息
}

// WhisperSegment Whisper 返回的时间戳片段
// 时间相对于所转录的分片起点，拼接时由调用方加偏移
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"` // 开始时间（秒）
	End   float64 `json:"end"`   // 结束时间（秒）
	Text  string  `json:"text"`  // 片段文本
}

// Transcribe 转录单个音频分片（返回完整响应，包含时间戳）
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath string, language string) (*WhisperResponse, error) {
	body, contentType, err := multipartBody(audioPath, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", whisperAPIURL, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+wc.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := wc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API 返回错误 (状态码 %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var whisperResp WhisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&whisperResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %v", err)
	}

	return &whisperResp, nil
}

// TranscribeWithRetry 带指数退避重试的转录
func (wc *WhisperClient) TranscribeWithRetry(ctx context.Context, audioPath string, language string) (*WhisperResponse, error) {
	var lastErr error

	for i := 0; i < wc.maxRetries; i++ {
		resp, err := wc.Transcribe(ctx, audioPath, language)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("任务被取消: %v", ctx.Err())
		}

		if i < wc.maxRetries-1 {
			select {
			case <-time.After(wc.retryDelay(i)):
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("任务被取消: %v", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("重试 %d 次后仍然失败: %v", wc.maxRetries, lastErr)
}

// retryDelay 第 attempt 次失败后的等待时长（指数退避，封顶 30 秒）
func (wc *WhisperClient) retryDelay(attempt int) time.Duration {
	delay := wc.retryBase << uint(attempt)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// multipartBody 构造转录请求的 multipart 表单
func multipartBody(audioPath, language string) (io.Reader, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("打开文件失败: %v", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("创建表单失败: %v", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("复制文件失败: %v", err)
	}

	writer.WriteField("model", "whisper-1")

	// 语言参数可选，不指定则自动检测
	if language != "" {
		writer.WriteField("language", language)
	}

	// verbose_json 返回带时间戳的片段信息
	writer.WriteField("response_format", "verbose_json")

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("关闭表单失败: %v", err)
	}

	return body, writer.FormDataContentType(), nil
}
