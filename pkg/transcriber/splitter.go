package transcriber

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Chunk 切分出的音频分片
type Chunk struct {
	Index    int
	FilePath string
	Start    float64 // 在完整音频中的起始偏移（秒）
	End      float64
}

// AudioSplitter 音频分片器
// Whisper API 单次请求限制 25MB，按时长切分保证每个分片都在限制以内
type AudioSplitter struct {
	chunkDuration int // 每个分片的时长（秒），默认 600 秒
}

// NewAudioSplitter 创建分片器
func NewAudioSplitter(chunkDuration int) *AudioSplitter {
	if chunkDuration <= 0 {
		chunkDuration = 600
	}
	return &AudioSplitter{
		chunkDuration: chunkDuration,
	}
}

// Split 将音频文件切分成多个分片
func (as *AudioSplitter) Split(audioPath string) ([]Chunk, error) {
	duration, err := as.getAudioDuration(audioPath)
	if err != nil {
		return nil, fmt.Errorf("获取音频时长失败: %v", err)
	}

	log.Printf("📊 音频时长: %.2f 秒 (%.2f 分钟)", duration, duration/60)

	if duration <= float64(as.chunkDuration) {
		// 不需要切分，直接返回原文件
		return []Chunk{
			{
				Index:    0,
				FilePath: audioPath,
				Start:    0,
				End:      duration,
			},
		}, nil
	}

	chunkCount := int(duration)/as.chunkDuration + 1
	log.Printf("✂️  音频将被切分为 %d 个分片 (每片 %d 秒)", chunkCount, as.chunkDuration)

	chunksDir := filepath.Join(filepath.Dir(audioPath), "chunks")
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, fmt.Errorf("创建分片目录失败: %v", err)
	}

	chunks := make([]Chunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := float64(i * as.chunkDuration)
		end := start + float64(as.chunkDuration)
		if end > duration {
			end = duration
		}

		chunkPath := filepath.Join(chunksDir, fmt.Sprintf("chunk_%03d.mp3", i))

		if err := as.extractChunk(audioPath, chunkPath, start, float64(as.chunkDuration)); err != nil {
			return nil, fmt.Errorf("切分分片 %d 失败: %v", i, err)
		}

		chunks = append(chunks, Chunk{
			Index:    i,
			FilePath: chunkPath,
			Start:    start,
			End:      end,
		})
	}

	return chunks, nil
}

// getAudioDuration 获取音频文件时长（秒）
func (as *AudioSplitter) getAudioDuration(audioPath string) (float64, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioPath,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe 执行失败: %v (stderr: %s)", err, stderr.String())
	}

	durationStr := strings.TrimSpace(stdout.String())
	if durationStr == "" {
		return 0, fmt.Errorf("ffprobe 未返回时长信息 (stderr: %s)", stderr.String())
	}

	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("解析时长失败: %v (output: %s)", err, durationStr)
	}

	return duration, nil
}

// extractChunk 从音频中提取分片（不重新编码）
func (as *AudioSplitter) extractChunk(inputPath, outputPath string, startTime, duration float64) error {
	cmd := exec.Command("ffmpeg",
		"-i", inputPath,
		"-ss", fmt.Sprintf("%.2f", startTime),
		"-t", fmt.Sprintf("%.2f", duration),
		"-acodec", "copy",
		"-y",
		outputPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg 执行失败: %v (stderr: %s)", err, stderr.String())
	}

	return nil
}

// Cleanup 清理临时分片文件
func (as *AudioSplitter) Cleanup(chunks []Chunk) error {
	if len(chunks) > 0 {
		chunksDir := filepath.Dir(chunks[0].FilePath)
		// 只删除临时创建的 chunks 目录，不删除原始音频目录
		if filepath.Base(chunksDir) == "chunks" {
			log.Printf("🧹 清理临时分片目录: %s", chunksDir)
			return os.RemoveAll(chunksDir)
		}
	}
	return nil
}
