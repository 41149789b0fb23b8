package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

const (
	// DefaultBatchSize 默认每批分类的窗口数
	// 批大小由调用方控制，客户端自身不做内部分批
	DefaultBatchSize = 20

	// token 预算：每个窗口约 150 token，外加固定开销，不低于 4000
	tokensPerWindow  = 150
	tokenBudgetFixed = 500
	minTokenBudget   = 4000
)

// ErrMalformedResponse 分类响应经过围栏剥离后仍无法解析为 JSON
// 由调度方决定是否重试，客户端自身不重试
var ErrMalformedResponse = errors.New("分类响应解析失败")

// ChatClient 聊天补全接口（生产环境传入 *openai.Client）
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client 广告分类客户端
// 一次请求分类一批窗口，按下标与输入一一对应
type Client struct {
	chat  ChatClient
	model string
}

// NewClient 创建分类客户端
func NewClient(chat ChatClient, model string) *Client {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Client{
		chat:  chat,
		model: model,
	}
}

// rawLabel LLM 返回的单个判定对象
type rawLabel struct {
	IsAd       bool    `json:"is_ad"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ClassifyBatch 对一批窗口做广告分类
// 返回结果长度总是等于输入长度：响应数组过短时缺失项填充默认值，
// 过长时多余项丢弃，两种情况都只记录告警，不视为错误。
func (c *Client) ClassifyBatch(ctx context.Context, batch []*models.Window) ([]models.WindowLabel, error) {
	if len(batch) == 0 {
		return []models.WindowLabel{}, nil
	}

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "你是一个播客广告识别助手。判断每段文本是否属于广告（赞助口播、促销码、产品推广等）。只返回 JSON 数组，不要有任何其他文字。",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(batch),
			},
		},
		Temperature: 0,
		MaxTokens:   tokenBudget(len(batch)),
	})
	if err != nil {
		return nil, fmt.Errorf("调用分类服务失败: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: 分类服务未返回结果", ErrMalformedResponse)
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)

	var parsed []rawLabel
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(parsed) != len(batch) {
		log.Printf("⚠️ 分类结果数量不匹配: 期望 %d, 实际 %d, 缺失项按非广告处理", len(batch), len(parsed))
	}

	// 按下标对齐，缺失项填默认值
	labels := make([]models.WindowLabel, len(batch))
	for i := range batch {
		if i < len(parsed) {
			labels[i] = models.WindowLabel{
				IsAd:       parsed[i].IsAd,
				Confidence: clamp01(parsed[i].Confidence),
				Reason:     parsed[i].Reason,
			}
		} else {
			labels[i] = models.WindowLabel{
				IsAd:       false,
				Confidence: 0,
				Reason:     "missing result",
			}
		}
	}

	return labels, nil
}

// buildPrompt 构建分类提示词
func buildPrompt(batch []*models.Window) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `以下是一期播客按时间顺序切出的 %d 个文本窗口。请逐个判断是否属于广告。

输出要求：
- 只输出一个 JSON 数组，恰好 %d 个对象，顺序与输入窗口一致
- 每个对象格式: {"is_ad": bool, "confidence": 0到1的小数, "reason": "一句话理由"}
- 不要输出数组以外的任何内容

窗口列表：
`, len(batch), len(batch))

	for i, w := range batch {
		fmt.Fprintf(&sb, "[%d] (%.1fs - %.1fs) %s\n", i, w.Start, w.End, w.Text)
	}

	return sb.String()
}

// tokenBudget 按批大小估算 MaxTokens
func tokenBudget(n int) int {
	budget := n*tokensPerWindow + tokenBudgetFixed
	if budget < minTokenBudget {
		return minTokenBudget
	}
	return budget
}

// stripCodeFence 剥离 ```json ... ``` 围栏
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	content = strings.TrimPrefix(content, "```")
	// 去掉围栏首行的语言标记（如 json）
	if idx := strings.Index(content, "\n"); idx >= 0 {
		content = content[idx+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
