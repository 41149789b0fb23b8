package embedding

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Dimensions 全库统一的向量维度
// 所有广告段的 embedding 维度必须一致，否则向量检索无法工作
const Dimensions = 1536

// EmbeddingAPI 向量服务接口（生产环境传入 *openai.Client）
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Client 文本向量客户端
type Client struct {
	api   EmbeddingAPI
	model openai.EmbeddingModel
}

// NewClient 创建向量客户端
func NewClient(api EmbeddingAPI, model string) *Client {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &Client{
		api:   api,
		model: openai.EmbeddingModel(model),
	}
}

// Embed 计算单段文本的向量
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      c.model,
		Dimensions: Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("调用向量服务失败: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("向量服务未返回结果")
	}

	vec := resp.Data[0].Embedding
	if len(vec) != Dimensions {
		return nil, fmt.Errorf("向量维度不一致: 期望 %d, 实际 %d", Dimensions, len(vec))
	}

	return vec, nil
}
