package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

// CachedTranscriptStore Redis 读穿缓存 + 底层持久化存储
// 转录复用检查每次运行都会执行，缓存命中可避免数据库往返；
// Redis 不可用时降级为直接读写底层存储
type CachedTranscriptStore struct {
	client *redis.Client
	db     TranscriptStore
	ttl    time.Duration
	ctx    context.Context
}

// NewCachedTranscriptStore 创建带缓存的转录存储
func NewCachedTranscriptStore(addr string, redisDB int, db TranscriptStore, ttl time.Duration) (*CachedTranscriptStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   redisDB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	return &CachedTranscriptStore{
		client: client,
		db:     db,
		ttl:    ttl,
		ctx:    ctx,
	}, nil
}

// getKey 生成 Redis key
// 格式: "castaway:transcript:{episodeID}"
func (cs *CachedTranscriptStore) getKey(episodeID string) string {
	return fmt.Sprintf("castaway:transcript:%s", episodeID)
}

// SaveTranscript 先写底层存储，成功后写缓存
func (cs *CachedTranscriptStore) SaveTranscript(t *models.Transcript) error {
	if err := cs.db.SaveTranscript(t); err != nil {
		return err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("序列化转录失败: %w", err)
	}

	if err := cs.client.Set(cs.ctx, cs.getKey(t.EpisodeID), data, cs.ttl).Err(); err != nil {
		// 缓存写入失败不影响业务
		log.Printf("⚠️ 转录写入 Redis 失败: %v", err)
	}

	return nil
}

// TranscriptByEpisode 优先查缓存，未命中查底层存储并回写
func (cs *CachedTranscriptStore) TranscriptByEpisode(episodeID string) (*models.Transcript, error) {
	data, err := cs.client.Get(cs.ctx, cs.getKey(episodeID)).Bytes()
	if err == nil {
		var t models.Transcript
		if err := json.Unmarshal(data, &t); err == nil {
			return &t, nil
		}
		// 缓存数据损坏，当作未命中
	} else if err != redis.Nil {
		log.Printf("⚠️ Redis 查询失败: %v, 降级到数据库", err)
	}

	t, err := cs.db.TranscriptByEpisode(episodeID)
	if err != nil {
		return nil, err
	}

	// 回写缓存（缓存预热，下次复用检查更快）
	go func() {
		data, err := json.Marshal(t)
		if err != nil {
			return
		}
		if err := cs.client.Set(cs.ctx, cs.getKey(episodeID), data, cs.ttl).Err(); err != nil {
			log.Printf("⚠️ 回写 Redis 失败: %v", err)
		}
	}()

	return t, nil
}

// Close 关闭缓存与底层存储
func (cs *CachedTranscriptStore) Close() error {
	cs.client.Close()
	return cs.db.Close()
}
