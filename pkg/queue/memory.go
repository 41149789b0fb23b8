package queue

import (
	"fmt"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

// MemoryQueue 基于 Channel 的内存队列实现（开发与测试用）
type MemoryQueue struct {
	queue chan *models.Task
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	return &MemoryQueue{
		queue: make(chan *models.Task, bufferSize),
	}
}

// Enqueue 将任务加入队列
func (mq *MemoryQueue) Enqueue(task *models.Task) error {
	select {
	case mq.queue <- task:
		return nil
	default:
		return fmt.Errorf("队列已满")
	}
}

// Dequeue 从队列取出任务（阻塞等待）
func (mq *MemoryQueue) Dequeue() (*models.Task, error) {
	task, ok := <-mq.queue
	if !ok {
		return nil, fmt.Errorf("队列已关闭")
	}
	return task, nil
}

// Ack 确认消息（内存队列无需确认）
func (mq *MemoryQueue) Ack(task *models.Task) error {
	return nil
}

// Nack 拒绝消息，requeue 为 true 时重新入队
func (mq *MemoryQueue) Nack(task *models.Task, requeue bool) error {
	if requeue {
		return mq.Enqueue(task)
	}
	return nil
}

// Len 当前排队的任务数（测试用）
func (mq *MemoryQueue) Len() int {
	return len(mq.queue)
}

// Close 关闭队列
func (mq *MemoryQueue) Close() error {
	close(mq.queue)
	return nil
}
