package queue

import "github.com/scarlson1/castaway-sub000/pkg/models"

// Queue 流水线任务队列接口
// classify 步骤通过重新入队实现自我续期，每条消息只做有界工作量
type Queue interface {
	// Enqueue 将任务加入队列
	Enqueue(task *models.Task) error

	// Dequeue 从队列取出任务（阻塞）
	Dequeue() (*models.Task, error)

	// Ack 确认消息（任务处理成功）
	Ack(task *models.Task) error

	// Nack 拒绝消息（任务处理失败）
	// requeue: 是否重新入队
	Nack(task *models.Task, requeue bool) error

	// Close 关闭队列
	Close() error
}
