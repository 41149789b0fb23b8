package worker

import (
	"context"
	"log"
	"time"

	"github.com/scarlson1/castaway-sub000/pkg/models"
	"github.com/scarlson1/castaway-sub000/pkg/pipeline"
	"github.com/scarlson1/castaway-sub000/pkg/queue"
)

// Worker 流水线任务处理器
// 多个 Worker 共享同一个队列；重试策略集中在这里：
// 可重试错误按指数退避重新入队（attempt 递增），超限或不可重试则终结任务
type Worker struct {
	id          int
	queue       queue.Queue
	orch        *pipeline.Orchestrator
	maxRetries  int
	stepTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewWorker 创建 Worker
func NewWorker(id int, q queue.Queue, orch *pipeline.Orchestrator, maxRetries int, stepTimeout time.Duration) *Worker {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		id:          id,
		queue:       q,
		orch:        orch,
		maxRetries:  maxRetries,
		stepTimeout: stepTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 启动 Worker（在独立的 Goroutine 中运行）
func (w *Worker) Start() {
	go w.run()
}

// Stop 停止 Worker
func (w *Worker) Stop() {
	log.Printf("正在停止 Worker #%d...", w.id)
	w.cancel()
}

// run Worker 主循环
func (w *Worker) run() {
	log.Printf("Worker #%d 已启动，等待任务...", w.id)

	for {
		select {
		case <-w.ctx.Done():
			log.Printf("Worker #%d 已停止", w.id)
			return
		default:
		}

		task, err := w.queue.Dequeue()
		if err != nil {
			select {
			case <-w.ctx.Done():
				log.Printf("Worker #%d 已停止", w.id)
				return
			case <-time.After(1 * time.Second):
				continue
			}
		}

		w.processTask(task)
	}
}

// processTask 处理单条流水线任务
func (w *Worker) processTask(task *models.Task) {
	log.Printf("[Worker-%d] 执行任务 %s 步骤 %s (第 %d 次尝试)",
		w.id, task.JobID, task.Step, task.Attempt+1)

	// 每个外部调用步骤都有超时，超时按可重试失败处理
	ctx, cancel := context.WithTimeout(w.ctx, w.stepTimeout)
	defer cancel()

	err := w.orch.RunStep(ctx, task)
	if err == nil {
		w.queue.Ack(task)
		return
	}

	if pipeline.IsRetryable(err) && task.Attempt < w.maxRetries {
		// 指数退避后重新发布（attempt 递增）
		wait := time.Duration(1<<uint(task.Attempt)) * time.Second
		log.Printf("⚠️ [Worker-%d] 任务 %s 步骤 %s 失败（可重试）: %v, %s 后重试",
			w.id, task.JobID, task.Step, err, wait)

		select {
		case <-time.After(wait):
		case <-w.ctx.Done():
			// 原消息未确认，重连后由 Broker 重新投递
			return
		}

		// 先发布重试消息再确认原消息，两次写之间崩溃只会重复投递不会丢失
		retry := &models.Task{
			JobID:   task.JobID,
			Step:    task.Step,
			Attempt: task.Attempt + 1,
		}
		if err := w.queue.Enqueue(retry); err != nil {
			log.Printf("❌ [Worker-%d] 重试消息入队失败: %v", w.id, err)
			w.orch.FailJob(task.JobID, err)
		}
		w.queue.Ack(task)
		return
	}

	// 重试耗尽或不可重试错误，任务终结
	w.orch.FailJob(task.JobID, err)
	w.queue.Ack(task)
}
