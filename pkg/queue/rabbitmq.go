package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

// RabbitMQQueue RabbitMQ 队列实现
// 1. 单一 Consumer（所有 Worker 共享）
// 2. 通过 QoS prefetchCount 控制并发
// 3. 手动 Ack/Nack 保证消息可靠性：classify 续期消息在上一批
//    窗口写入提交后才发布，崩溃重启不会丢失或重复分类窗口
type RabbitMQQueue struct {
	url       string
	queueName string
	prefetch  int
	closed    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	// 发布消息用的连接和通道
	publishConn          *amqp.Connection
	publishRabbitChannel *amqp.Channel
	publishMutex         sync.Mutex

	// 消费消息用的连接和通道
	consumeConn          *amqp.Connection
	consumeRabbitChannel *amqp.Channel
	deliveriesGoChannel  <-chan amqp.Delivery // 所有 Worker 共享这个 Go Channel

	// 用于保护 Ack/Nack 操作（RabbitMQ Channel 不是并发安全的）
	ackMutex sync.Mutex
}

// NewRabbitMQQueue 创建 RabbitMQ 队列
func NewRabbitMQQueue(url, queueName string, prefetch int) (*RabbitMQQueue, error) {
	if prefetch <= 0 {
		prefetch = 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	rq := &RabbitMQQueue{
		url:       url,
		queueName: queueName,
		prefetch:  prefetch,
		closed:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := rq.setupPublisher(); err != nil {
		cancel()
		return nil, fmt.Errorf("初始化发布者失败: %w", err)
	}

	if err := rq.setupConsumer(); err != nil {
		cancel()
		rq.closePublisher()
		return nil, fmt.Errorf("初始化消费者失败: %w", err)
	}

	log.Printf("✓ RabbitMQ 队列初始化成功 (队列: %s)", queueName)

	return rq, nil
}

// setupPublisher 设置发布者连接（用于发送消息）
func (rq *RabbitMQQueue) setupPublisher() error {
	conn, err := amqp.Dial(rq.url)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	// 声明持久化队列（幂等操作）
	_, err = ch.QueueDeclare(
		rq.queueName, // name
		true,         // durable: 持久化队列
		false,        // autoDelete
		false,        // exclusive
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("声明队列失败: %w", err)
	}

	rq.publishConn = conn
	rq.publishRabbitChannel = ch

	log.Println("✓ RabbitMQ 发布者连接已建立")
	return nil
}

// setupConsumer 设置消费者连接（用于接收消息）
func (rq *RabbitMQQueue) setupConsumer() error {
	conn, err := amqp.Dial(rq.url)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	// 预取数量 = Worker 数量，各 Worker 从共享 Channel 各取一条
	err = ch.Qos(
		rq.prefetch, // prefetchCount
		0,           // prefetchSize: 0 表示不限制
		false,       // global: false 表示只应用于当前 channel
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("设置 QoS 失败: %w", err)
	}

	deliveries, err := ch.Consume(
		rq.queueName, // queue
		"consumer-1", // consumer tag
		false,        // autoAck: false 表示手动确认
		false,        // exclusive
		false,        // noLocal
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("启动消费失败: %w", err)
	}

	rq.consumeConn = conn
	rq.consumeRabbitChannel = ch
	rq.deliveriesGoChannel = deliveries

	log.Printf("✓ RabbitMQ 消费者已启动 (prefetchCount=%d)", rq.prefetch)
	return nil
}

// Enqueue 将任务加入队列
func (rq *RabbitMQQueue) Enqueue(task *models.Task) error {
	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(rq.ctx, 5*time.Second)
	defer cancel()

	err = rq.publishRabbitChannel.PublishWithContext(
		ctx,
		"",           // exchange: 空字符串表示默认 exchange
		rq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent, // 消息持久化
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	return nil
}

// Dequeue 从队列取出任务（阻塞）
// 所有 Worker goroutine 共享同一个 deliveriesGoChannel，
// Go Channel 保证每条消息只会被一个 Worker 读取
func (rq *RabbitMQQueue) Dequeue() (*models.Task, error) {
	select {
	case <-rq.closed:
		return nil, fmt.Errorf("队列已关闭")
	case <-rq.ctx.Done():
		return nil, fmt.Errorf("队列已关闭")
	case delivery, ok := <-rq.deliveriesGoChannel:
		if !ok {
			return nil, fmt.Errorf("消费通道已关闭")
		}

		var task models.Task
		if err := json.Unmarshal(delivery.Body, &task); err != nil {
			// 反序列化失败，拒绝消息（不重新入队）
			rq.nackInternal(delivery.DeliveryTag, false)
			return nil, fmt.Errorf("反序列化任务失败: %w", err)
		}

		// 保存 delivery 信息用于后续确认
		task.DeliveryTag = delivery.DeliveryTag
		task.RabbitMQDelivery = &delivery

		return &task, nil
	}
}

// Ack 确认消息（任务处理成功）
func (rq *RabbitMQQueue) Ack(task *models.Task) error {
	if task.RabbitMQDelivery == nil {
		return nil // 不是 RabbitMQ 消息，忽略
	}

	delivery := task.RabbitMQDelivery.(*amqp.Delivery)
	return rq.ackInternal(delivery.DeliveryTag)
}

// Nack 拒绝消息（任务处理失败）
func (rq *RabbitMQQueue) Nack(task *models.Task, requeue bool) error {
	if task.RabbitMQDelivery == nil {
		return nil // 不是 RabbitMQ 消息，忽略
	}

	delivery := task.RabbitMQDelivery.(*amqp.Delivery)
	return rq.nackInternal(delivery.DeliveryTag, requeue)
}

// ackInternal 内部 Ack 实现（带锁保护）
func (rq *RabbitMQQueue) ackInternal(deliveryTag uint64) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeRabbitChannel.Ack(deliveryTag, false)
}

// nackInternal 内部 Nack 实现（带锁保护）
func (rq *RabbitMQQueue) nackInternal(deliveryTag uint64, requeue bool) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeRabbitChannel.Nack(deliveryTag, false, requeue)
}

// Close 关闭队列
func (rq *RabbitMQQueue) Close() error {
	select {
	case <-rq.closed:
		return nil // 已经关闭
	default:
		close(rq.closed)
		rq.cancel()

		if rq.consumeRabbitChannel != nil {
			rq.consumeRabbitChannel.Close()
		}
		if rq.consumeConn != nil {
			rq.consumeConn.Close()
		}

		rq.closePublisher()

		log.Println("✓ RabbitMQ 队列已关闭")
		return nil
	}
}

// closePublisher 关闭发布者连接
func (rq *RabbitMQQueue) closePublisher() {
	if rq.publishRabbitChannel != nil {
		rq.publishRabbitChannel.Close()
	}
	if rq.publishConn != nil {
		rq.publishConn.Close()
	}
}
