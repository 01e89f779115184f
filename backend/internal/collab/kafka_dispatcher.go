package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞引擎的提交路径（Publish 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan EngineEventEnvelope

	wg        sync.WaitGroup
	closeOnce sync.Once

	// sem 限制并发的 SendMessage 数量。
	sendSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sendSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan EngineEventEnvelope, opt.QueueSize),
		sendSem:     sendSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误（出站事件不要求强一致，不是每条都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, env EngineEventEnvelope) error {
	select {
	case d.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

// Close 关闭队列并等 worker 把剩余事件发完。
// 关闭之后不允许再 Enqueue。
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for env := range d.queue {
		d.sendWithRetry(workerID, env)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, env EngineEventEnvelope) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sendSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sendSem.Acquire(context.Background())
		}

		err := d.sendOnce(env)

		if d.sendSem != nil {
			_ = d.sendSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event session=%s type=%s worker=%d err=%v",
				env.SessionID, env.EventType, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(env EngineEventEnvelope) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(env.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
