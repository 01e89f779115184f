package collab

import (
	"context"
	"encoding/json"
	"time"
)

// EngineEventEnvelope 是出站事件在 Kafka 上的统一包装。
// 以 sessionId 做分区键，同一文档的事件保持有序。
type EngineEventEnvelope struct {
	EventType string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// KafkaNotifier 把引擎事件送进本地有界队列，由 dispatcher 异步补发。
// Publish 永不阻塞主提交链路：队列满且等不到空位就报错交还引擎记日志。
type KafkaNotifier struct {
	dispatcher *KafkaDispatcher
	timeout    time.Duration
}

func NewKafkaNotifier(dispatcher *KafkaDispatcher, timeout time.Duration) *KafkaNotifier {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &KafkaNotifier{dispatcher: dispatcher, timeout: timeout}
}

func (n *KafkaNotifier) Publish(ctx context.Context, evt Event) NotificationResult {
	payload, err := json.Marshal(evt)
	if err != nil {
		return NotificationResult{Event: evt, Err: err}
	}
	env := EngineEventEnvelope{
		EventType: evt.EventType(),
		SessionID: evt.Session(),
		Payload:   payload,
		EmittedAt: time.Now(),
	}
	enqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.dispatcher.Enqueue(enqCtx, env); err != nil {
		return NotificationResult{Event: evt, Err: err}
	}
	return NotificationResult{Event: evt}
}
