package collab

import (
	"context"
	"errors"
)

// SemaphoreControl 用带缓冲 channel 实现的计数信号量。
// ws 层用它限制同时在途的 SubmitChange 数量，Kafka worker 用它限制并发发送。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release failed, semaphore is not acquired")
	}
}
