package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在内存中保存事件，主要用于测试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

// Publish 实现 Publisher 接口。
func (p *MemoryPublisher) Publish(_ context.Context, events ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("发布器已关闭")
	}
	p.events = append(p.events, events...)
	return nil
}

// Events 返回已发布事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// OfType 返回指定类型的事件。
func (p *MemoryPublisher) OfType(typ Type) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Reset 清空已记录的事件。
func (p *MemoryPublisher) Reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

// Close 实现 Publisher 接口。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
