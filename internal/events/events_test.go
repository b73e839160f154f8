package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPublisher(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPublisher()

	if err := p.Publish(ctx,
		New(TypeDeposited, "0x01", 1, map[string]string{"amount": "10000000"}),
		New(TypePayout, "0x01", 1, nil),
		New(TypeDeposited, "0x01", 1, nil),
	); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(p.OfType(TypeDeposited)); got != 2 {
		t.Fatalf("expected 2 deposits, got %d", got)
	}

	snapshot := p.Events()
	snapshot[0].Type = TypeAgentRegistered
	if p.Events()[0].Type != TypeDeposited {
		t.Fatalf("Events should return a copy")
	}

	p.Reset()
	if len(p.Events()) != 0 {
		t.Fatalf("reset should clear events")
	}
	_ = p.Close()
	if err := p.Publish(ctx, New(TypePayout, "0x01", 1, nil)); err == nil {
		t.Fatalf("closed publisher should reject events")
	}
}

func TestEventEncoding(t *testing.T) {
	e := New(TypeDistributionCheckpoint, "0xabc", 3, map[string]string{"cursor": "2", "total": "5"})
	e.Caller = "0xde"
	if e.ID == "" || e.OccurredAt.IsZero() {
		t.Fatalf("New should assign id and timestamp")
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != e.ID || decoded.Type != e.Type || decoded.Round != 3 || decoded.Caller != "0xde" {
		t.Fatalf("unexpected event %+v", decoded)
	}
	if decoded.Payload["cursor"] != "2" || !decoded.OccurredAt.Equal(e.OccurredAt) {
		t.Fatalf("payload or timestamp lost: %+v", decoded)
	}
	if _, err := Decode([]byte("{")); err == nil {
		t.Fatalf("malformed payload should fail")
	}
}

func TestRedisPublisherConfig(t *testing.T) {
	if _, err := NewRedisPublisher(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("empty address should fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedisPublisher(ctx, RedisConfig{Address: "127.0.0.1:1"}); err == nil {
		t.Fatalf("unreachable redis should fail")
	}

	p := newRedisPublisher(nil, RedisConfig{})
	if p.channel != "fundrouter:events" || p.maxLen != 10_000 {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if err := p.Publish(ctx); err != nil {
		t.Fatalf("empty publish should be a no-op: %v", err)
	}
}

func TestRabbitMQPublisherConfig(t *testing.T) {
	if _, err := NewRabbitMQPublisher(RabbitMQConfig{}); err == nil {
		t.Fatalf("empty url should fail")
	}
	var nilPublisher *RabbitMQPublisher
	if err := nilPublisher.Close(); err != nil {
		t.Fatalf("closing nil publisher: %v", err)
	}
}
