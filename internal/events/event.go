// Package events publishes router domain events to in-memory, Redis or
// RabbitMQ sinks once the originating operation has been committed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type 标识事件种类。
type Type string

const (
	TypeAgentRegistered        Type = "AgentRegistered"
	TypeAgentStateUpdated      Type = "AgentStateUpdated"
	TypeDeposited              Type = "Deposited"
	TypeDistributionStarted    Type = "DistributionStarted"
	TypeDistributionCheckpoint Type = "DistributionCheckpoint"
	TypePayout                 Type = "Payout"
	TypeProtocolFeeConfigSet   Type = "ProtocolFeeConfigSet"
	TypeProtocolFeeReceiverSet Type = "ProtocolFeeReceiverSet"
	TypeDepositConfigSet       Type = "DepositConfigSet"
	TypeAgentMetadataSet       Type = "AgentMetadataSet"
)

// Event 是对外发布的事件信封。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	AgentID    string            `json:"agent_id,omitempty"`
	Round      uint64            `json:"round,omitempty"`
	Caller     string            `json:"caller,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New 构造一个带唯一 ID 的事件。
func New(typ Type, agentID string, round uint64, payload map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		AgentID:    agentID,
		Round:      round,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Encode 返回事件的 JSON 编码。
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode 解析 JSON 编码的事件。
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop 丢弃全部事件。
type Nop struct{}

// Publish 实现 Publisher 接口。
func (Nop) Publish(context.Context, ...Event) error { return nil }

// Close 实现 Publisher 接口。
func (Nop) Close() error { return nil }
