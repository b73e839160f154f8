package task

import (
	"errors"
	"reflect"
	"testing"
)

func TestWhereClause(t *testing.T) {
	done := true
	cases := []struct {
		name  string
		opts  ListOptions
		where string
		args  []any
	}{
		{"empty", ListOptions{}, "", nil},
		{
			name:  "statuses and agent",
			opts:  ListOptions{Statuses: []Status{StatusPending, StatusFailed}, AgentID: "0xab"},
			where: " WHERE status IN (?,?) AND agent_id = ?",
			args:  []any{StatusPending, StatusFailed, "0xab"},
		},
		{
			name:  "window and completion",
			opts:  ListOptions{Round: 2, UpdatedGTE: 10, UpdatedLTE: 20, Completed: &done},
			where: " WHERE round = ? AND updated_at >= ? AND updated_at <= ? AND (has_result = 1 AND result_completed = 1)",
			args:  []any{uint64(2), int64(10), int64(20)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			where, args := whereClause(tc.opts)
			if where != tc.where {
				t.Fatalf("where: want %q got %q", tc.where, where)
			}
			if !reflect.DeepEqual(args, tc.args) {
				t.Fatalf("args: want %v got %v", tc.args, args)
			}
		})
	}
}

func TestClaimRejection(t *testing.T) {
	cases := []struct {
		name string
		task Task
		want error
	}{
		{"succeeded", Task{Status: StatusSucceeded, Attempts: 1, MaxRetries: 3}, ErrTaskCompleted},
		{"exhausted", Task{Status: StatusFailed, Attempts: 3, MaxRetries: 3}, ErrTaskExhausted},
		{"running", Task{Status: StatusRunning, Attempts: 3, MaxRetries: 3}, ErrTaskConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := claimRejection(&tc.task); !errors.Is(err, tc.want) {
				t.Fatalf("want %v got %v", tc.want, err)
			}
		})
	}
}
