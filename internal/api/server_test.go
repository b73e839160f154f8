package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"FundRouter/internal/auth"
	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/router"
	"FundRouter/internal/task"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testAgent = "0x000000000000000000000000000000a1"

var (
	adminAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	aliceAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func do(t *testing.T, h http.Handler, method, target string, caller common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	if caller != (common.Address{}) {
		req.Header.Set(auth.HeaderAccount, caller.Hex())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRegisterAgent(t *testing.T) {
	fake := &fakeRouter{}
	h := NewServer(":0", fake).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/agents", managerAddr, map[string]any{
		"agent_id":          testAgent,
		"name":              "Alpha",
		"type":              "Index fund",
		"deposit_token":     "0x0000000000000000000000000000000000000c01",
		"operating_address": "0x00000000000000000000000000000000000000b1",
		"creator_address":   "0x00000000000000000000000000000000000000cc",
		"deposit":           map[string]any{"share_price": "10000000", "base_min_shares": 1, "base_max_shares": 100, "shares_cap": 1000},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[agentView](t, rec)
	if view.ID != testAgent || view.State != "accepting_deposits" || view.Deposit.SharePrice != "10000000" {
		t.Fatalf("unexpected agent view %+v", view)
	}
	if fake.lastCaller() != managerAddr {
		t.Fatalf("caller not forwarded: %s", fake.lastCaller().Hex())
	}
	reg := fake.registration
	if reg.Deposit.SharePrice.Int64() != 10_000000 || reg.Deposit.SharesCap != 1000 || reg.CreatorAddress != common.HexToAddress("0xcc") {
		t.Fatalf("registration not decoded: %+v", reg)
	}

	t.Run("bad agent id", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/agents", managerAddr, map[string]any{"agent_id": "0x1234"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		body := decode[errorResponse](t, rec)
		if body.Metadata["field"] != "agent_id" {
			t.Fatalf("unexpected error body %+v", body)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/agents", managerAddr, map[string]any{"agent_id": testAgent, "owner": "x"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("missing caller", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/agents", common.Address{}, map[string]any{"agent_id": testAgent})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
}

func TestTransitionAndErrorMapping(t *testing.T) {
	fake := &fakeRouter{}
	h := NewServer(":0", fake).Handler()
	target := "/api/v1/agents/" + testAgent + "/state"

	for state, call := range map[string]string{
		"trading":             "StartTrading",
		"awaiting_settlement": "StartWaiting",
		"accepting_deposits":  "StartDeposit",
	} {
		rec := do(t, h, http.MethodPost, target, managerAddr, map[string]string{"state": state})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", state, rec.Code)
		}
		if fake.lastCall() != call {
			t.Fatalf("%s: expected %s, got %s", state, call, fake.lastCall())
		}
	}

	if rec := do(t, h, http.MethodPost, target, managerAddr, map[string]string{"state": "distributing"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("distributing is not a manual transition, got %d", rec.Code)
	}

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"state", router.ErrIncorrectAgentState, http.StatusConflict},
		{"validation", router.ErrZeroData.With("field", "name"), http.StatusBadRequest},
		{"authorization", auth.ErrUnauthorizedAccount, http.StatusForbidden},
		{"capacity", router.ErrDepositCapacityExceeded, http.StatusUnprocessableEntity},
		{"replay", router.ErrTokenIDUsed, http.StatusConflict},
		{"collaborator", token.ErrInsufficientAllowance, http.StatusFailedDependency},
		{"not found", router.ErrAgentNotFound, http.StatusNotFound},
		{"storage", xerrors.New(xerrors.CodeStorageFailure, "db down"), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake.err = tc.err
			defer func() { fake.err = nil }()
			rec := do(t, h, http.MethodPost, target, managerAddr, map[string]string{"state": "trading"})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			body := decode[errorResponse](t, rec)
			if body.Code != xerrors.CodeOf(tc.err) {
				t.Fatalf("expected code %s, got %s", xerrors.CodeOf(tc.err), body.Code)
			}
		})
	}
}

func TestDepositMethods(t *testing.T) {
	fake := &fakeRouter{}
	h := NewServer(":0", fake).Handler()
	target := "/api/v1/agents/" + testAgent + "/deposits"
	receiver := "0x00000000000000000000000000000000000000a2"

	cases := []struct {
		name string
		body map[string]any
		call string
	}{
		{"default allowance", map[string]any{"shares": 2}, "Deposit"},
		{"swap", map[string]any{"method": "swap", "shares": 2, "receiver": receiver}, "DepositWithSwap"},
		{"permit", map[string]any{"method": "permit", "shares": 2, "receiver": receiver, "permit": map[string]string{
			"owner": aliceAddr.Hex(), "value": "20000000", "deadline": "1900000000", "signature": "0x" + strings.Repeat("11", 65),
		}}, "DepositWithPermit"},
		{"member", map[string]any{"method": "member", "shares": 2, "token_id": "42", "signature": "0x" + strings.Repeat("22", 65)}, "DepositMember"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, target, aliceAddr, tc.body)
			if rec.Code != http.StatusCreated {
				t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
			}
			if fake.lastCall() != tc.call {
				t.Fatalf("expected %s, got %s", tc.call, fake.lastCall())
			}
			receipt := decode[depositReceiptView](t, rec)
			if receipt.Shares != 2 || receipt.Amount != "20000000" {
				t.Fatalf("unexpected receipt %+v", receipt)
			}
		})
	}

	if fake.permit.Value.Int64() != 20_000000 || fake.permit.Owner != aliceAddr || len(fake.permit.Signature) != 65 {
		t.Fatalf("permit not decoded: %+v", fake.permit)
	}
	if fake.tokenID.Int64() != 42 {
		t.Fatalf("token id not decoded: %s", fake.tokenID)
	}

	t.Run("receiver defaults to caller", func(t *testing.T) {
		do(t, h, http.MethodPost, target, aliceAddr, map[string]any{"shares": 1})
		if fake.receiver != aliceAddr {
			t.Fatalf("expected receiver %s, got %s", aliceAddr.Hex(), fake.receiver.Hex())
		}
	})

	t.Run("permit required", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, target, aliceAddr, map[string]any{"method": "permit", "shares": 1})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, target, aliceAddr, map[string]any{"method": "wire", "shares": 1})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestDistributionBudgets(t *testing.T) {
	fake := &fakeRouter{}
	base := "/api/v1/agents/" + testAgent + "/distribution"

	h := NewServer(":0", fake, WithDefaultBudget(390_000)).Handler()
	rec := do(t, h, http.MethodPost, base, managerAddr, map[string]any{"amount": "1000000", "min_amount_out": "990000"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start distribution: %d %s", rec.Code, rec.Body.String())
	}
	result := decode[distributionResultView](t, rec)
	if !result.Completed || result.FeesPaid != "150" || result.Mode != string(router.ModeProRata) {
		t.Fatalf("unexpected result %+v", result)
	}

	rec = do(t, h, http.MethodPost, base+"/resume", managerAddr, map[string]any{"budget": 130_000})
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, base+"/private", managerAddr, map[string]any{
		"amount":       "300",
		"total_shares": 3,
		"allocations":  []map[string]any{{"recipient": aliceAddr.Hex(), "shares": 1}, {"recipient": managerAddr.Hex(), "shares": 2}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("private: %d %s", rec.Code, rec.Body.String())
	}
	if len(fake.private.Allocations) != 2 || fake.private.Allocations[1].Shares != 2 || fake.private.Amount.Int64() != 300 {
		t.Fatalf("allocations not decoded: %+v", fake.private)
	}

	unlimited := NewServer(":0", fake).Handler()
	rec = do(t, unlimited, http.MethodPost, base+"/resume", managerAddr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume without body: %d %s", rec.Code, rec.Body.String())
	}

	want := []uint64{390_000, 130_000, 390_000, math.MaxUint64}
	if len(fake.budgets) != len(want) {
		t.Fatalf("unexpected budgets %v", fake.budgets)
	}
	for i := range want {
		if fake.budgets[i] != want[i] {
			t.Fatalf("budget %d: want %d got %d", i, want[i], fake.budgets[i])
		}
	}

	t.Run("negative amount", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, base, managerAddr, map[string]any{"amount": "-1"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestQueries(t *testing.T) {
	id, _ := router.ParseAgentID(testAgent)
	fake := &fakeRouter{
		pending:    []router.AgentID{id},
		tokenOwner: aliceAddr,
		receiver:   common.HexToAddress("0xfe"),
	}
	h := NewServer(":0", fake).Handler()
	prefix := "/api/v1/agents/" + testAgent

	rec := do(t, h, http.MethodGet, "/api/v1/agents/pending", common.Address{0x1}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending: %d", rec.Code)
	}
	if got := decode[map[string][]string](t, rec)["agents"]; len(got) != 1 || got[0] != testAgent {
		t.Fatalf("unexpected pending %v", got)
	}

	rec = do(t, h, http.MethodGet, prefix+"/rounds/1/users/"+aliceAddr.Hex(), common.Address{0x1}, nil)
	pos := decode[positionView](t, rec)
	if pos.SharesPurchased != 3 || pos.TokenID != "7" || !pos.IsMember {
		t.Fatalf("unexpected position %+v", pos)
	}

	rec = do(t, h, http.MethodGet, prefix+"/rounds/1/token-ids/0x2a", common.Address{0x1}, nil)
	used := decode[map[string]any](t, rec)
	if used["used"] != true || used["token_id"] != "42" {
		t.Fatalf("unexpected token id view %v", used)
	}

	rec = do(t, h, http.MethodGet, prefix+"/fee-config", common.Address{0x1}, nil)
	fees := decode[feeConfigView](t, rec)
	if fees.BaseManagementRate != 100 || fees.BasePerformanceRate != 500 || fees.Receiver != common.HexToAddress("0xfe").Hex() {
		t.Fatalf("unexpected fee view %+v", fees)
	}

	rec = do(t, h, http.MethodGet, prefix+"/rounds/1/distribution", common.Address{0x1}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing distribution should be 404, got %d", rec.Code)
	}
	fake.distribution = &router.Distribution{AgentID: id, Round: 1, Mode: router.ModePrivate, Cursor: 1,
		Allocations: []router.Allocation{{Recipient: aliceAddr, Shares: 1}}}
	rec = do(t, h, http.MethodGet, prefix+"/rounds/1/distribution", common.Address{0x1}, nil)
	dist := decode[distributionView](t, rec)
	if dist.Mode != "private" || dist.Cursor != 1 || dist.Amount != "0" || len(dist.Allocations) != 1 {
		t.Fatalf("unexpected distribution view %+v", dist)
	}

	if rec := do(t, h, http.MethodGet, prefix+"/rounds/abc", common.Address{0x1}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad round should be 400, got %d", rec.Code)
	}
	fake.err = router.ErrRoundNotFound
	if rec := do(t, h, http.MethodGet, prefix+"/rounds/9", common.Address{0x1}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing round should be 404, got %d", rec.Code)
	}
}

func TestSignedRequests(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	account := crypto.PubkeyToAddress(key.PublicKey)
	roles, err := auth.NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("role store: %v", err)
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeSignature}, auth.NewAccessControl(roles))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	fake := &fakeRouter{}
	h := NewServer(":0", fake, WithAuthenticator(svc)).Handler()

	body := []byte(`{"state":"trading"}`)
	target := "/api/v1/agents/" + testAgent + "/state"
	ts := time.Now().Unix()
	sig, err := auth.SignRequest(key, http.MethodPost, target, ts, body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set(auth.HeaderAccount, account.Hex())
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed request rejected: %d %s", rec.Code, rec.Body.String())
	}
	if fake.lastCaller() != account {
		t.Fatalf("caller should come from the verified signature, got %s", fake.lastCaller().Hex())
	}

	unsigned := do(t, h, http.MethodPost, target, account, map[string]string{"state": "trading"})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request should be rejected, got %d", unsigned.Code)
	}

	if rec := do(t, h, http.MethodGet, "/healthz", common.Address{}, nil); rec.Code != http.StatusOK {
		t.Fatalf("health check should not require auth, got %d", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(16), 3)
	h := NewServer(":0", &fakeRouter{}, WithTasks(svc)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", common.Address{0x1}, map[string]any{"agent_id": testAgent, "round": 1})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	submitted := decode[task.Task](t, rec)
	if submitted.Status != task.StatusPending || submitted.AgentID != testAgent {
		t.Fatalf("unexpected task %+v", submitted)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/"+submitted.ID, common.Address{0x1}, nil)
	if got := decode[task.Task](t, rec); got.ID != submitted.ID {
		t.Fatalf("unexpected detail %+v", got)
	}

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/tasks?status=pending&agent_id=%s&round=1", testAgent), common.Address{0x1}, nil)
	list := decode[map[string][]task.Task](t, rec)["tasks"]
	if len(list) != 1 || list[0].ID != submitted.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks?updated_until=1", common.Address{0x1}, nil)
	if stale := decode[map[string][]task.Task](t, rec)["tasks"]; len(stale) != 0 {
		t.Fatalf("no task was updated at the epoch: %+v", stale)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/tasks?updated_since=yesterday", common.Address{0x1}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad updated_since should be 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/stats", common.Address{0x1}, nil)
	if stats := decode[task.TaskStats](t, rec); stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/tasks/missing", common.Address{0x1}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task should be 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/tasks?status=lost", common.Address{0x1}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status should be 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/tasks", common.Address{0x1}, map[string]any{"agent_id": testAgent}); rec.Code != http.StatusBadRequest {
		t.Fatalf("round 0 should be rejected, got %d", rec.Code)
	}
}

func TestRoleEndpoints(t *testing.T) {
	roles, err := auth.NewMemoryStore([]auth.Seed{{Account: adminAddr.Hex(), Roles: []string{"ADMIN"}}})
	if err != nil {
		t.Fatalf("role store: %v", err)
	}
	h := NewServer(":0", &fakeRouter{}, WithRoles(auth.NewAccessControl(roles))).Handler()
	target := "/api/v1/roles/depositor/" + aliceAddr.Hex()

	if rec := do(t, h, http.MethodPut, target, adminAddr, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("grant: %d %s", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodGet, "/api/v1/roles/"+aliceAddr.Hex(), adminAddr, nil)
	view := decode[rolesView](t, rec)
	if len(view.Roles) != 1 || view.Roles[0] != auth.RoleDepositor {
		t.Fatalf("unexpected roles %+v", view)
	}

	if rec := do(t, h, http.MethodDelete, target, aliceAddr, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin revoke should be forbidden, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/v1/roles/owner/"+aliceAddr.Hex(), adminAddr, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role should be 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, target, adminAddr, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d", rec.Code)
	}
	ok, err := roles.HasRole(context.Background(), auth.RoleDepositor, aliceAddr)
	if err != nil || ok {
		t.Fatalf("role should be revoked, has=%v err=%v", ok, err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewServer(":0", &fakeRouter{}).Handler()
	do(t, h, http.MethodGet, "/api/v1/agents/"+testAgent, common.Address{0x1}, nil)

	rec := do(t, h, http.MethodGet, "/metrics", common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `handler="GET /api/v1/agents/{id}"`) {
		t.Fatalf("request metrics should be keyed by route pattern:\n%s", rec.Body.String())
	}

	off := NewServer(":0", &fakeRouter{}, WithMetricsEndpoint(false)).Handler()
	if rec := do(t, off, http.MethodGet, "/metrics", common.Address{}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should be disabled, got %d", rec.Code)
	}
}
