package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/bidding"
	"github.com/mmeshcher/auctionhouse/internal/ledger"
	"github.com/mmeshcher/auctionhouse/internal/lock"
	"github.com/mmeshcher/auctionhouse/internal/middleware"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/repository"
	"github.com/mmeshcher/auctionhouse/internal/service"
	"github.com/mmeshcher/auctionhouse/internal/settlement"
)

const adminID = 1

type testServer struct {
	repo *repository.MemoryRepository
	auth *middleware.AuthMiddleware
	srv  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	repo := repository.NewMemoryRepository()
	led := ledger.New(repo, logger)
	locker := lock.NewKeyedMutex()
	bidder := bidding.NewEngine(repo, led, locker, nil, logger)
	settler := settlement.NewEngine(repo, led, locker, nil, logger)
	svc := service.NewService(repo, bidder, settler, led, logger)

	auth := middleware.NewAuthMiddleware("test-secret", []int64{adminID})
	srv := httptest.NewServer(NewHandler(svc, logger, auth).SetupRouter())
	t.Cleanup(srv.Close)

	return &testServer{repo: repo, auth: auth, srv: srv}
}

func (s *testServer) do(t *testing.T, userID int64, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+s.auth.Token(userID))
	}

	res, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, data
}

func (s *testServer) runningItem(t *testing.T) *model.Item {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	session := &model.Session{
		Name:         "live",
		StartTime:    now.Add(-time.Minute),
		EndTime:      now.Add(time.Hour),
		Status:       model.SessionStatusRunning,
		DepositRatio: decimal.RequireFromString("0.1"),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	item := &model.Item{
		SessionID:     &session.ID,
		Title:         "clock",
		StartingPrice: 1000,
		CurrentPrice:  1000,
		Status:        model.ItemStatusAuctioning,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		t.Fatalf("CreateItem error: %v", err)
	}
	return item
}

func TestRouter_RequiresAuth(t *testing.T) {
	s := newTestServer(t)

	if code, _ := s.do(t, 0, http.MethodGet, "/api/account", nil); code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", code, http.StatusUnauthorized)
	}
	if code, _ := s.do(t, 7, http.MethodGet, "/api/admin/settings", nil); code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", code, http.StatusForbidden)
	}
	if code, _ := s.do(t, 7, http.MethodGet, "/api/unknown", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestRouter_BidFlow(t *testing.T) {
	s := newTestServer(t)
	item := s.runningItem(t)

	code, _ := s.do(t, 5, http.MethodPost, "/api/bids", bidRequest{ItemID: item.ID, Amount: 1100})
	if code != http.StatusPaymentRequired {
		t.Fatalf("bid without deposit: status = %d, want %d", code, http.StatusPaymentRequired)
	}

	code, _ = s.do(t, 5, http.MethodPost, "/api/account/deposit", amountRequest{Amount: 2000})
	if code != http.StatusOK {
		t.Fatalf("deposit: status = %d, want %d", code, http.StatusOK)
	}

	code, body := s.do(t, 5, http.MethodPost, "/api/bids", bidRequest{ItemID: item.ID, Amount: 1100})
	if code != http.StatusCreated {
		t.Fatalf("bid: status = %d, want %d: %s", code, http.StatusCreated, body)
	}
	var bid bidResponse
	if err := json.Unmarshal(body, &bid); err != nil {
		t.Fatalf("decode bid: %v", err)
	}
	if bid.Amount != 1100 || bid.Frozen == nil || *bid.Frozen != 110 {
		t.Fatalf("unexpected bid response: %s", body)
	}

	code, body = s.do(t, 6, http.MethodPost, "/api/bids", bidRequest{ItemID: item.ID, Amount: 1150})
	if code != http.StatusConflict {
		t.Fatalf("low bid: status = %d, want %d", code, http.StatusConflict)
	}
	if len(body) == 0 {
		t.Fatalf("rejection without reason")
	}

	code, body = s.do(t, 9, http.MethodGet, fmt.Sprintf("/api/items/%d", item.ID), nil)
	if code != http.StatusOK {
		t.Fatalf("get item: status = %d, want %d", code, http.StatusOK)
	}
	var view itemResponse
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if view.CurrentPrice != 1100 || view.MinimumBid == nil || *view.MinimumBid != 1200 {
		t.Fatalf("unexpected item view: %s", body)
	}

	code, body = s.do(t, 9, http.MethodGet, fmt.Sprintf("/api/items/%d/bids", item.ID), nil)
	if code != http.StatusOK {
		t.Fatalf("get bids: status = %d, want %d", code, http.StatusOK)
	}
	var bids []bidResponse
	if err := json.Unmarshal(body, &bids); err != nil {
		t.Fatalf("decode bids: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("bids = %d, want 1", len(bids))
	}

	code, body = s.do(t, 5, http.MethodGet, "/api/account", nil)
	if code != http.StatusOK {
		t.Fatalf("get account: status = %d, want %d", code, http.StatusOK)
	}
	var account accountResponse
	if err := json.Unmarshal(body, &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if account.Total != 2000 || account.Frozen != 110 || account.Available != 1890 {
		t.Fatalf("unexpected account: %+v", account)
	}

	code, body = s.do(t, 5, http.MethodGet, "/api/account/reconcile", nil)
	if code != http.StatusOK {
		t.Fatalf("reconcile: status = %d, want %d", code, http.StatusOK)
	}
	var rec reconcileResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("decode reconcile: %v", err)
	}
	if !rec.Consistent {
		t.Fatalf("journal mismatch: %v", rec.Mismatches)
	}

	code, _ = s.do(t, 5, http.MethodPost, "/api/account/withdraw", amountRequest{Amount: 1900})
	if code != http.StatusPaymentRequired {
		t.Fatalf("withdraw over available: status = %d, want %d", code, http.StatusPaymentRequired)
	}
}

func TestRouter_AdminFlow(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC().Truncate(time.Second)

	code, body := s.do(t, adminID, http.MethodPost, "/api/admin/sessions", createSessionRequest{
		Name:      "spring",
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(2 * time.Hour),
	})
	if code != http.StatusCreated {
		t.Fatalf("create session: status = %d, want %d: %s", code, http.StatusCreated, body)
	}
	var session sessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Status != string(model.SessionStatusDraft) || session.DepositRatio != "0.1" {
		t.Fatalf("unexpected session: %s", body)
	}

	code, body = s.do(t, adminID, http.MethodPost, "/api/admin/items", createItemRequest{Title: "vase", StartingPrice: 500})
	if code != http.StatusCreated {
		t.Fatalf("create item: status = %d, want %d: %s", code, http.StatusCreated, body)
	}
	var item itemResponse
	if err := json.Unmarshal(body, &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}

	steps := []struct {
		path string
		body any
	}{
		{path: fmt.Sprintf("/api/admin/items/%d/assign", item.ID), body: assignItemRequest{SessionID: &session.ID}},
		{path: fmt.Sprintf("/api/admin/items/%d/approve", item.ID)},
		{path: fmt.Sprintf("/api/admin/sessions/%d/schedule", session.ID)},
	}
	for _, step := range steps {
		if code, body := s.do(t, adminID, http.MethodPost, step.path, step.body); code != http.StatusOK {
			t.Fatalf("POST %s: status = %d, want %d: %s", step.path, code, http.StatusOK, body)
		}
	}

	code, _ = s.do(t, adminID, http.MethodPost, fmt.Sprintf("/api/admin/items/%d/reject", item.ID), nil)
	if code != http.StatusConflict {
		t.Fatalf("reject approved item: status = %d, want %d", code, http.StatusConflict)
	}

	code, body = s.do(t, 7, http.MethodGet, fmt.Sprintf("/api/sessions/%d", session.ID), nil)
	if code != http.StatusOK {
		t.Fatalf("get session: status = %d, want %d", code, http.StatusOK)
	}
	var view sessionResponse
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if view.Status != string(model.SessionStatusScheduled) || len(view.Items) != 1 {
		t.Fatalf("unexpected session view: %s", body)
	}

	code, _ = s.do(t, adminID, http.MethodPost, fmt.Sprintf("/api/admin/sessions/%d/cancel", session.ID), nil)
	if code != http.StatusOK {
		t.Fatalf("cancel session: status = %d, want %d", code, http.StatusOK)
	}

	code, _ = s.do(t, 7, http.MethodGet, "/api/sessions/404", nil)
	if code != http.StatusNotFound {
		t.Fatalf("missing session: status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestRouter_Settings(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, adminID, http.MethodGet, "/api/admin/settings", nil)
	if code != http.StatusOK {
		t.Fatalf("get settings: status = %d, want %d", code, http.StatusOK)
	}
	var settings settingsPayload
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}

	settings.UnpaidPolicy = string(model.UnpaidPolicyRefund)
	settings.CountdownWindowSec = 60
	if code, body := s.do(t, adminID, http.MethodPut, "/api/admin/settings", settings); code != http.StatusOK {
		t.Fatalf("put settings: status = %d, want %d: %s", code, http.StatusOK, body)
	}

	stored, err := s.repo.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings error: %v", err)
	}
	if stored.UnpaidPolicy != model.UnpaidPolicyRefund || stored.CountdownWindow != time.Minute {
		t.Fatalf("settings not stored: %+v", stored)
	}

	settings.UnpaidPolicy = "KEEP"
	if code, _ := s.do(t, adminID, http.MethodPut, "/api/admin/settings", settings); code != http.StatusBadRequest {
		t.Fatalf("invalid policy: status = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestRouter_OrderNumberValidation(t *testing.T) {
	s := newTestServer(t)

	if code, _ := s.do(t, 5, http.MethodGet, "/api/orders/12345", nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", code, http.StatusUnprocessableEntity)
	}
	if code, _ := s.do(t, 5, http.MethodGet, "/api/orders", nil); code != http.StatusNoContent {
		t.Fatalf("empty orders: status = %d, want %d", code, http.StatusNoContent)
	}
}

type stubService struct {
	Service

	placeBidErr error
}

func (s *stubService) PlaceBid(ctx context.Context, userID, itemID, amount int64) (*bidding.Result, error) {
	return nil, s.placeBidErr
}

func TestPlaceBid_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "too low", err: auctionerrors.ErrBidTooLow, want: http.StatusConflict},
		{name: "session not running", err: auctionerrors.ErrSessionNotRunning, want: http.StatusConflict},
		{name: "no deposit", err: fmt.Errorf("need 110: %w", auctionerrors.ErrInsufficientDeposit), want: http.StatusPaymentRequired},
		{name: "invalid amount", err: auctionerrors.ErrInvalidAmount, want: http.StatusBadRequest},
		{name: "missing item", err: auctionerrors.ErrNotFound, want: http.StatusNotFound},
		{name: "transient", err: auctionerrors.ErrTransient, want: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	auth := middleware.NewAuthMiddleware("test-secret", nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&stubService{placeBidErr: tt.err}, zap.NewNop(), auth)

			body, _ := json.Marshal(bidRequest{ItemID: 1, Amount: 100})
			req := httptest.NewRequest(http.MethodPost, "/api/bids", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+auth.Token(3))
			rec := httptest.NewRecorder()

			h.SetupRouter().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPlaceBid_BadRequest(t *testing.T) {
	auth := middleware.NewAuthMiddleware("test-secret", nil)
	h := NewHandler(&stubService{}, zap.NewNop(), auth)

	for _, body := range []string{"{", `{"itemId":0,"amount":100}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/bids", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+auth.Token(3))
		rec := httptest.NewRecorder()

		h.SetupRouter().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
}
