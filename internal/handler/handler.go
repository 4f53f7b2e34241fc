// Package handler содержит HTTP-обработчики API аукционного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/bidding"
	"github.com/mmeshcher/auctionhouse/internal/ledger"
	"github.com/mmeshcher/auctionhouse/internal/middleware"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/service"
	"github.com/mmeshcher/auctionhouse/internal/settlement"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	PlaceBid(ctx context.Context, userID, itemID, amount int64) (*bidding.Result, error)
	Item(ctx context.Context, itemID int64) (*bidding.ItemView, error)
	Bids(ctx context.Context, itemID int64) ([]model.Bid, error)
	Session(ctx context.Context, id int64) (*model.SessionWithItems, error)
	Results(ctx context.Context, sessionID int64) ([]model.AuctionResult, error)

	Account(ctx context.Context, userID int64) (*model.DepositAccount, error)
	Transactions(ctx context.Context, userID int64, limit int) ([]model.DepositTransaction, error)
	Deposit(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error)
	Withdraw(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error)
	Reconcile(ctx context.Context, userID int64) (*ledger.Reconciliation, error)

	Orders(ctx context.Context, buyerID int64) ([]model.Order, error)
	Order(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error)
	PayOrder(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error)
	ReceiveOrder(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error)
	CompleteOrder(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error)
	ShipOrder(ctx context.Context, orderNo string) (*model.Order, error)
	CancelOrder(ctx context.Context, orderNo string, refund bool) (*model.Order, error)

	CreateSession(ctx context.Context, in service.SessionInput) (*model.Session, error)
	ScheduleSession(ctx context.Context, id int64) (*model.Session, error)
	CancelSession(ctx context.Context, id int64) (*settlement.Report, error)
	SettleSession(ctx context.Context, id int64) (*settlement.Report, error)
	CreateItem(ctx context.Context, in service.ItemInput) (*model.Item, error)
	AssignItem(ctx context.Context, itemID int64, sessionID *int64) (*model.Item, error)
	ApproveItem(ctx context.Context, itemID int64) (*model.Item, error)
	RejectItem(ctx context.Context, itemID int64) (*model.Item, error)
	OfflineItem(ctx context.Context, itemID int64) (*model.Item, error)
	Settings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, s model.Settings) error
}

// Handler реализует HTTP-обработчики API аукционного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// statusFor сопоставляет ошибку ядра HTTP-статусу. Второе значение сообщает,
// можно ли показать текст ошибки клиенту.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, auctionerrors.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, auctionerrors.ErrInvalidOrderNumber):
		return http.StatusUnprocessableEntity, true
	case errors.Is(err, auctionerrors.ErrInsufficientDeposit),
		errors.Is(err, auctionerrors.ErrInsufficientFunds):
		return http.StatusPaymentRequired, true
	case errors.Is(err, auctionerrors.ErrBidTooLow),
		errors.Is(err, auctionerrors.ErrSessionNotRunning),
		errors.Is(err, auctionerrors.ErrItemNotAuctioning),
		errors.Is(err, auctionerrors.ErrIllegalTransition):
		return http.StatusConflict, true
	case errors.Is(err, auctionerrors.ErrInvalidAmount),
		errors.Is(err, auctionerrors.ErrInvalidArgument):
		return http.StatusBadRequest, true
	case errors.Is(err, auctionerrors.ErrTransient):
		return http.StatusServiceUnavailable, false
	default:
		return http.StatusInternalServerError, false
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	status, public := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	if public {
		http.Error(w, err.Error(), status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}

type bidRequest struct {
	ItemID int64 `json:"itemId"`
	Amount int64 `json:"amount"`
}

type bidResponse struct {
	ID          string  `json:"id"`
	ItemID      int64   `json:"itemId"`
	UserID      int64   `json:"userId"`
	Amount      int64   `json:"amount"`
	DepositHeld int64   `json:"depositHeld"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
	Frozen      *int64  `json:"frozen,omitempty"`
	Extended    *bool   `json:"extended,omitempty"`
	EndTime     *string `json:"endTime,omitempty"`
	MinimumBid  *int64  `json:"minimumBid,omitempty"`
}

func toBidResponse(b model.Bid) bidResponse {
	return bidResponse{
		ID:          b.ID.String(),
		ItemID:      b.ItemID,
		UserID:      b.UserID,
		Amount:      b.Amount,
		DepositHeld: b.DepositHeld,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
	}
}

// PlaceBid принимает ставку текущего пользователя.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req bidRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ItemID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.PlaceBid(r.Context(), userID, req.ItemID, req.Amount)
	if err != nil {
		h.writeError(w, err, "place bid error", zap.Int64("userID", userID), zap.Int64("itemID", req.ItemID))
		return
	}

	resp := toBidResponse(res.Bid)
	endTime := res.EndTime.Format(time.RFC3339)
	resp.Frozen = &res.Frozen
	resp.Extended = &res.Extended
	resp.EndTime = &endTime
	resp.MinimumBid = &res.MinimumBid
	h.writeJSON(w, http.StatusCreated, resp)
}

type itemResponse struct {
	ID              int64   `json:"id"`
	SessionID       *int64  `json:"sessionId,omitempty"`
	Title           string  `json:"title"`
	Status          string  `json:"status"`
	StartingPrice   int64   `json:"startingPrice"`
	CurrentPrice    int64   `json:"currentPrice"`
	ReservePrice    *int64  `json:"reservePrice,omitempty"`
	DepositRatio    *string `json:"depositRatio,omitempty"`
	MinimumBid      *int64  `json:"minimumBid,omitempty"`
	RequiredDeposit *int64  `json:"requiredDeposit,omitempty"`
}

func toItemResponse(item model.Item) itemResponse {
	resp := itemResponse{
		ID:            item.ID,
		SessionID:     item.SessionID,
		Title:         item.Title,
		Status:        string(item.Status),
		StartingPrice: item.StartingPrice,
		CurrentPrice:  item.CurrentPrice,
		ReservePrice:  item.ReservePrice,
	}
	if item.DepositRatio != nil {
		ratio := item.DepositRatio.String()
		resp.DepositRatio = &ratio
	}
	return resp
}

// GetItem возвращает лот с минимальной следующей ставкой.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.Item(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err, "get item error", zap.Int64("itemID", itemID))
		return
	}

	resp := toItemResponse(view.Item)
	resp.MinimumBid = &view.MinimumBid
	resp.RequiredDeposit = &view.RequiredDeposit
	h.writeJSON(w, http.StatusOK, resp)
}

// GetItemBids возвращает историю ставок по лоту.
func (h *Handler) GetItemBids(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	bids, err := h.service.Bids(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err, "get bids error", zap.Int64("itemID", itemID))
		return
	}

	if len(bids) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		resp = append(resp, toBidResponse(b))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Status          string            `json:"status"`
	StartTime       string            `json:"startTime"`
	EndTime         string            `json:"endTime"`
	DepositRatio    string            `json:"depositRatio"`
	CommissionRatio string            `json:"commissionRatio"`
	AntiSniping     antiSnipingParams `json:"antiSniping"`
	ExtendCount     int               `json:"extendCount"`
	Settled         bool              `json:"settled"`
	Items           []itemResponse    `json:"items,omitempty"`
}

type antiSnipingParams struct {
	Enabled      bool `json:"enabled"`
	ThresholdSec int  `json:"thresholdSec"`
	ExtendSec    int  `json:"extendSec"`
	MaxExtends   int  `json:"maxExtends"`
}

func toSessionResponse(s model.Session) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		Name:            s.Name,
		Status:          string(s.Status),
		StartTime:       s.StartTime.Format(time.RFC3339),
		EndTime:         s.EndTime.Format(time.RFC3339),
		DepositRatio:    s.DepositRatio.String(),
		CommissionRatio: s.CommissionRatio.String(),
		AntiSniping:     antiSnipingParams(s.AntiSniping),
		ExtendCount:     s.ExtendCount,
		Settled:         s.Settled,
	}
}

// GetSession возвращает сессию вместе с лотами.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.service.Session(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err, "get session error", zap.Int64("sessionID", sessionID))
		return
	}

	resp := toSessionResponse(res.Session)
	for _, item := range res.Items {
		resp.Items = append(resp.Items, toItemResponse(item))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type resultResponse struct {
	ItemID         int64   `json:"itemId"`
	Result         string  `json:"result"`
	WinnerID       *int64  `json:"winnerId,omitempty"`
	FinalPrice     int64   `json:"finalPrice"`
	Commission     int64   `json:"commission"`
	DepositApplied int64   `json:"depositApplied"`
	OrderID        *string `json:"orderId,omitempty"`
	Remark         string  `json:"remark,omitempty"`
}

// GetSessionResults возвращает итоги торгов по сессии.
func (h *Handler) GetSessionResults(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	results, err := h.service.Results(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err, "get results error", zap.Int64("sessionID", sessionID))
		return
	}

	if len(results) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]resultResponse, 0, len(results))
	for _, res := range results {
		item := resultResponse{
			ItemID:         res.ItemID,
			Result:         string(res.ResultStatus),
			WinnerID:       res.WinnerID,
			FinalPrice:     res.FinalPrice,
			Commission:     res.Commission,
			DepositApplied: res.DepositApplied,
			Remark:         res.Remark,
		}
		if res.OrderID != nil {
			id := res.OrderID.String()
			item.OrderID = &id
		}
		resp = append(resp, item)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type accountResponse struct {
	Total     int64  `json:"total"`
	Available int64  `json:"available"`
	Frozen    int64  `json:"frozen"`
	Refunded  int64  `json:"refunded"`
	Status    string `json:"status"`
}

// GetAccount возвращает депозитный счёт текущего пользователя.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	account, err := h.service.Account(r.Context(), userID)
	if errors.Is(err, auctionerrors.ErrNotFound) {
		h.writeJSON(w, http.StatusOK, accountResponse{Status: string(model.AccountStatusActive)})
		return
	}
	if err != nil {
		h.writeError(w, err, "get account error", zap.Int64("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, accountResponse{
		Total:     account.TotalAmount,
		Available: account.AvailableAmount,
		Frozen:    account.FrozenAmount,
		Refunded:  account.RefundedAmount,
		Status:    string(account.Status),
	})
}

type transactionResponse struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Amount          int64  `json:"amount"`
	AvailableBefore int64  `json:"availableBefore"`
	AvailableAfter  int64  `json:"availableAfter"`
	FrozenBefore    int64  `json:"frozenBefore"`
	FrozenAfter     int64  `json:"frozenAfter"`
	RefType         string `json:"refType,omitempty"`
	RefID           string `json:"refId,omitempty"`
	Reason          string `json:"reason,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

func toTransactionResponse(t model.DepositTransaction) transactionResponse {
	return transactionResponse{
		ID:              t.ID.String(),
		Type:            string(t.Type),
		Amount:          t.Amount,
		AvailableBefore: t.AvailableBefore,
		AvailableAfter:  t.AvailableAfter,
		FrozenBefore:    t.FrozenBefore,
		FrozenAfter:     t.FrozenAfter,
		RefType:         string(t.Ref.Type),
		RefID:           t.Ref.ID,
		Reason:          t.Reason,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
}

// GetTransactions возвращает журнал операций текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	txs, err := h.service.Transactions(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, err, "get transactions error", zap.Int64("userID", userID))
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, toTransactionResponse(t))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// Deposit пополняет депозитный счёт текущего пользователя.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.service.Deposit, "deposit error")
}

// Withdraw выводит свободные средства с депозитного счёта текущего пользователя.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.service.Withdraw, "withdraw error")
}

func (h *Handler) moveFunds(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, userID, amount int64) (*model.DepositTransaction, error),
	msg string,
) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if !decode(w, r, &req) {
		return
	}

	tx, err := op(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeError(w, err, msg, zap.Int64("userID", userID), zap.Int64("amount", req.Amount))
		return
	}
	h.writeJSON(w, http.StatusOK, toTransactionResponse(*tx))
}

type orderResponse struct {
	OrderNo          string  `json:"orderNo"`
	SessionID        int64   `json:"sessionId"`
	ItemID           int64   `json:"itemId"`
	Status           string  `json:"status"`
	TotalAmount      int64   `json:"totalAmount"`
	Commission       int64   `json:"commission"`
	DepositAmount    int64   `json:"depositAmount"`
	BalanceAmount    int64   `json:"balanceAmount"`
	DepositForfeited bool    `json:"depositForfeited,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	PaidAt           *string `json:"paidAt,omitempty"`
	ShippedAt        *string `json:"shippedAt,omitempty"`
	ReceivedAt       *string `json:"receivedAt,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		OrderNo:          o.OrderNo,
		SessionID:        o.SessionID,
		ItemID:           o.ItemID,
		Status:           string(o.Status),
		TotalAmount:      o.TotalAmount,
		Commission:       o.Commission,
		DepositAmount:    o.DepositAmount,
		BalanceAmount:    o.BalanceAmount,
		DepositForfeited: o.DepositForfeited,
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
		PaidAt:           formatTime(o.PaidAt),
		ShippedAt:        formatTime(o.ShippedAt),
		ReceivedAt:       formatTime(o.ReceivedAt),
	}
}

// GetOrders возвращает заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	orders, err := h.service.Orders(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get orders error", zap.Int64("userID", userID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ текущего пользователя по номеру.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.buyerOrder(w, r, h.service.Order, "get order error", http.StatusOK)
}

// PayOrder отмечает оплату заказа.
func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	h.buyerOrder(w, r, h.service.PayOrder, "pay order error", http.StatusOK)
}

// ReceiveOrder подтверждает получение лота.
func (h *Handler) ReceiveOrder(w http.ResponseWriter, r *http.Request) {
	h.buyerOrder(w, r, h.service.ReceiveOrder, "receive order error", http.StatusOK)
}

// CompleteOrder закрывает заказ.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.buyerOrder(w, r, h.service.CompleteOrder, "complete order error", http.StatusOK)
}

func (h *Handler) buyerOrder(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, buyerID int64, orderNo string) (*model.Order, error),
	msg string,
	status int,
) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	orderNo := chi.URLParam(r, "orderNo")
	order, err := op(r.Context(), userID, orderNo)
	if err != nil {
		h.writeError(w, err, msg, zap.Int64("userID", userID), zap.String("orderNo", orderNo))
		return
	}
	h.writeJSON(w, status, toOrderResponse(*order))
}

// ShipOrder отмечает отправку лота покупателю.
func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	order, err := h.service.ShipOrder(r.Context(), orderNo)
	if err != nil {
		h.writeError(w, err, "ship order error", zap.String("orderNo", orderNo))
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

type cancelOrderRequest struct {
	Refund bool `json:"refund"`
}

// CancelOrder отменяет неоплаченный заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	orderNo := chi.URLParam(r, "orderNo")
	order, err := h.service.CancelOrder(r.Context(), orderNo, req.Refund)
	if err != nil {
		h.writeError(w, err, "cancel order error", zap.String("orderNo", orderNo))
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(*order))
}
