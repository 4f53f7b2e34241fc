package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/ledger"
	"github.com/mmeshcher/auctionhouse/internal/model"
	"github.com/mmeshcher/auctionhouse/internal/service"
	"github.com/mmeshcher/auctionhouse/internal/settlement"
)

type createSessionRequest struct {
	Name            string             `json:"name"`
	StartTime       time.Time          `json:"startTime"`
	EndTime         time.Time          `json:"endTime"`
	DepositRatio    *decimal.Decimal   `json:"depositRatio"`
	CommissionRatio *decimal.Decimal   `json:"commissionRatio"`
	AntiSniping     *antiSnipingParams `json:"antiSniping"`
}

// CreateSession создаёт сессию. Незаданные ставки залога и комиссии берутся из настроек.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}

	in := service.SessionInput{
		Name:      req.Name,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	if req.AntiSniping != nil {
		in.AntiSniping = model.AntiSniping(*req.AntiSniping)
	}

	if req.DepositRatio == nil || req.CommissionRatio == nil {
		settings, err := h.service.Settings(r.Context())
		if err != nil {
			h.writeError(w, err, "load settings error")
			return
		}
		in.DepositRatio = settings.DefaultDepositRatio
		in.CommissionRatio = settings.DefaultCommissionRatio
	}
	if req.DepositRatio != nil {
		in.DepositRatio = *req.DepositRatio
	}
	if req.CommissionRatio != nil {
		in.CommissionRatio = *req.CommissionRatio
	}

	session, err := h.service.CreateSession(r.Context(), in)
	if err != nil {
		h.writeError(w, err, "create session error")
		return
	}
	h.writeJSON(w, http.StatusCreated, toSessionResponse(*session))
}

// ScheduleSession публикует сессию.
func (h *Handler) ScheduleSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	session, err := h.service.ScheduleSession(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err, "schedule session error", zap.Int64("sessionID", sessionID))
		return
	}
	h.writeJSON(w, http.StatusOK, toSessionResponse(*session))
}

type reportResponse struct {
	SessionID      int64 `json:"sessionId"`
	AlreadySettled bool  `json:"alreadySettled,omitempty"`
	Sold           int   `json:"sold"`
	Unsold         int   `json:"unsold"`
	Skipped        int   `json:"skipped"`
	Failed         int   `json:"failed"`
}

func toReportResponse(rep *settlement.Report) reportResponse {
	return reportResponse{
		SessionID:      rep.SessionID,
		AlreadySettled: rep.AlreadySettled,
		Sold:           rep.Sold,
		Unsold:         rep.Unsold,
		Skipped:        rep.Skipped,
		Failed:         rep.Failed,
	}
}

// CancelSession отменяет сессию и освобождает залоги участников.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	rep, err := h.service.CancelSession(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err, "cancel session error", zap.Int64("sessionID", sessionID))
		return
	}
	h.writeJSON(w, http.StatusOK, toReportResponse(rep))
}

// SettleSession запускает расчёт завершённой сессии вручную.
func (h *Handler) SettleSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	rep, err := h.service.SettleSession(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err, "settle session error", zap.Int64("sessionID", sessionID))
		return
	}
	h.writeJSON(w, http.StatusOK, toReportResponse(rep))
}

type createItemRequest struct {
	Title         string           `json:"title"`
	StartingPrice int64            `json:"startingPrice"`
	ReservePrice  *int64           `json:"reservePrice"`
	DepositRatio  *decimal.Decimal `json:"depositRatio"`
}

// CreateItem создаёт лот на модерации.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if !decode(w, r, &req) {
		return
	}

	item, err := h.service.CreateItem(r.Context(), service.ItemInput{
		Title:         req.Title,
		StartingPrice: req.StartingPrice,
		ReservePrice:  req.ReservePrice,
		DepositRatio:  req.DepositRatio,
	})
	if err != nil {
		h.writeError(w, err, "create item error")
		return
	}
	h.writeJSON(w, http.StatusCreated, toItemResponse(*item))
}

type assignItemRequest struct {
	SessionID *int64 `json:"sessionId"`
}

// AssignItem прикрепляет лот к сессии или открепляет его при пустом sessionId.
func (h *Handler) AssignItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req assignItemRequest
	if !decode(w, r, &req) {
		return
	}

	item, err := h.service.AssignItem(r.Context(), itemID, req.SessionID)
	if err != nil {
		h.writeError(w, err, "assign item error", zap.Int64("itemID", itemID))
		return
	}
	h.writeJSON(w, http.StatusOK, toItemResponse(*item))
}

// ApproveItem одобряет лот.
func (h *Handler) ApproveItem(w http.ResponseWriter, r *http.Request) {
	h.transitionItem(w, r, h.service.ApproveItem, "approve item error")
}

// RejectItem отклоняет лот.
func (h *Handler) RejectItem(w http.ResponseWriter, r *http.Request) {
	h.transitionItem(w, r, h.service.RejectItem, "reject item error")
}

// OfflineItem снимает лот с торгов.
func (h *Handler) OfflineItem(w http.ResponseWriter, r *http.Request) {
	h.transitionItem(w, r, h.service.OfflineItem, "offline item error")
}

func (h *Handler) transitionItem(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, itemID int64) (*model.Item, error),
	msg string,
) {
	itemID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	item, err := op(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err, msg, zap.Int64("itemID", itemID))
		return
	}
	h.writeJSON(w, http.StatusOK, toItemResponse(*item))
}

type reconcileResponse struct {
	UserID     int64    `json:"userId"`
	Consistent bool     `json:"consistent"`
	Replayed   int      `json:"replayed"`
	Mismatches []string `json:"mismatches,omitempty"`
}

func toReconcileResponse(rec *ledger.Reconciliation) reconcileResponse {
	return reconcileResponse{
		UserID:     rec.Account.UserID,
		Consistent: rec.Consistent(),
		Replayed:   rec.Replayed,
		Mismatches: rec.Mismatches,
	}
}

// Reconcile сверяет счёт текущего пользователя с журналом операций.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.reconcile(w, r, userID)
}

// ReconcileAccount сверяет счёт произвольного пользователя.
func (h *Handler) ReconcileAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	h.reconcile(w, r, userID)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request, userID int64) {
	rec, err := h.service.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "reconcile error", zap.Int64("userID", userID))
		return
	}
	h.writeJSON(w, http.StatusOK, toReconcileResponse(rec))
}

type settingsPayload struct {
	DefaultDepositRatio    decimal.Decimal       `json:"defaultDepositRatio"`
	DefaultCommissionRatio decimal.Decimal       `json:"defaultCommissionRatio"`
	IncrementTiers         []incrementTierParams `json:"incrementTiers"`
	UnpaidOrderDeadlineSec int64                 `json:"unpaidOrderDeadlineSec"`
	UnpaidPolicy           string                `json:"unpaidPolicy"`
	CountdownWindowSec     int64                 `json:"countdownWindowSec"`
}

type incrementTierParams struct {
	MinAmount       int64 `json:"minAmount"`
	MaxAmount       int64 `json:"maxAmount"`
	IncrementAmount int64 `json:"incrementAmount"`
}

func toSettingsPayload(s model.Settings) settingsPayload {
	p := settingsPayload{
		DefaultDepositRatio:    s.DefaultDepositRatio,
		DefaultCommissionRatio: s.DefaultCommissionRatio,
		UnpaidOrderDeadlineSec: int64(s.UnpaidOrderDeadline / time.Second),
		UnpaidPolicy:           string(s.UnpaidPolicy),
		CountdownWindowSec:     int64(s.CountdownWindow / time.Second),
	}
	for _, tier := range s.IncrementTiers {
		p.IncrementTiers = append(p.IncrementTiers, incrementTierParams(tier))
	}
	return p
}

func (p settingsPayload) settings() model.Settings {
	s := model.Settings{
		DefaultDepositRatio:    p.DefaultDepositRatio,
		DefaultCommissionRatio: p.DefaultCommissionRatio,
		UnpaidOrderDeadline:    time.Duration(p.UnpaidOrderDeadlineSec) * time.Second,
		UnpaidPolicy:           model.UnpaidPolicy(p.UnpaidPolicy),
		CountdownWindow:        time.Duration(p.CountdownWindowSec) * time.Second,
	}
	for _, tier := range p.IncrementTiers {
		s.IncrementTiers = append(s.IncrementTiers, model.IncrementTier(tier))
	}
	return s
}

// GetSettings возвращает действующие бизнес-параметры.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.Settings(r.Context())
	if err != nil {
		h.writeError(w, err, "get settings error")
		return
	}
	h.writeJSON(w, http.StatusOK, toSettingsPayload(settings))
}

// UpdateSettings заменяет бизнес-параметры целиком.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsPayload
	if !decode(w, r, &req) {
		return
	}

	settings := req.settings()
	if err := h.service.UpdateSettings(r.Context(), settings); err != nil {
		h.writeError(w, err, "update settings error")
		return
	}
	h.writeJSON(w, http.StatusOK, toSettingsPayload(settings))
}
