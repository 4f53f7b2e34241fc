package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

type resultKey struct {
	sessionID int64
	itemID    int64
}

type memoryData struct {
	settings     model.Settings
	accounts     map[int64]model.DepositAccount
	transactions []model.DepositTransaction
	items        map[int64]model.Item
	sessions     map[int64]model.Session
	bids         []model.Bid
	results      map[resultKey]model.AuctionResult
	orders       map[uuid.UUID]model.Order
	seq          int64
}

func (d *memoryData) clone() memoryData {
	c := memoryData{
		settings:     d.settings,
		accounts:     make(map[int64]model.DepositAccount, len(d.accounts)),
		transactions: append([]model.DepositTransaction(nil), d.transactions...),
		items:        make(map[int64]model.Item, len(d.items)),
		sessions:     make(map[int64]model.Session, len(d.sessions)),
		bids:         append([]model.Bid(nil), d.bids...),
		results:      make(map[resultKey]model.AuctionResult, len(d.results)),
		orders:       make(map[uuid.UUID]model.Order, len(d.orders)),
		seq:          d.seq,
	}
	c.settings.IncrementTiers = append([]model.IncrementTier(nil), d.settings.IncrementTiers...)
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.results {
		c.results[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	return c
}

type memoryTxKey struct{}

// MemoryRepository хранит данные в памяти процесса.
// Используется при запуске без DATABASE_URI и в тестах движков.
// InTx сериализует транзакции и откатывает изменения при ошибке.
type MemoryRepository struct {
	mu   sync.Mutex
	data memoryData
}

// NewMemoryRepository создаёт пустое хранилище с настройками по умолчанию.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data: memoryData{
			settings: model.DefaultSettings(),
			accounts: make(map[int64]model.DepositAccount),
			items:    make(map[int64]model.Item),
			sessions: make(map[int64]model.Session),
			results:  make(map[resultKey]model.AuctionResult),
			orders:   make(map[uuid.UUID]model.Order),
		},
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// InTx выполняет fn атомарно. Вложенный вызов присоединяется к внешней транзакции.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.inTx(ctx) {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.data.clone()
	if err := fn(context.WithValue(ctx, memoryTxKey{}, r)); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *MemoryRepository) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memoryTxKey{}).(*MemoryRepository)
	return owner == r
}

func (r *MemoryRepository) lock(ctx context.Context) func() {
	if r.inTx(ctx) {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *MemoryRepository) nextID() int64 {
	r.data.seq++
	return r.data.seq
}

// Settings возвращает бизнес-параметры.
func (r *MemoryRepository) Settings(ctx context.Context) (model.Settings, error) {
	defer r.lock(ctx)()
	s := r.data.settings
	s.IncrementTiers = append([]model.IncrementTier(nil), s.IncrementTiers...)
	return s, nil
}

// SaveSettings заменяет бизнес-параметры.
func (r *MemoryRepository) SaveSettings(ctx context.Context, s model.Settings) error {
	defer r.lock(ctx)()
	s.IncrementTiers = append([]model.IncrementTier(nil), s.IncrementTiers...)
	r.data.settings = s
	return nil
}

// EnsureAccount создаёт счёт пользователя, если его ещё нет.
func (r *MemoryRepository) EnsureAccount(ctx context.Context, userID int64) error {
	defer r.lock(ctx)()
	if _, ok := r.data.accounts[userID]; ok {
		return nil
	}
	now := time.Now()
	r.data.accounts[userID] = model.DepositAccount{
		ID:        r.nextID(),
		UserID:    userID,
		Status:    model.AccountStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// LockAccount возвращает счёт пользователя. В памяти блокировку даёт сама транзакция.
func (r *MemoryRepository) LockAccount(ctx context.Context, userID int64) (*model.DepositAccount, error) {
	return r.GetAccount(ctx, userID)
}

// GetAccount возвращает счёт пользователя.
func (r *MemoryRepository) GetAccount(ctx context.Context, userID int64) (*model.DepositAccount, error) {
	defer r.lock(ctx)()
	a, ok := r.data.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account of user %d", auctionerrors.ErrNotFound, userID)
	}
	return &a, nil
}

// SaveAccount сохраняет балансы счёта.
func (r *MemoryRepository) SaveAccount(ctx context.Context, account *model.DepositAccount) error {
	defer r.lock(ctx)()
	if _, ok := r.data.accounts[account.UserID]; !ok {
		return fmt.Errorf("%w: account of user %d", auctionerrors.ErrNotFound, account.UserID)
	}
	r.data.accounts[account.UserID] = *account
	return nil
}

// AddTransaction добавляет запись в журнал.
func (r *MemoryRepository) AddTransaction(ctx context.Context, tx *model.DepositTransaction) error {
	defer r.lock(ctx)()
	r.data.transactions = append(r.data.transactions, *tx)
	return nil
}

// ListTransactions возвращает записи журнала пользователя, новые первыми.
func (r *MemoryRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.DepositTransaction, error) {
	defer r.lock(ctx)()
	var res []model.DepositTransaction
	for i := len(r.data.transactions) - 1; i >= 0; i-- {
		tx := r.data.transactions[i]
		if tx.UserID != userID {
			continue
		}
		res = append(res, tx)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// CreateItem сохраняет новый лот и присваивает ему идентификатор.
func (r *MemoryRepository) CreateItem(ctx context.Context, item *model.Item) error {
	defer r.lock(ctx)()
	item.ID = r.nextID()
	r.data.items[item.ID] = *item
	return nil
}

// GetItem возвращает лот.
func (r *MemoryRepository) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	defer r.lock(ctx)()
	item, ok := r.data.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %d", auctionerrors.ErrNotFound, id)
	}
	return &item, nil
}

// LockItem возвращает лот для изменения в текущей транзакции.
func (r *MemoryRepository) LockItem(ctx context.Context, id int64) (*model.Item, error) {
	return r.GetItem(ctx, id)
}

// ListSessionItems возвращает лоты сессии по возрастанию идентификатора.
func (r *MemoryRepository) ListSessionItems(ctx context.Context, sessionID int64) ([]model.Item, error) {
	defer r.lock(ctx)()
	var res []model.Item
	for _, item := range r.data.items {
		if item.InSession(sessionID) {
			res = append(res, item)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// SetItemSession прикрепляет лот к сессии или открепляет его при nil.
func (r *MemoryRepository) SetItemSession(ctx context.Context, itemID int64, sessionID *int64, now time.Time) error {
	defer r.lock(ctx)()
	item, ok := r.data.items[itemID]
	if !ok {
		return fmt.Errorf("%w: item %d", auctionerrors.ErrNotFound, itemID)
	}
	item.SessionID = sessionID
	item.UpdatedAt = now
	r.data.items[itemID] = item
	return nil
}

// UpdateItemPrice сохраняет новую текущую цену и лидирующую ставку.
func (r *MemoryRepository) UpdateItemPrice(ctx context.Context, itemID, price int64, bidID uuid.UUID, now time.Time) error {
	defer r.lock(ctx)()
	item, ok := r.data.items[itemID]
	if !ok {
		return fmt.Errorf("%w: item %d", auctionerrors.ErrNotFound, itemID)
	}
	item.CurrentPrice = price
	item.HighestBidID = &bidID
	item.UpdatedAt = now
	r.data.items[itemID] = item
	return nil
}

// SaveItemStatus сохраняет статус лота, если в хранилище он всё ещё равен from.
func (r *MemoryRepository) SaveItemStatus(ctx context.Context, item *model.Item, from model.ItemStatus) (bool, error) {
	defer r.lock(ctx)()
	stored, ok := r.data.items[item.ID]
	if !ok {
		return false, fmt.Errorf("%w: item %d", auctionerrors.ErrNotFound, item.ID)
	}
	if stored.Status != from {
		return false, nil
	}
	stored.Status = item.Status
	stored.UpdatedAt = item.UpdatedAt
	r.data.items[item.ID] = stored
	return true, nil
}

// CreateSession сохраняет новую сессию и присваивает ей идентификатор.
func (r *MemoryRepository) CreateSession(ctx context.Context, session *model.Session) error {
	defer r.lock(ctx)()
	session.ID = r.nextID()
	r.data.sessions[session.ID] = *session
	return nil
}

// GetSession возвращает сессию.
func (r *MemoryRepository) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	defer r.lock(ctx)()
	s, ok := r.data.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %d", auctionerrors.ErrNotFound, id)
	}
	return &s, nil
}

// ListSessionsByStatus возвращает сессии в указанном статусе по возрастанию идентификатора.
func (r *MemoryRepository) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error) {
	defer r.lock(ctx)()
	var res []model.Session
	for _, s := range r.data.sessions {
		if s.Status == status {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// SaveSessionStatus сохраняет статус сессии, если предусловие всё ещё выполняется.
// Для перехода в RUNNING требуется StartTime <= dueBy, для ENDED требуется EndTime <= dueBy.
// Нулевой dueBy отключает проверку времени.
func (r *MemoryRepository) SaveSessionStatus(ctx context.Context, session *model.Session, from model.SessionStatus, dueBy time.Time) (bool, error) {
	defer r.lock(ctx)()
	stored, ok := r.data.sessions[session.ID]
	if !ok {
		return false, fmt.Errorf("%w: session %d", auctionerrors.ErrNotFound, session.ID)
	}
	if stored.Status != from {
		return false, nil
	}
	if !dueBy.IsZero() {
		switch session.Status {
		case model.SessionStatusRunning:
			if stored.StartTime.After(dueBy) {
				return false, nil
			}
		case model.SessionStatusEnded:
			if stored.EndTime.After(dueBy) {
				return false, nil
			}
		}
	}
	stored.Status = session.Status
	stored.UpdatedAt = session.UpdatedAt
	r.data.sessions[session.ID] = stored
	return true, nil
}

// ExtendSession переносит окончание сессии, если счётчик продлений не изменился.
func (r *MemoryRepository) ExtendSession(ctx context.Context, sessionID int64, expectedCount int, newEnd, now time.Time) (bool, error) {
	defer r.lock(ctx)()
	s, ok := r.data.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: session %d", auctionerrors.ErrNotFound, sessionID)
	}
	if s.Status != model.SessionStatusRunning || s.ExtendCount != expectedCount || !newEnd.After(s.EndTime) {
		return false, nil
	}
	s.EndTime = newEnd
	s.ExtendCount++
	s.UpdatedAt = now
	r.data.sessions[sessionID] = s
	return true, nil
}

// MarkSessionSettled выставляет признак завершённого расчёта.
func (r *MemoryRepository) MarkSessionSettled(ctx context.Context, sessionID int64, now time.Time) (bool, error) {
	defer r.lock(ctx)()
	s, ok := r.data.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: session %d", auctionerrors.ErrNotFound, sessionID)
	}
	if s.Settled {
		return false, nil
	}
	s.Settled = true
	s.UpdatedAt = now
	r.data.sessions[sessionID] = s
	return true, nil
}

// CreateBid сохраняет ставку.
func (r *MemoryRepository) CreateBid(ctx context.Context, bid *model.Bid) error {
	defer r.lock(ctx)()
	r.data.bids = append(r.data.bids, *bid)
	return nil
}

// SetBidStatus меняет статус ставки.
func (r *MemoryRepository) SetBidStatus(ctx context.Context, bidID uuid.UUID, status model.BidStatus) error {
	defer r.lock(ctx)()
	for i := range r.data.bids {
		if r.data.bids[i].ID == bidID {
			r.data.bids[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: bid %s", auctionerrors.ErrNotFound, bidID)
}

// HighestBid возвращает действующую лидирующую ставку по лоту.
func (r *MemoryRepository) HighestBid(ctx context.Context, itemID int64) (*model.Bid, error) {
	defer r.lock(ctx)()
	var best *model.Bid
	for i := range r.data.bids {
		b := r.data.bids[i]
		if b.ItemID != itemID || b.Status != model.BidStatusValid {
			continue
		}
		if best == nil || b.Amount > best.Amount {
			best = &b
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no valid bid for item %d", auctionerrors.ErrNotFound, itemID)
	}
	return best, nil
}

// LatestUserBid возвращает последнюю ставку пользователя по лоту, не считая недействительных.
func (r *MemoryRepository) LatestUserBid(ctx context.Context, itemID, userID int64) (*model.Bid, error) {
	defer r.lock(ctx)()
	for i := len(r.data.bids) - 1; i >= 0; i-- {
		b := r.data.bids[i]
		if b.ItemID == itemID && b.UserID == userID && b.Status != model.BidStatusInvalid {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("%w: no bid of user %d for item %d", auctionerrors.ErrNotFound, userID, itemID)
}

// ListBids возвращает историю ставок по лоту, новые первыми.
func (r *MemoryRepository) ListBids(ctx context.Context, itemID int64) ([]model.Bid, error) {
	defer r.lock(ctx)()
	var res []model.Bid
	for i := len(r.data.bids) - 1; i >= 0; i-- {
		if r.data.bids[i].ItemID == itemID {
			res = append(res, r.data.bids[i])
		}
	}
	return res, nil
}

// ListHolders возвращает последнюю ставку каждого участника торгов по лоту.
func (r *MemoryRepository) ListHolders(ctx context.Context, itemID int64) ([]model.Bid, error) {
	defer r.lock(ctx)()
	seen := make(map[int64]bool)
	var res []model.Bid
	for i := len(r.data.bids) - 1; i >= 0; i-- {
		b := r.data.bids[i]
		if b.ItemID != itemID || b.Status == model.BidStatusInvalid || seen[b.UserID] {
			continue
		}
		seen[b.UserID] = true
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

// GetResult возвращает итог торгов по лоту в сессии.
func (r *MemoryRepository) GetResult(ctx context.Context, sessionID, itemID int64) (*model.AuctionResult, error) {
	defer r.lock(ctx)()
	res, ok := r.data.results[resultKey{sessionID, itemID}]
	if !ok {
		return nil, fmt.Errorf("%w: result for item %d in session %d", auctionerrors.ErrNotFound, itemID, sessionID)
	}
	return &res, nil
}

// CreateResult сохраняет итог торгов. Повторная запись для той же пары возвращает ErrAlreadySettled.
func (r *MemoryRepository) CreateResult(ctx context.Context, result *model.AuctionResult) error {
	defer r.lock(ctx)()
	key := resultKey{result.SessionID, result.ItemID}
	if _, ok := r.data.results[key]; ok {
		return fmt.Errorf("%w: item %d in session %d", auctionerrors.ErrAlreadySettled, result.ItemID, result.SessionID)
	}
	r.data.results[key] = *result
	return nil
}

// ListResults возвращает итоги сессии по возрастанию идентификатора лота.
func (r *MemoryRepository) ListResults(ctx context.Context, sessionID int64) ([]model.AuctionResult, error) {
	defer r.lock(ctx)()
	var res []model.AuctionResult
	for k, v := range r.data.results {
		if k.sessionID == sessionID {
			res = append(res, v)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ItemID < res[j].ItemID })
	return res, nil
}

// CreateOrder сохраняет заказ.
func (r *MemoryRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	defer r.lock(ctx)()
	for _, o := range r.data.orders {
		if o.OrderNo == order.OrderNo {
			return fmt.Errorf("order number %s already exists", order.OrderNo)
		}
	}
	r.data.orders[order.ID] = *order
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *MemoryRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	defer r.lock(ctx)()
	o, ok := r.data.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", auctionerrors.ErrNotFound, id)
	}
	return &o, nil
}

// GetOrderByNo возвращает заказ по номеру.
func (r *MemoryRepository) GetOrderByNo(ctx context.Context, orderNo string) (*model.Order, error) {
	defer r.lock(ctx)()
	for _, o := range r.data.orders {
		if o.OrderNo == orderNo {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s", auctionerrors.ErrNotFound, orderNo)
}

// ListBuyerOrders возвращает заказы покупателя, новые первыми.
func (r *MemoryRepository) ListBuyerOrders(ctx context.Context, buyerID int64) ([]model.Order, error) {
	defer r.lock(ctx)()
	var res []model.Order
	for _, o := range r.data.orders {
		if o.BuyerID == buyerID {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// ListOrdersByStatus возвращает заказы в статусе status, созданные раньше createdBefore.
// Нулевой createdBefore отключает фильтр по времени.
func (r *MemoryRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, createdBefore time.Time) ([]model.Order, error) {
	defer r.lock(ctx)()
	var res []model.Order
	for _, o := range r.data.orders {
		if o.Status != status {
			continue
		}
		if !createdBefore.IsZero() && !o.CreatedAt.Before(createdBefore) {
			continue
		}
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// SaveOrderStatus сохраняет статус заказа и связанные поля, если в хранилище статус всё ещё равен from.
func (r *MemoryRepository) SaveOrderStatus(ctx context.Context, order *model.Order, from model.OrderStatus) (bool, error) {
	defer r.lock(ctx)()
	stored, ok := r.data.orders[order.ID]
	if !ok {
		return false, fmt.Errorf("%w: order %s", auctionerrors.ErrNotFound, order.ID)
	}
	if stored.Status != from {
		return false, nil
	}
	stored.Status = order.Status
	stored.DepositForfeited = order.DepositForfeited
	stored.PaidAt = order.PaidAt
	stored.ShippedAt = order.ShippedAt
	stored.ReceivedAt = order.ReceivedAt
	stored.UpdatedAt = order.UpdatedAt
	r.data.orders[order.ID] = stored
	return true, nil
}
