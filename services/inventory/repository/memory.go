package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
	"github.com/yashrajoria/order-saga/services/inventory/models"
)

type stockKey struct {
	ProductID   uuid.UUID
	WarehouseID string
}

// MemoryInventoryRepository is an in-memory InventoryRepository used in
// tests and single-node runs. Transactions are serialized on one mutex
// with snapshot-and-restore rollback.
type MemoryInventoryRepository struct {
	mu   sync.Mutex
	txMu sync.Mutex

	stocks       map[stockKey]*models.Stock
	reservations map[uuid.UUID]*models.Reservation
	byOrder      map[uuid.UUID]uuid.UUID
}

func NewMemoryInventoryRepository() *MemoryInventoryRepository {
	return &MemoryInventoryRepository{
		stocks:       make(map[stockKey]*models.Stock),
		reservations: make(map[uuid.UUID]*models.Reservation),
		byOrder:      make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *MemoryInventoryRepository) WithTx(ctx context.Context, fn func(repo InventoryRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	snapStocks, snapReservations, snapByOrder := r.snapshot()
	if err := fn(memTxRepo{r}); err != nil {
		r.mu.Lock()
		r.stocks = snapStocks
		r.reservations = snapReservations
		r.byOrder = snapByOrder
		r.mu.Unlock()
		return err
	}
	return nil
}

// memTxRepo is the view handed to a transaction callback. Nested WithTx
// joins the transaction already in flight.
type memTxRepo struct {
	*MemoryInventoryRepository
}

func (t memTxRepo) WithTx(ctx context.Context, fn func(repo InventoryRepository) error) error {
	return fn(t)
}

func (r *MemoryInventoryRepository) snapshot() (map[stockKey]*models.Stock, map[uuid.UUID]*models.Reservation, map[uuid.UUID]uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stocks := make(map[stockKey]*models.Stock, len(r.stocks))
	for k, v := range r.stocks {
		c := *v
		stocks[k] = &c
	}
	reservations := make(map[uuid.UUID]*models.Reservation, len(r.reservations))
	for k, v := range r.reservations {
		c := *v
		c.Lines = append([]models.ReservationLine(nil), v.Lines...)
		reservations[k] = &c
	}
	byOrder := make(map[uuid.UUID]uuid.UUID, len(r.byOrder))
	for k, v := range r.byOrder {
		byOrder[k] = v
	}
	return stocks, reservations, byOrder
}

func (r *MemoryInventoryRepository) GetStock(ctx context.Context, productID uuid.UUID, warehouseID string) (*models.Stock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stock, ok := r.stocks[stockKey{productID, warehouseID}]
	if !ok {
		return nil, commonerrors.ErrNotFound
	}
	c := *stock
	return &c, nil
}

func (r *MemoryInventoryRepository) UpsertStock(ctx context.Context, stock *models.Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *stock
	c.UpdatedAt = time.Now().UTC()
	r.stocks[stockKey{stock.ProductID, stock.WarehouseID}] = &c
	return nil
}

func (r *MemoryInventoryRepository) ReserveStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stock, ok := r.stocks[stockKey{productID, warehouseID}]
	if !ok || stock.Available < qty {
		return commonerrors.Wrap(commonerrors.ErrInsufficientStock,
			fmt.Errorf("product %s warehouse %s qty %d", productID, warehouseID, qty))
	}
	stock.Available -= qty
	stock.Reserved += qty
	stock.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryInventoryRepository) ReleaseStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stock, ok := r.stocks[stockKey{productID, warehouseID}]
	if !ok || stock.Reserved < qty {
		return fmt.Errorf("release stock: reserved below %d for product %s warehouse %s", qty, productID, warehouseID)
	}
	stock.Available += qty
	stock.Reserved -= qty
	stock.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryInventoryRepository) CommitStock(ctx context.Context, productID uuid.UUID, warehouseID string, qty int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stock, ok := r.stocks[stockKey{productID, warehouseID}]
	if !ok || stock.Reserved < qty {
		return fmt.Errorf("commit stock: reserved below %d for product %s warehouse %s", qty, productID, warehouseID)
	}
	stock.Reserved -= qty
	stock.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryInventoryRepository) CreateReservation(ctx context.Context, reservation *models.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reservation.ID == uuid.Nil {
		reservation.ID = uuid.New()
	}
	if _, exists := r.byOrder[reservation.OrderID]; exists {
		return fmt.Errorf("create reservation: order %s already has one", reservation.OrderID)
	}
	now := time.Now().UTC()
	c := *reservation
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Lines = append([]models.ReservationLine(nil), reservation.Lines...)
	for i := range c.Lines {
		if c.Lines[i].ID == uuid.Nil {
			c.Lines[i].ID = uuid.New()
		}
		c.Lines[i].ReservationID = c.ID
	}
	r.reservations[c.ID] = &c
	r.byOrder[c.OrderID] = c.ID
	*reservation = c
	return nil
}

func (r *MemoryInventoryRepository) GetReservationByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byOrder[orderID]
	if !ok {
		return nil, commonerrors.ErrReservationNotFound
	}
	reservation := r.reservations[id]
	c := *reservation
	c.Lines = append([]models.ReservationLine(nil), reservation.Lines...)
	return &c, nil
}

func (r *MemoryInventoryRepository) SetReservationStatus(ctx context.Context, reservationID uuid.UUID, from, to models.ReservationStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reservation, ok := r.reservations[reservationID]
	if !ok || reservation.Status != from {
		return false, nil
	}
	reservation.Status = to
	reservation.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryInventoryRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Reservation
	for _, reservation := range r.reservations {
		if reservation.Status == models.ReservationActive && reservation.ExpiresAt.Before(now) {
			c := *reservation
			c.Lines = append([]models.ReservationLine(nil), reservation.Lines...)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
