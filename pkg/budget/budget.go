// Package budget implements the process-wide token budget accountant.
// Phases reserve tokens up front, record actual consumption against the
// reservation, and release whatever they did not use.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Category buckets token consumption by pipeline phase.
type Category string

const (
	CategoryAnalyze  Category = "analyze"
	CategoryPlan     Category = "plan"
	CategoryGenerate Category = "generate"
	CategoryValidate Category = "validate"
	CategoryAgentic  Category = "agentic"
)

var (
	// ErrInsufficientBudget is returned by Reserve when the requested
	// amount exceeds what is currently available.
	ErrInsufficientBudget = errors.New("insufficient token budget")

	// ErrInvalidReservation is returned when a reservation id is unknown.
	ErrInvalidReservation = errors.New("invalid reservation")

	// ErrReservationExceeded is returned by Consume when consumption would
	// exceed the reserved amount.
	ErrReservationExceeded = errors.New("reservation exceeded")
)

// DefaultWarningRatio is the used/total ratio at which the one-shot
// warning fires.
const DefaultWarningRatio = 0.8

// Reservation is a pre-committed slice of the budget owned by a single
// operation.
type Reservation struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Amount    int       `json:"amount"`
	Consumed  int       `json:"consumed"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is a point-in-time snapshot of budget state.
type Report struct {
	Total        int              `json:"total"`
	Used         int              `json:"used"`
	Reserved     int              `json:"reserved"`
	Available    int              `json:"available"`
	ByCategory   map[Category]int `json:"by_category"`
	Reservations []Reservation    `json:"reservations"`
	WarningFired bool             `json:"warning_fired"`
	Exceeded     bool             `json:"exceeded"`
}

// Callbacks deliver threshold signals. Both are optional and must not
// block; they are invoked outside the manager lock.
type Callbacks struct {
	OnWarning  func(used, total int)
	OnExceeded func(used, total int)
}

// Manager tracks total/used/reserved tokens and live reservations.
// All mutating operations are serialized by a mutex so the invariant
// used + reserved <= total holds for every successful operation.
type Manager struct {
	mu           sync.Mutex
	total        int
	used         int
	reserved     int
	warningRatio float64
	warningFired bool
	exceeded     bool
	byCategory   map[Category]int
	reservations map[string]*Reservation
	nextID       int
	callbacks    Callbacks
}

// Option configures a Manager.
type Option func(*Manager)

// WithWarningRatio overrides the default 0.8 warning threshold.
func WithWarningRatio(ratio float64) Option {
	return func(m *Manager) { m.warningRatio = ratio }
}

// WithCallbacks installs threshold callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.callbacks = cb }
}

// NewManager creates a budget manager with the given total token budget.
func NewManager(total int, opts ...Option) *Manager {
	m := &Manager{
		total:        total,
		warningRatio: DefaultWarningRatio,
		byCategory:   make(map[Category]int),
		reservations: make(map[string]*Reservation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve commits amount tokens to a category and returns the reservation
// id. Fails with ErrInsufficientBudget when amount exceeds available.
func (m *Manager) Reserve(category Category, amount int) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidReservation, amount)
	}

	m.mu.Lock()
	available := m.total - m.used - m.reserved
	if amount > available {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBudget, amount, available)
	}
	m.nextID++
	res := &Reservation{
		ID:        fmt.Sprintf("res_%d", m.nextID),
		Category:  category,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	m.reservations[res.ID] = res
	m.reserved += amount
	m.mu.Unlock()

	slog.Debug("Token budget reserved",
		"reservation_id", res.ID, "category", category, "amount", amount)
	return res.ID, nil
}

// Consume moves amount tokens from reserved to used and records them
// against the reservation's category. The reservation is removed once
// fully consumed.
func (m *Manager) Consume(reservationID string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidReservation, amount)
	}

	m.mu.Lock()
	res, ok := m.reservations[reservationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidReservation, reservationID)
	}
	if res.Consumed+amount > res.Amount {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s consumed %d + %d > reserved %d",
			ErrReservationExceeded, reservationID, res.Consumed, amount, res.Amount)
	}

	res.Consumed += amount
	m.used += amount
	m.reserved -= amount
	m.byCategory[res.Category] += amount
	if res.Consumed == res.Amount {
		delete(m.reservations, reservationID)
	}
	warn, exceeded := m.checkThresholdsLocked()
	used, total := m.used, m.total
	m.mu.Unlock()

	m.fireCallbacks(warn, exceeded, used, total)
	return nil
}

// Release returns the unconsumed remainder of a reservation to the
// available pool and removes the reservation.
func (m *Manager) Release(reservationID string) error {
	m.mu.Lock()
	res, ok := m.reservations[reservationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidReservation, reservationID)
	}
	m.reserved -= res.Amount - res.Consumed
	delete(m.reservations, reservationID)
	m.mu.Unlock()

	slog.Debug("Token reservation released",
		"reservation_id", reservationID, "unconsumed", res.Amount-res.Consumed)
	return nil
}

// CanAfford reports whether amount tokens are currently available.
func (m *Manager) CanAfford(amount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return amount <= m.total-m.used-m.reserved
}

// Remaining returns the currently available token count.
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total - m.used - m.reserved
}

// Used returns the total consumed token count.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Report returns a snapshot including per-category breakdown and live
// reservations.
func (m *Manager) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCat := make(map[Category]int, len(m.byCategory))
	for cat, n := range m.byCategory {
		byCat[cat] = n
	}
	reservations := make([]Reservation, 0, len(m.reservations))
	for _, res := range m.reservations {
		reservations = append(reservations, *res)
	}
	return Report{
		Total:        m.total,
		Used:         m.used,
		Reserved:     m.reserved,
		Available:    m.total - m.used - m.reserved,
		ByCategory:   byCat,
		Reservations: reservations,
		WarningFired: m.warningFired,
		Exceeded:     m.exceeded,
	}
}

// checkThresholdsLocked evaluates threshold crossings under the lock and
// returns which callbacks should fire. The warning fires once per manager;
// exceeded fires on every crossing check while used > total.
func (m *Manager) checkThresholdsLocked() (warn, exceeded bool) {
	if !m.warningFired && m.total > 0 &&
		float64(m.used)/float64(m.total) >= m.warningRatio {
		m.warningFired = true
		warn = true
	}
	if m.used > m.total {
		m.exceeded = true
		exceeded = true
	}
	return warn, exceeded
}

// fireCallbacks invokes threshold callbacks outside the lock. Callbacks
// never propagate errors; threshold signalling must not fail an operation.
func (m *Manager) fireCallbacks(warn, exceeded bool, used, total int) {
	if warn {
		slog.Warn("Token budget warning threshold reached", "used", used, "total", total)
		if m.callbacks.OnWarning != nil {
			m.callbacks.OnWarning(used, total)
		}
	}
	if exceeded {
		slog.Error("Token budget exceeded", "used", used, "total", total)
		if m.callbacks.OnExceeded != nil {
			m.callbacks.OnExceeded(used, total)
		}
	}
}
