package order

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/api"
	"github.com/fjod/go_cart/storefront/internal/clock"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/rs/zerolog"
)

type StatusAPI interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (domain.Order, error)
	PatchStatus(ctx context.Context, id string, patch api.StatusPatch) (domain.Order, error)
}

type Options struct {
	// Actor names the local user in optimistic history entries.
	Actor   func() string
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// State is the displayed status. Pending is set while a mutation awaits the server.
type State struct {
	Status  domain.OrderStatus
	Pending bool
}

// View is what the UI renders for one order.
type View struct {
	Order        domain.Order
	State        State
	History      []domain.HistoryEntry // confirmed, oldest first
	PendingEntry *domain.HistoryEntry
}

// Entries returns the confirmed history followed by the pending entry, if any.
func (v View) Entries() []domain.HistoryEntry {
	out := append([]domain.HistoryEntry(nil), v.History...)
	if v.PendingEntry != nil {
		out = append(out, *v.PendingEntry)
	}
	return out
}

// StagedCancel is a cancellation waiting for its reason.
type StagedCancel struct {
	OrderID     string
	OrderNumber string
	From        domain.OrderStatus
	Comment     string
	StagedAt    time.Time
}

type tracked struct {
	order    domain.Order // last server-confirmed state
	pending  *domain.HistoryEntry
	inFlight bool
}

type Manager struct {
	api  StatusAPI
	opts Options

	mu       sync.Mutex
	orders   map[string]*tracked
	byNumber map[string]string
	staged   *StagedCancel
}

func NewManager(statusAPI StatusAPI, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Actor == nil {
		opts.Actor = func() string { return "unknown" }
	}
	return &Manager{
		api:      statusAPI,
		opts:     opts,
		orders:   make(map[string]*tracked),
		byNumber: make(map[string]string),
	}
}

// Track registers o (or replaces the confirmed projection of an already tracked order).
func (m *Manager) Track(o domain.Order) View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked(m.reconcileLocked(o))
}

func (m *Manager) View(id string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.orders[id]
	if !ok {
		return View{}, false
	}
	return m.viewLocked(t), true
}

func (m *Manager) ViewByNumber(number string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.orders[m.byNumber[number]]
	if !ok {
		return View{}, false
	}
	return m.viewLocked(t), true
}

// Load fetches the order by id and starts tracking it.
func (m *Manager) Load(ctx context.Context, id string) (View, error) {
	o, err := m.api.GetOrder(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("loading order %s: %w", id, err)
	}
	return m.Track(o), nil
}

// LoadByNumber fetches the order by its public number and starts tracking it.
func (m *Manager) LoadByNumber(ctx context.Context, number string) (View, error) {
	o, err := m.api.GetOrderByNumber(ctx, number)
	if err != nil {
		return View{}, fmt.Errorf("loading order %s: %w", number, err)
	}
	return m.Track(o), nil
}

// Refresh re-reads a tracked order from the server.
func (m *Manager) Refresh(ctx context.Context, id string) (View, error) {
	m.mu.Lock()
	_, ok := m.orders[id]
	m.mu.Unlock()
	if !ok {
		return View{}, ErrUnknownOrder
	}
	return m.Load(ctx, id)
}

// ChangeStatus requests a transition. A cancellation is only staged: it is sent by
// ConfirmCancel once a reason is known. Any other target is sent right away.
func (m *Manager) ChangeStatus(ctx context.Context, id string, to domain.OrderStatus, comment string) (View, error) {
	m.mu.Lock()
	t, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrUnknownOrder
	}
	if t.inFlight {
		m.mu.Unlock()
		m.opts.Metrics.StatusChange("rejected")
		return View{}, ErrBusy
	}
	from := t.order.Status
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.opts.Metrics.StatusChange("rejected")
		return View{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if to == domain.StatusCancelled {
		m.staged = &StagedCancel{
			OrderID:     id,
			OrderNumber: t.order.OrderNumber,
			From:        from,
			Comment:     comment,
			StagedAt:    m.opts.Clock.Now(),
		}
		v := m.viewLocked(t)
		m.mu.Unlock()
		m.opts.Metrics.StatusChange("staged")
		m.opts.Logger.Debug().Str("order_id", id).Msg("order: cancellation staged")
		return v, nil
	}

	return m.send(ctx, t, to, comment, "")
}

// ConfirmCancel sends the staged cancellation with reason. Without a staged
// cancellation it does nothing and returns a zero View.
func (m *Manager) ConfirmCancel(ctx context.Context, reason string) (View, error) {
	m.mu.Lock()
	staged := m.staged
	if staged == nil {
		m.mu.Unlock()
		return View{}, nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		m.mu.Unlock()
		return View{}, ErrReasonRequired
	}

	t, ok := m.orders[staged.OrderID]
	if !ok {
		m.staged = nil
		m.mu.Unlock()
		return View{}, ErrUnknownOrder
	}
	if t.inFlight {
		m.mu.Unlock()
		m.opts.Metrics.StatusChange("rejected")
		return View{}, ErrBusy
	}
	if !CanTransition(t.order.Status, domain.StatusCancelled) {
		m.staged = nil
		m.mu.Unlock()
		m.opts.Metrics.StatusChange("rejected")
		return View{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.order.Status, domain.StatusCancelled)
	}

	m.staged = nil
	return m.send(ctx, t, domain.StatusCancelled, staged.Comment, reason)
}

// AbortCancel discards the staged cancellation and reports whether one existed.
func (m *Manager) AbortCancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.staged != nil
	m.staged = nil
	return had
}

func (m *Manager) Staged() (StagedCancel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged == nil {
		return StagedCancel{}, false
	}
	return *m.staged, true
}

// send must be called with m.mu held; it releases the lock for the network call.
func (m *Manager) send(ctx context.Context, t *tracked, to domain.OrderStatus, comment, reason string) (View, error) {
	entry := domain.HistoryEntry{
		ActorName:      m.opts.Actor(),
		PreviousStatus: t.order.Status,
		NewStatus:      to,
		ChangedAt:      m.opts.Clock.Now(),
		Comment:        comment,
		Reason:         reason,
	}
	t.pending = &entry
	t.inFlight = true
	id, number := t.order.ID, t.order.OrderNumber
	m.mu.Unlock()

	updated, err := m.api.PatchStatus(ctx, id, api.StatusPatch{Status: to, Reason: reason, Comment: comment})

	m.mu.Lock()
	defer m.mu.Unlock()
	t.inFlight = false
	t.pending = nil

	if err != nil {
		m.opts.Metrics.StatusChange("reverted")
		m.opts.Logger.Warn().Err(err).Str("order_id", id).Str("to", to.String()).Msg("order: status change failed, reverted")
		return m.viewLocked(t), fmt.Errorf("changing status of order %s: %w", number, err)
	}

	t = m.reconcileLocked(updated)
	if t.order.Status != to {
		m.opts.Logger.Info().Str("order_id", id).Str("requested", to.String()).Str("confirmed", t.order.Status.String()).Msg("order: server settled on a different status")
	}
	m.opts.Metrics.StatusChange("applied")
	return m.viewLocked(t), nil
}

// reconcileLocked stores the server's view of o; the server always wins over
// local state. A snapshot older than the one held is ignored.
func (m *Manager) reconcileLocked(o domain.Order) *tracked {
	t, ok := m.orders[o.ID]
	if !ok {
		t = &tracked{}
		m.orders[o.ID] = t
	}
	if t.order.ID != "" && olderSnapshot(t.order, o) {
		m.opts.Logger.Debug().
			Str("order_id", o.ID).
			Str("held", t.order.Status.String()).
			Str("received", o.Status.String()).
			Msg("order: ignoring stale server snapshot")
		return t
	}

	if o.History == nil && t.order.ID != "" {
		o.History = t.order.History
	}
	o.History = append([]domain.HistoryEntry(nil), o.History...)
	sort.SliceStable(o.History, func(i, j int) bool {
		return o.History[i].ChangedAt.Before(o.History[j].ChangedAt)
	})
	if err := ValidChain(o.StartStatus(), o.History); err != nil {
		m.opts.Logger.Warn().Err(err).Str("order_id", o.ID).Msg("order: server history does not chain")
	}

	t.order = o
	if o.OrderNumber != "" {
		m.byNumber[o.OrderNumber] = o.ID
	}
	if m.staged != nil && m.staged.OrderID == o.ID && o.Status.IsTerminal() {
		m.opts.Logger.Info().Str("order_id", o.ID).Msg("order: dropping staged cancellation of a finished order")
		m.staged = nil
	}
	return t
}

// olderSnapshot reports whether o predates held. Responses to requests issued
// before a status change can arrive after it.
func olderSnapshot(held, o domain.Order) bool {
	if o.UpdatedAt.Before(held.UpdatedAt) {
		return true
	}
	return o.History != nil && len(o.History) < len(held.History)
}

func (m *Manager) viewLocked(t *tracked) View {
	o := t.order
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	o.History = append([]domain.HistoryEntry(nil), o.History...)

	v := View{
		Order:   o,
		State:   State{Status: o.Status},
		History: append([]domain.HistoryEntry(nil), o.History...),
	}
	if t.pending != nil {
		p := *t.pending
		v.PendingEntry = &p
		v.State = State{Status: p.NewStatus, Pending: true}
	}
	return v
}
