// Package apitest runs an in-process fake of the storefront remote API for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const BasePath = "/api/v1"

type user struct {
	password string
	name     string
	role     string
}

// PatchRecord is one status-patch call as received by the server.
type PatchRecord struct {
	OrderID string             `json:"-"`
	Status  domain.OrderStatus `json:"status"`
	Reason  string             `json:"reason,omitempty"`
	Comment string             `json:"comment,omitempty"`
}

type Server struct {
	srv    *httptest.Server
	secret []byte
	now    func() time.Time

	mu          sync.Mutex
	users       map[string]user
	access      map[string]string // access token -> email
	refresh     map[string]string // refresh token -> email
	products    map[string]domain.Product
	orders      map[string]*domain.Order
	byNumber    map[string]string
	idempotency map[string]string
	categories  []domain.Category
	patches     []PatchRecord
	seq         int

	failRefresh   bool
	refreshDelay  time.Duration
	patchDelay    time.Duration
	patchFailure  int
	patchOverride domain.OrderStatus
	rotateRefresh bool

	refreshCalls atomic.Int32
	createCalls  atomic.Int32
	patchCalls   atomic.Int32
}

// New starts the fake server; it is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		secret:      []byte("apitest-secret"),
		now:         func() time.Time { return time.Now().UTC() },
		users:       make(map[string]user),
		access:      make(map[string]string),
		refresh:     make(map[string]string),
		products:    make(map[string]domain.Product),
		orders:      make(map[string]*domain.Order),
		byNumber:    make(map[string]string),
		idempotency: make(map[string]string),
	}
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the versioned API base.
func (s *Server) URL() string { return s.srv.URL + BasePath }

func (s *Server) Client() *http.Client { return s.srv.Client() }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route(BasePath, func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refreshToken)
		r.Post("/auth/logout", s.logout)
		r.Get("/products", s.listProducts)
		r.Get("/orders/track/{number}", s.trackOrder)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/orders", s.createOrder)
			r.Get("/orders/{id}", s.getOrder)
			r.Get("/orders/{id}/history", s.orderHistory)
			r.Patch("/orders/{id}/status", s.patchStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate, requireRole("admin"))
			r.Get("/admin/orders", s.listOrders)
			r.Get("/admin/categories", s.listCategories)
			r.Post("/admin/categories", s.createCategory)
			r.Put("/admin/categories/{id}", s.updateCategory)
			r.Delete("/admin/categories/{id}", s.deleteCategory)
		})
	})
	return r
}

// --- seeding ---

func (s *Server) AddUser(email, password, name, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = user{password: password, name: name, role: role}
}

func (s *Server) AddProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// SeedOrder stores o as is, assigning an id and number when missing.
func (s *Server) SeedOrder(o domain.Order) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.OrderNumber == "" {
		s.seq++
		o.OrderNumber = fmt.Sprintf("SF-%05d", s.seq)
	}
	if o.Status == "" {
		o.Status = domain.StatusPending
	}
	if o.InitialStatus == "" {
		o.InitialStatus = o.Status
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	stored := o
	s.orders[o.ID] = &stored
	s.byNumber[o.OrderNumber] = o.ID
	return o
}

// Issue mints a token pair for email without a login call.
func (s *Server) Issue(email string) domain.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(email)
}

// --- fault injection ---

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RotateRefreshTokens makes renewals return a new refresh token too.
func (s *Server) RotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

func (s *Server) SetPatchDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchDelay = d
}

// FailPatches makes status patches answer with status. Zero restores normal handling.
func (s *Server) FailPatches(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchFailure = status
}

// OverridePatchResult makes the server settle every accepted patch on status.
func (s *Server) OverridePatchResult(status domain.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchOverride = status
}

// Advance moves an order on the server side, as staff on another device would.
func (s *Server) Advance(id string, to domain.OrderStatus, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return
	}
	s.applyLocked(o, to, actor, "", "")
}

// --- inspection ---

func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }
func (s *Server) CreateCalls() int  { return int(s.createCalls.Load()) }
func (s *Server) PatchCalls() int   { return int(s.patchCalls.Load()) }

func (s *Server) Patches() []PatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PatchRecord(nil), s.patches...)
}

func (s *Server) Order(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return copyOrder(o), true
}

func (s *Server) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

// --- helpers ---

type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Message: message, Code: code})
}

func copyOrder(o *domain.Order) domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	c.History = append([]domain.HistoryEntry(nil), o.History...)
	return c
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
