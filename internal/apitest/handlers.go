package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type claimsKey struct{}

var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.StatusPending:    {domain.StatusConfirmed, domain.StatusCancelled},
	domain.StatusConfirmed:  {domain.StatusPreparing, domain.StatusCancelled},
	domain.StatusPreparing:  {domain.StatusReady, domain.StatusCancelled},
	domain.StatusReady:      {domain.StatusDelivering, domain.StatusCompleted, domain.StatusCancelled},
	domain.StatusDelivering: {domain.StatusCompleted, domain.StatusCancelled},
}

func allowed(from, to domain.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// --- auth ---

func (s *Server) issueLocked(email string) domain.Credentials {
	u := s.users[email]
	claims := jwt.MapClaims{
		"sub":   email,
		"email": email,
		"name":  u.name,
		"role":  u.role,
		"jti":   uuid.NewString(),
		"exp":   s.now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("apitest: signing token: %v", err))
	}
	refresh := uuid.NewString()
	s.access[signed] = email
	s.refresh[refresh] = email
	return domain.Credentials{AccessToken: signed, RefreshToken: refresh}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		s.mu.Lock()
		_, ok := s.access[tok]
		s.mu.Unlock()
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthenticated", "token expired")
			return
		}

		parsed, err := jwt.Parse(tok, func(*jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			respondError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		claims, _ := parsed.Claims.(jwt.MapClaims)
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claimString(r.Context(), "role") != role {
				respondError(w, http.StatusForbidden, "forbidden", "staff access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func claimString(ctx context.Context, key string) string {
	claims, _ := ctx.Value(claimsKey{}).(jwt.MapClaims)
	v, _ := claims[key].(string)
	return v
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[req.Email]
	if !ok || u.password != req.Password {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	respondJSON(w, http.StatusOK, s.issueLocked(req.Email))
}

type refreshAnswer struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.refresh[req.RefreshToken]
	if s.failRefresh || !ok {
		respondError(w, http.StatusUnauthorized, "refresh_expired", "refresh token expired")
		return
	}

	fresh := s.issueLocked(email)
	answer := refreshAnswer{AccessToken: fresh.AccessToken}
	if s.rotateRefresh {
		delete(s.refresh, req.RefreshToken)
		answer.RefreshToken = fresh.RefreshToken
	} else {
		delete(s.refresh, fresh.RefreshToken)
	}
	respondJSON(w, http.StatusOK, answer)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	delete(s.refresh, req.RefreshToken)
	delete(s.access, bearer(r))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// --- catalog ---

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Product, 0)
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if p, ok := s.products[id]; ok {
				out = append(out, p)
			}
		}
	} else {
		for _, p := range s.products {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	respondJSON(w, http.StatusOK, out)
}

// --- orders ---

type createOrderBody struct {
	Items           []domain.OrderItem `json:"items"`
	DeliveryAddress string             `json:"delivery_address"`
	Phone           string             `json:"phone"`
	Comment         string             `json:"comment"`
	DeliveryCost    float64            `json:"delivery_cost"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	s.createCalls.Add(1)

	var req createOrderBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "empty_order", "order has no items")
		return
	}
	if strings.TrimSpace(req.DeliveryAddress) == "" {
		respondError(w, http.StatusUnprocessableEntity, "invalid_address", "delivery address is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Header.Get("Idempotency-Key")
	if id, ok := s.idempotency[key]; ok && key != "" {
		respondJSON(w, http.StatusOK, copyOrder(s.orders[id]))
		return
	}

	total := req.DeliveryCost
	for i, it := range req.Items {
		if it.Quantity <= 0 {
			respondError(w, http.StatusUnprocessableEntity, "invalid_quantity", "item quantity must be positive")
			return
		}
		if it.ProductName == "" {
			req.Items[i].ProductName = s.products[it.ProductID].Name
		}
		total += it.UnitPrice * float64(it.Quantity)
	}

	s.seq++
	now := s.now()
	o := &domain.Order{
		ID:              uuid.NewString(),
		OrderNumber:     fmt.Sprintf("SF-%05d", s.seq),
		Status:          domain.StatusPending,
		InitialStatus:   domain.StatusPending,
		TotalAmount:     total,
		DeliveryCost:    req.DeliveryCost,
		DeliveryAddress: req.DeliveryAddress,
		Phone:           req.Phone,
		Comment:         req.Comment,
		Items:           req.Items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.orders[o.ID] = o
	s.byNumber[o.OrderNumber] = o.ID
	if key != "" {
		s.idempotency[key] = o.ID
	}
	respondJSON(w, http.StatusCreated, copyOrder(o))
}

func notFound(w http.ResponseWriter) {
	respondJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]string{"code": "not_found", "message": "order not found"},
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[chi.URLParam(r, "id")]
	if !ok {
		notFound(w)
		return
	}
	respondJSON(w, http.StatusOK, copyOrder(o))
}

func (s *Server) trackOrder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNumber[chi.URLParam(r, "number")]
	if !ok {
		notFound(w)
		return
	}
	respondJSON(w, http.StatusOK, copyOrder(s.orders[id]))
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[chi.URLParam(r, "id")]
	if !ok {
		notFound(w)
		return
	}
	respondJSON(w, http.StatusOK, append([]domain.HistoryEntry{}, o.History...))
}

func (s *Server) patchStatus(w http.ResponseWriter, r *http.Request) {
	s.patchCalls.Add(1)
	id := chi.URLParam(r, "id")

	var req PatchRecord
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	req.OrderID = id

	s.mu.Lock()
	s.patches = append(s.patches, req)
	delay, failure, override := s.patchDelay, s.patchFailure, s.patchOverride
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failure != 0 {
		respondError(w, failure, "status_update_failed", "status update failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		notFound(w)
		return
	}
	if req.Status == domain.StatusCancelled && strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusUnprocessableEntity, "reason_required", "cancellation reason is required")
		return
	}
	if !allowed(o.Status, req.Status) {
		respondError(w, http.StatusConflict, "invalid_transition",
			fmt.Sprintf("transition from %s to %s is not allowed", o.Status, req.Status))
		return
	}

	target := req.Status
	if override != "" {
		target = override
	}
	actor := claimString(r.Context(), "name")
	if actor == "" {
		actor = claimString(r.Context(), "email")
	}
	s.applyLocked(o, target, actor, req.Comment, req.Reason)
	respondJSON(w, http.StatusOK, copyOrder(o))
}

func (s *Server) applyLocked(o *domain.Order, to domain.OrderStatus, actor, comment, reason string) {
	at := s.now()
	if n := len(o.History); n > 0 && !at.After(o.History[n-1].ChangedAt) {
		at = o.History[n-1].ChangedAt.Add(time.Millisecond)
	}
	o.History = append(o.History, domain.HistoryEntry{
		ActorName:      actor,
		PreviousStatus: o.Status,
		NewStatus:      to,
		ChangedAt:      at,
		Comment:        comment,
		Reason:         reason,
	})
	o.Status = to
	o.UpdatedAt = at
}

type orderPage struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = 20
	}
	status := domain.OrderStatus(q.Get("status"))

	all := s.Orders()
	filtered := make([]domain.Order, 0, len(all))
	for _, o := range all {
		if status == "" || o.Status == status {
			filtered = append(filtered, o)
		}
	}

	start := (page - 1) * limit
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	respondJSON(w, http.StatusOK, orderPage{Orders: filtered[start:end], Total: len(filtered), Page: page, Limit: limit})
}

// --- categories ---

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.Category{}, s.categories...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var c domain.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(c.Name) == "" {
		respondError(w, http.StatusUnprocessableEntity, "invalid_name", "category name is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.NewString()
	c.Slug = slugify(c.Name)
	if c.Position == 0 {
		c.Position = len(s.categories) + 1
	}
	s.categories = append(s.categories, c)
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) updateCategory(w http.ResponseWriter, r *http.Request) {
	var in domain.Category
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.categories {
		if s.categories[i].ID != id {
			continue
		}
		if in.Name != "" {
			s.categories[i].Name = in.Name
			s.categories[i].Slug = slugify(in.Name)
		}
		if in.Position != 0 {
			s.categories[i].Position = in.Position
		}
		respondJSON(w, http.StatusOK, s.categories[i])
		return
	}
	respondError(w, http.StatusNotFound, "not_found", "category not found")
}

func (s *Server) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.categories {
		if s.categories[i].ID == id {
			s.categories = append(s.categories[:i], s.categories[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	respondError(w, http.StatusNotFound, "not_found", "category not found")
}

func slugify(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}
