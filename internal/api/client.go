// Package api is the typed client of the storefront remote API. Every call goes
// through the request pipeline, so credentials and renewal are handled there.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/pipeline"
	"github.com/rs/zerolog"
)

const maxErrorBody = 64 << 10

type Client struct {
	baseURL string
	doer    pipeline.Doer
	log     zerolog.Logger
}

func New(baseURL string, doer pipeline.Doer, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
		log:     log,
	}
}

// RefreshURL is the renewal endpoint the pipeline posts to.
func RefreshURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/auth/refresh"
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges user credentials for a token pair. A 401 here is a wrong
// password, not an expired session, so it bypasses renewal.
func (c *Client) Login(ctx context.Context, email, password string) (domain.Credentials, error) {
	var creds domain.Credentials
	err := c.call(pipeline.WithoutRenewal(ctx), http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &creds, nil)
	if err != nil {
		return domain.Credentials{}, err
	}
	if creds.AccessToken == "" {
		return domain.Credentials{}, errors.New("login response carried no access token")
	}
	return creds, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.call(pipeline.WithoutRenewal(ctx), http.MethodPost, "/auth/logout", logoutRequest{RefreshToken: refreshToken}, nil, nil)
}

// Products returns the catalog entries for ids. Unknown ids are omitted.
func (c *Client) Products(ctx context.Context, ids []string) ([]domain.Product, error) {
	path := "/products"
	if len(ids) > 0 {
		path += "?ids=" + url.QueryEscape(strings.Join(ids, ","))
	}
	var products []domain.Product
	if err := c.call(ctx, http.MethodGet, path, nil, &products, nil); err != nil {
		return nil, err
	}
	return products, nil
}

type CreateOrderRequest struct {
	Items           []domain.OrderItem `json:"items"`
	DeliveryAddress string             `json:"delivery_address"`
	Phone           string             `json:"phone,omitempty"`
	Comment         string             `json:"comment,omitempty"`
	DeliveryCost    float64            `json:"delivery_cost"`
}

// CreateOrder submits a new order. The server returns the same order for a
// repeated idempotency key.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest, idempotencyKey string) (domain.Order, error) {
	var o domain.Order
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	if err := c.call(ctx, http.MethodPost, "/orders", req, &o, headers); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	if err := c.call(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, &o, nil); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (c *Client) GetOrderByNumber(ctx context.Context, number string) (domain.Order, error) {
	var o domain.Order
	if err := c.call(ctx, http.MethodGet, "/orders/track/"+url.PathEscape(number), nil, &o, nil); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (c *Client) OrderHistory(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	var entries []domain.HistoryEntry
	if err := c.call(ctx, http.MethodGet, "/orders/"+url.PathEscape(id)+"/history", nil, &entries, nil); err != nil {
		return nil, err
	}
	return entries, nil
}

type StatusPatch struct {
	Status  domain.OrderStatus `json:"status"`
	Reason  string             `json:"reason,omitempty"`
	Comment string             `json:"comment,omitempty"`
}

func (c *Client) PatchStatus(ctx context.Context, id string, patch StatusPatch) (domain.Order, error) {
	var o domain.Order
	if err := c.call(ctx, http.MethodPatch, "/orders/"+url.PathEscape(id)+"/status", patch, &o, nil); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

type ListOrdersQuery struct {
	Status domain.OrderStatus
	Page   int
	Limit  int
}

type OrderPage struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}

// ListOrders is the staff listing.
func (c *Client) ListOrders(ctx context.Context, q ListOrdersQuery) (OrderPage, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/admin/orders"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var page OrderPage
	if err := c.call(ctx, http.MethodGet, path, nil, &page, nil); err != nil {
		return OrderPage{}, err
	}
	return page, nil
}

func (c *Client) Categories(ctx context.Context) ([]domain.Category, error) {
	var list []domain.Category
	if err := c.call(ctx, http.MethodGet, "/admin/categories", nil, &list, nil); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) CreateCategory(ctx context.Context, cat domain.Category) (domain.Category, error) {
	var out domain.Category
	if err := c.call(ctx, http.MethodPost, "/admin/categories", cat, &out, nil); err != nil {
		return domain.Category{}, err
	}
	return out, nil
}

func (c *Client) UpdateCategory(ctx context.Context, cat domain.Category) (domain.Category, error) {
	var out domain.Category
	if err := c.call(ctx, http.MethodPut, "/admin/categories/"+url.PathEscape(cat.ID), cat, &out, nil); err != nil {
		return domain.Category{}, err
	}
	return out, nil
}

func (c *Client) DeleteCategory(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/admin/categories/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any, headers map[string]string) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("api: call failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := newAPIError(resp.StatusCode, raw)
		c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Str("message", apiErr.Message).Msg("api: error response")
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
