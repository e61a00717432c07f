// Package cloud talks to the central order and catalog REST API.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"possync/internal/config"
	"possync/internal/domain"
)

// APIError is a non-2xx answer from the cloud.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client performs the calls the sync engine and master data cache need.
// It does not retry; retry policy belongs to the caller's queue.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(cfg config.CloudConfig, tenantID int64, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-Tenant-ID", strconv.FormatInt(tenantID, 10))
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:   client,
		logger: logger,
	}
}

type orderGroupItem struct {
	Product             int64   `json:"product"`
	ProductName         string  `json:"product_name"`
	Quantity            int     `json:"quantity"`
	UnitPrice           float64 `json:"unit_price"`
	Modifiers           []int64 `json:"modifiers"`
	ModifiersPrice      float64 `json:"modifiers_price"`
	Subtotal            float64 `json:"subtotal"`
	SpecialInstructions string  `json:"special_instructions"`
}

type orderGroupOrder struct {
	Outlet int64            `json:"outlet"`
	Items  []orderGroupItem `json:"items"`
}

type orderGroupRequest struct {
	ClientOrderNumber string            `json:"client_order_number"`
	Location          int64             `json:"location"`
	CustomerName      string            `json:"customer_name"`
	CustomerPhone     string            `json:"customer_phone"`
	CustomerEmail     string            `json:"customer_email"`
	PaymentMethod     string            `json:"payment_method"`
	Subtotal          float64           `json:"subtotal"`
	Tax               float64           `json:"tax"`
	ServiceCharge     float64           `json:"service_charge"`
	TotalAmount       float64           `json:"total_amount"`
	CreatedAt         time.Time         `json:"created_at"`
	Orders            []orderGroupOrder `json:"orders"`
}

func newOrderGroupRequest(order domain.OfflineOrder) orderGroupRequest {
	items := make([]orderGroupItem, len(order.Items))
	for i, it := range order.Items {
		mods := make([]int64, 0, len(it.Modifiers))
		for _, m := range it.Modifiers {
			mods = append(mods, m.ModifierID)
		}
		items[i] = orderGroupItem{
			Product:             it.ProductID,
			ProductName:         it.ProductName,
			Quantity:            it.Quantity,
			UnitPrice:           it.UnitPrice,
			Modifiers:           mods,
			ModifiersPrice:      it.ModifiersPrice,
			Subtotal:            it.Subtotal,
			SpecialInstructions: it.SpecialInstructions,
		}
	}

	return orderGroupRequest{
		ClientOrderNumber: order.OrderNumber,
		Location:          order.StoreID,
		CustomerName:      order.Customer.Name,
		CustomerPhone:     order.Customer.Phone,
		CustomerEmail:     order.Customer.Email,
		PaymentMethod:     order.PaymentMethod,
		Subtotal:          order.Subtotal,
		Tax:               order.Tax,
		ServiceCharge:     order.ServiceCharge,
		TotalAmount:       order.TotalAmount,
		CreatedAt:         order.CreatedAt,
		Orders:            []orderGroupOrder{{Outlet: order.OutletID, Items: items}},
	}
}

// CreateOrderGroup submits an order keyed by its order number. A 409 means
// the cloud already has it and counts as success.
func (c *Client) CreateOrderGroup(ctx context.Context, order domain.OfflineOrder) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", order.OrderNumber).
		SetBody(newOrderGroupRequest(order)).
		Post("/orders/groups/")
	if err != nil {
		return fmt.Errorf("create order group %s: %w", order.OrderNumber, err)
	}

	if resp.StatusCode() == http.StatusConflict {
		c.logger.Info("cloud already has order", zap.String("orderNumber", order.OrderNumber))
		return nil
	}
	return checkResponse("create order group", resp)
}

// UpdateOrder sends a partial update.
func (c *Client) UpdateOrder(ctx context.Context, orderNumber string, fields json.RawMessage) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", orderNumber).
		SetBody(fields).
		SetPathParam("orderNumber", orderNumber).
		Patch("/orders/{orderNumber}/")
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderNumber, err)
	}
	return checkResponse("update order", resp)
}

// KitchenAction posts a kitchen workflow action (start, ready, complete,
// cancel). Replaying an action the cloud already applied answers 409, which
// is treated as success.
func (c *Client) KitchenAction(ctx context.Context, orderNumber, action, notes string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", orderNumber+":"+action).
		SetBody(map[string]string{"notes": notes}).
		SetPathParams(map[string]string{"orderNumber": orderNumber, "action": action}).
		Post("/kitchen/orders/{orderNumber}/{action}/")
	if err != nil {
		return fmt.Errorf("kitchen %s %s: %w", action, orderNumber, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return nil
	}
	return checkResponse("kitchen "+action, resp)
}

// Probe checks GET /health. Any 2xx is healthy; the caller bounds the wait
// through ctx.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Cache-Control", "no-cache").
		Get("/health")
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return checkResponse("health probe", resp)
}

// CatalogPage is one collection pull. Version is the collection version the
// cloud reports; Items holds rows changed since the requested version.
type CatalogPage[T any] struct {
	Version int64 `json:"version"`
	Items   []T   `json:"results"`
}

func (c *Client) FetchProducts(ctx context.Context, sinceVersion int64) (CatalogPage[domain.Product], error) {
	return fetchCatalog[domain.Product](ctx, c, "/products/", sinceVersion)
}

func (c *Client) FetchCategories(ctx context.Context, sinceVersion int64) (CatalogPage[domain.Category], error) {
	return fetchCatalog[domain.Category](ctx, c, "/categories/", sinceVersion)
}

func (c *Client) FetchPromotions(ctx context.Context, sinceVersion int64) (CatalogPage[domain.Promotion], error) {
	return fetchCatalog[domain.Promotion](ctx, c, "/promotions/", sinceVersion)
}

func fetchCatalog[T any](ctx context.Context, c *Client, path string, sinceVersion int64) (CatalogPage[T], error) {
	var page CatalogPage[T]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("since_version", strconv.FormatInt(sinceVersion, 10)).
		SetResult(&page).
		Get(path)
	if err != nil {
		return page, fmt.Errorf("fetching %s: %w", path, err)
	}
	if err := checkResponse("fetch "+path, resp); err != nil {
		return page, err
	}
	return page, nil
}

func checkResponse(op string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	body := resp.String()
	if len(body) > 512 {
		body = body[:512]
	}
	return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: body}
}
