package usecase

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"possync/internal/domain"
	"possync/internal/dto"
	apperrors "possync/internal/errors"
)

var subtotalTolerance = decimal.New(1, -2)

// ValidateOrderSnapshot checks every rule and returns all violations. An
// order that produces any detail must not be persisted or queued.
func ValidateOrderSnapshot(req dto.SubmitOrderRequest) []apperrors.ValidationDetail {
	var details []apperrors.ValidationDetail
	add := func(field, format string, args ...any) {
		details = append(details, apperrors.ValidationDetail{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if !req.TotalAmount.Valid {
		add("total_amount", "total_amount must be a number")
	}
	if !req.Subtotal.Valid {
		add("subtotal", "subtotal must be a number")
	}
	if req.Tax.Present && !req.Tax.Valid {
		add("tax", "tax must be a number")
	}
	if req.ServiceCharge.Present && !req.ServiceCharge.Valid {
		add("service_charge", "service_charge must be a number")
	}
	if len(req.Items) == 0 {
		add("items", "order must have at least one item")
	}

	for i, item := range req.Items {
		prefix := fmt.Sprintf("items[%d]", i)

		if !item.Price.Valid {
			add(prefix+".price", "Item %d: price must be a frozen number (snapshot)", i)
		}
		if !item.Quantity.Valid || item.Quantity.Value <= 0 || item.Quantity.Value != math.Trunc(item.Quantity.Value) {
			add(prefix+".quantity", "Item %d: quantity must be a positive integer", i)
		}
		if strings.TrimSpace(item.ProductName) == "" {
			add(prefix+".product_name", "Item %d: product_name is required", i)
		}
		if item.ModifiersPrice.Present && !item.ModifiersPrice.Valid {
			add(prefix+".modifiers_price", "Item %d: modifiers_price must be a frozen number (snapshot)", i)
		}

		modifiersOK := true
		for j, mod := range item.Modifiers {
			modPrefix := fmt.Sprintf("%s.modifiers[%d]", prefix, j)
			if !mod.Price.Valid {
				modifiersOK = false
				add(modPrefix+".price", "Item %d, Modifier %d: price must be a frozen number (snapshot)", i, j)
			}
			if strings.TrimSpace(mod.Name) == "" {
				add(modPrefix+".name", "Item %d, Modifier %d: name is required", i, j)
			}
		}

		if !item.Subtotal.Present {
			continue
		}
		if !item.Subtotal.Valid {
			add(prefix+".subtotal", "Item %d: subtotal must be a frozen number (snapshot)", i)
			continue
		}
		// Arithmetic is only meaningful when every input is numeric; those
		// failures are already reported above.
		if !item.Price.Valid || !item.Quantity.Valid || !modifiersOK ||
			(item.ModifiersPrice.Present && !item.ModifiersPrice.Valid) {
			continue
		}

		expected := ExpectedSubtotal(item)
		got := decimal.NewFromFloat(item.Subtotal.Value)
		if got.Sub(expected).Abs().GreaterThan(subtotalTolerance) {
			add(prefix+".subtotal", "Item %d: subtotal mismatch (expected %s, got %s)", i, expected.StringFixed(2), got.StringFixed(2))
		}
	}

	if strings.TrimSpace(req.PaymentMethod) == "" {
		add("payment_method", "payment_method is required")
	}
	if strings.TrimSpace(req.CreatedAt) == "" {
		add("created_at", "created_at is required")
	} else if _, err := time.Parse(time.RFC3339Nano, req.CreatedAt); err != nil {
		add("created_at", "created_at must be an RFC3339 timestamp")
	}

	return details
}

// ExpectedSubtotal is (price + modifiers_price) * quantity. When
// modifiers_price is absent the frozen modifier prices are summed instead.
func ExpectedSubtotal(item dto.OrderItemInput) decimal.Decimal {
	unit := decimal.NewFromFloat(item.Price.Value).Add(modifiersPrice(item))
	return unit.Mul(decimal.NewFromFloat(item.Quantity.Value))
}

func modifiersPrice(item dto.OrderItemInput) decimal.Decimal {
	if item.ModifiersPrice.Present {
		return decimal.NewFromFloat(item.ModifiersPrice.Value)
	}
	sum := decimal.Zero
	for _, mod := range item.Modifiers {
		sum = sum.Add(decimal.NewFromFloat(mod.Price.Value))
	}
	return sum
}

// ToOfflineOrder maps a validated request to the domain order. It must only
// be called after ValidateOrderSnapshot returned no details.
func ToOfflineOrder(req dto.SubmitOrderRequest) domain.OfflineOrder {
	createdAt, _ := time.Parse(time.RFC3339Nano, req.CreatedAt)
	createdAt = createdAt.UTC()

	items := make([]domain.OrderItem, len(req.Items))
	for i, in := range req.Items {
		mods := make([]domain.Modifier, len(in.Modifiers))
		for j, m := range in.Modifiers {
			mods[j] = domain.Modifier{ModifierID: m.ModifierID, Name: m.Name, Price: m.Price.Value}
		}
		subtotal, _ := ExpectedSubtotal(in).Float64()
		if in.Subtotal.Valid {
			subtotal = in.Subtotal.Value
		}
		modsPrice, _ := modifiersPrice(in).Float64()

		items[i] = domain.OrderItem{
			ProductID:           in.ProductID,
			ProductName:         in.ProductName,
			UnitPrice:           in.Price.Value,
			Quantity:            int(in.Quantity.Value),
			Modifiers:           mods,
			ModifiersPrice:      modsPrice,
			Subtotal:            subtotal,
			SpecialInstructions: in.SpecialInstructions,
		}
	}

	status := req.Status
	if status == "" {
		status = domain.OrderStatusPending
	}

	return domain.OfflineOrder{
		ID:            req.ID,
		OrderNumber:   req.OrderNumber,
		OutletID:      req.OutletID,
		TenantID:      req.TenantID,
		StoreID:       req.StoreID,
		Customer:      req.Customer,
		Items:         items,
		Subtotal:      req.Subtotal.Value,
		Tax:           req.Tax.Or(0),
		ServiceCharge: req.ServiceCharge.Or(0),
		TotalAmount:   req.TotalAmount.Value,
		PaymentMethod: req.PaymentMethod,
		Status:        status,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}
