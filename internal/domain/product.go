package domain

import "time"

// Product is a catalog entry cached on the terminal. Its Price is the
// last-known live price; orders copy it into an OrderItem snapshot.
type Product struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Price       float64           `json:"price"`
	CategoryID  int64             `json:"category_id"`
	ImageURL    string            `json:"image_url,omitempty"`
	IsAvailable bool              `json:"is_available"`
	Modifiers   []ProductModifier `json:"modifiers,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type ProductModifier struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	SortOrder int       `json:"sort_order"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Promotion struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	DiscountType       string    `json:"discount_type"`
	DiscountValue      float64   `json:"discount_value"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	IsActive           bool      `json:"is_active"`
	ApplicableProducts []int64   `json:"applicable_products"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (p Promotion) ActiveAt(t time.Time) bool {
	return p.IsActive && !t.Before(p.StartDate) && !t.After(p.EndDate)
}

func (p Promotion) AppliesTo(productID int64) bool {
	for _, id := range p.ApplicableProducts {
		if id == productID {
			return true
		}
	}
	return false
}
