// Package catalog is the Product Catalog collaborator. The engine only
// reads from it; prices are snapshotted into cart lines at add time.
package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound    = errors.New("product not found")
	ErrOptionNotAvailable = errors.New("size/color option not available")
)

type Option struct {
	Size  string `json:"size"`
	Color string `json:"color"`
}

type Product struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Images  []string        `json:"images"`
	Options []Option        `json:"options"`
}

func (p *Product) HasOption(size, color string) bool {
	for _, o := range p.Options {
		if o.Size == size && o.Color == color {
			return true
		}
	}
	return false
}

func (p *Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

type Catalog interface {
	GetProduct(ctx context.Context, productID int64) (*Product, error)
}

// StaticCatalog is an in-memory catalog used for wiring and tests.
type StaticCatalog struct {
	mu       sync.RWMutex
	products map[int64]*Product
}

func NewStaticCatalog(products ...*Product) *StaticCatalog {
	c := &StaticCatalog{products: make(map[int64]*Product)}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *StaticCatalog) Put(p *Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

func (c *StaticCatalog) GetProduct(_ context.Context, productID int64) (*Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}
