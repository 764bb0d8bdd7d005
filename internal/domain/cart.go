package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OwnerKind discriminates between a device-scoped guest cart and a
// persistent cart keyed by an authenticated user.
type OwnerKind string

const (
	OwnerDevice OwnerKind = "device"
	OwnerUser   OwnerKind = "user"
)

type OwnerRef struct {
	Kind OwnerKind `bson:"kind" json:"kind"`
	ID   string    `bson:"id" json:"id"`
}

func DeviceOwner(deviceID string) OwnerRef {
	return OwnerRef{Kind: OwnerDevice, ID: deviceID}
}

func UserOwner(userID string) OwnerRef {
	return OwnerRef{Kind: OwnerUser, ID: userID}
}

func (o OwnerRef) String() string {
	return string(o.Kind) + ":" + o.ID
}

func (o OwnerRef) IsZero() bool {
	return o.Kind == "" && o.ID == ""
}

// VariantKey identifies a cart line. Duplicate adds for the same key
// increment quantity, they never create a second line.
type VariantKey struct {
	ProductID int64  `bson:"product_id" json:"product_id"`
	Size      string `bson:"size" json:"size"`
	Color     string `bson:"color" json:"color"`
}

type CartItem struct {
	ProductID   int64           `bson:"product_id" json:"product_id"`
	Size        string          `bson:"size" json:"size"`
	Color       string          `bson:"color" json:"color"`
	Quantity    int             `bson:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `bson:"unit_price" json:"unit_price"`
	ProductName string          `bson:"product_name" json:"product_name"`
	ImageRef    string          `bson:"image_ref" json:"image_ref"`
	AddedAt     time.Time       `bson:"added_at" json:"added_at"`
}

func (i CartItem) Key() VariantKey {
	return VariantKey{ProductID: i.ProductID, Size: i.Size, Color: i.Color}
}

type Cart struct {
	ID        string     `bson:"_id,omitempty" json:"-"`
	Owner     OwnerRef   `bson:"owner" json:"owner"`
	Items     []CartItem `bson:"items" json:"items"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
}

// Subtotal is always derived from the lines, never stored.
func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Find returns the line with the given key, or nil.
func (c *Cart) Find(key VariantKey) *CartItem {
	for i := range c.Items {
		if c.Items[i].Key() == key {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}
