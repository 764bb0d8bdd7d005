package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkraev/cartflow/internal/cart"
	"github.com/mkraev/cartflow/internal/cartsync"
	"github.com/mkraev/cartflow/internal/checkout"
	"github.com/mkraev/cartflow/internal/domain"
)

// mockCartService scripts each cart operation per test.
type mockCartService struct {
	getCart        func(owner domain.OwnerRef) (*domain.Cart, error)
	addItem        func(owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error)
	updateQuantity func(owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error)
	removeItem     func(owner domain.OwnerRef, key domain.VariantKey) (*domain.Cart, error)
	clearCart      func(owner domain.OwnerRef) error
}

func (m *mockCartService) GetCart(_ context.Context, owner domain.OwnerRef) (*domain.Cart, error) {
	return m.getCart(owner)
}

func (m *mockCartService) AddItem(_ context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error) {
	return m.addItem(owner, key, qty)
}

func (m *mockCartService) UpdateQuantity(_ context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error) {
	return m.updateQuantity(owner, key, qty)
}

func (m *mockCartService) RemoveItem(_ context.Context, owner domain.OwnerRef, key domain.VariantKey) (*domain.Cart, error) {
	return m.removeItem(owner, key)
}

func (m *mockCartService) ClearCart(_ context.Context, owner domain.OwnerRef) error {
	return m.clearCart(owner)
}

type mockDiscountService struct {
	validate func(code string, subtotal, shipping decimal.Decimal) (*domain.AppliedDiscount, error)
}

func (m *mockDiscountService) Validate(_ context.Context, code string, subtotal, shipping decimal.Decimal, _ time.Time) (*domain.AppliedDiscount, error) {
	return m.validate(code, subtotal, shipping)
}

type mockCheckoutService struct {
	placeOrder func(in checkout.PlaceOrderInput) (*domain.Order, error)
}

func (m *mockCheckoutService) PlaceOrder(_ context.Context, in checkout.PlaceOrderInput) (*domain.Order, error) {
	return m.placeOrder(in)
}

type mockMergeService struct {
	merge func(deviceID, userID string) (*cartsync.MergeResult, error)
}

func (m *mockMergeService) MergeOnLogin(_ context.Context, deviceID, userID string) (*cartsync.MergeResult, error) {
	return m.merge(deviceID, userID)
}

type mockOrderReader struct {
	getOrder    func(orderID string) (*domain.Order, error)
	listByOwner func(owner domain.OwnerRef) ([]*domain.Order, error)
}

func (m *mockOrderReader) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	return m.getOrder(orderID)
}

func (m *mockOrderReader) ListByOwner(_ context.Context, owner domain.OwnerRef) ([]*domain.Order, error) {
	return m.listByOwner(owner)
}

type mocks struct {
	carts     *mockCartService
	discounts *mockDiscountService
	checkout  *mockCheckoutService
	merge     *mockMergeService
	orders    *mockOrderReader
}

func newTestRouter(m mocks) http.Handler {
	if m.carts == nil {
		m.carts = &mockCartService{}
	}
	if m.discounts == nil {
		m.discounts = &mockDiscountService{}
	}
	if m.checkout == nil {
		m.checkout = &mockCheckoutService{}
	}
	if m.merge == nil {
		m.merge = &mockMergeService{}
	}
	if m.orders == nil {
		m.orders = &mockOrderReader{}
	}
	h := NewHandler(m.carts, m.discounts, m.checkout, m.merge, m.orders, 5*time.Second)
	return NewRouter(h)
}

func sampleCart(owner domain.OwnerRef) *domain.Cart {
	return &domain.Cart{
		Owner: owner,
		Items: []domain.CartItem{
			{ProductID: 1, Size: "M", Color: "Red", Quantity: 2, UnitPrice: decimal.NewFromInt(100), ProductName: "Hoodie"},
		},
	}
}

func doRequest(t *testing.T, router http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var userHeaders = map[string]string{"X-User-ID": "user-1"}

func TestGetCart(t *testing.T) {
	carts := &mockCartService{
		getCart: func(owner domain.OwnerRef) (*domain.Cart, error) {
			assert.Equal(t, domain.UserOwner("user-1"), owner)
			return sampleCart(owner), nil
		},
	}
	router := newTestRouter(mocks{carts: carts})

	rec := doRequest(t, router, http.MethodGet, "/cart", nil, userHeaders)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CartResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Subtotal.Equal(decimal.NewFromInt(200)))
	assert.True(t, resp.Shipping.IsZero(), "free shipping above the threshold")
	assert.True(t, resp.Tax.Equal(decimal.NewFromInt(16)))
}

func TestGetCart_MissingIdentity(t *testing.T) {
	router := newTestRouter(mocks{})

	rec := doRequest(t, router, http.MethodGet, "/cart", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetCart_DeviceIdentity(t *testing.T) {
	carts := &mockCartService{
		getCart: func(owner domain.OwnerRef) (*domain.Cart, error) {
			assert.Equal(t, domain.DeviceOwner("device-1"), owner)
			return &domain.Cart{Owner: owner}, nil
		},
	}
	router := newTestRouter(mocks{carts: carts})

	rec := doRequest(t, router, http.MethodGet, "/cart", nil, map[string]string{"X-Device-ID": "device-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAddItem(t *testing.T) {
	carts := &mockCartService{
		addItem: func(owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error) {
			assert.Equal(t, domain.VariantKey{ProductID: 1, Size: "M", Color: "Red"}, key)
			assert.Equal(t, 2, qty)
			return sampleCart(owner), nil
		},
	}
	router := newTestRouter(mocks{carts: carts})

	body := AddItemRequestDTO{ProductID: 1, Size: "M", Color: "Red", Quantity: 2}
	rec := doRequest(t, router, http.MethodPost, "/cart/items", body, userHeaders)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAddItem_Validation(t *testing.T) {
	router := newTestRouter(mocks{})

	cases := []struct {
		name string
		body AddItemRequestDTO
	}{
		{"zero quantity", AddItemRequestDTO{ProductID: 1, Size: "M", Color: "Red", Quantity: 0}},
		{"excessive quantity", AddItemRequestDTO{ProductID: 1, Size: "M", Color: "Red", Quantity: 100}},
		{"missing product", AddItemRequestDTO{Size: "M", Color: "Red", Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/cart/items", tc.body, userHeaders)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAddItem_InsufficientStock(t *testing.T) {
	carts := &mockCartService{
		addItem: func(domain.OwnerRef, domain.VariantKey, int) (*domain.Cart, error) {
			return nil, domain.ErrInsufficientStock
		},
	}
	router := newTestRouter(mocks{carts: carts})

	body := AddItemRequestDTO{ProductID: 1, Size: "M", Color: "Red", Quantity: 5}
	rec := doRequest(t, router, http.MethodPost, "/cart/items", body, userHeaders)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_stock", resp.Code)
}

func TestUpdateQuantity(t *testing.T) {
	carts := &mockCartService{
		updateQuantity: func(owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error) {
			assert.Equal(t, domain.VariantKey{ProductID: 1, Size: "M", Color: "Red"}, key)
			assert.Equal(t, 3, qty)
			return sampleCart(owner), nil
		},
	}
	router := newTestRouter(mocks{carts: carts})

	rec := doRequest(t, router, http.MethodPut, "/cart/items/1/M/Red", UpdateQuantityRequestDTO{Quantity: 3}, userHeaders)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateQuantity_BadProductID(t *testing.T) {
	router := newTestRouter(mocks{})

	rec := doRequest(t, router, http.MethodPut, "/cart/items/abc/M/Red", UpdateQuantityRequestDTO{Quantity: 3}, userHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveItem_NotFound(t *testing.T) {
	carts := &mockCartService{
		removeItem: func(domain.OwnerRef, domain.VariantKey) (*domain.Cart, error) {
			return nil, cart.ErrItemNotFound
		},
	}
	router := newTestRouter(mocks{carts: carts})

	rec := doRequest(t, router, http.MethodDelete, "/cart/items/1/M/Red", nil, userHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearCart(t *testing.T) {
	cleared := false
	carts := &mockCartService{
		clearCart: func(domain.OwnerRef) error {
			cleared = true
			return nil
		},
	}
	router := newTestRouter(mocks{carts: carts})

	rec := doRequest(t, router, http.MethodDelete, "/cart", nil, userHeaders)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, cleared)
}

func TestApplyDiscount(t *testing.T) {
	carts := &mockCartService{
		getCart: func(owner domain.OwnerRef) (*domain.Cart, error) {
			return sampleCart(owner), nil
		},
	}
	discounts := &mockDiscountService{
		validate: func(code string, subtotal, shipping decimal.Decimal) (*domain.AppliedDiscount, error) {
			assert.Equal(t, "SAVE10", code)
			assert.True(t, subtotal.Equal(decimal.NewFromInt(200)))
			return &domain.AppliedDiscount{Code: code, Kind: domain.DiscountPercent, Amount: decimal.NewFromInt(20)}, nil
		},
	}
	router := newTestRouter(mocks{carts: carts, discounts: discounts})

	rec := doRequest(t, router, http.MethodPost, "/cart/discount", ApplyDiscountRequestDTO{Code: "SAVE10"}, userHeaders)

	require.Equal(t, http.StatusOK, rec.Code)
	var applied domain.AppliedDiscount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &applied))
	assert.True(t, applied.Amount.Equal(decimal.NewFromInt(20)))
}

func TestApplyDiscount_Invalid(t *testing.T) {
	carts := &mockCartService{
		getCart: func(owner domain.OwnerRef) (*domain.Cart, error) {
			return sampleCart(owner), nil
		},
	}
	discounts := &mockDiscountService{
		validate: func(string, decimal.Decimal, decimal.Decimal) (*domain.AppliedDiscount, error) {
			return nil, &domain.InvalidDiscountError{Code: "SAVE10", Reason: domain.DiscountBelowMinimum}
		},
	}
	router := newTestRouter(mocks{carts: carts, discounts: discounts})

	rec := doRequest(t, router, http.MethodPost, "/cart/discount", ApplyDiscountRequestDTO{Code: "SAVE10"}, userHeaders)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.DiscountBelowMinimum), resp.Code)
}

func TestMergeCart(t *testing.T) {
	merge := &mockMergeService{
		merge: func(deviceID, userID string) (*cartsync.MergeResult, error) {
			assert.Equal(t, "device-1", deviceID)
			assert.Equal(t, "user-1", userID)
			return &cartsync.MergeResult{Merged: []domain.VariantKey{{ProductID: 1, Size: "M", Color: "Red"}}}, nil
		},
	}
	router := newTestRouter(mocks{merge: merge})

	rec := doRequest(t, router, http.MethodPost, "/cart/merge", MergeRequestDTO{DeviceID: "device-1"}, userHeaders)

	require.Equal(t, http.StatusOK, rec.Code)
	var result cartsync.MergeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Merged, 1)
}

func TestMergeCart_RequiresUser(t *testing.T) {
	router := newTestRouter(mocks{})

	rec := doRequest(t, router, http.MethodPost, "/cart/merge", MergeRequestDTO{DeviceID: "device-1"},
		map[string]string{"X-Device-ID": "device-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceOrder(t *testing.T) {
	co := &mockCheckoutService{
		placeOrder: func(in checkout.PlaceOrderInput) (*domain.Order, error) {
			assert.Equal(t, domain.UserOwner("user-1"), in.Owner)
			assert.Equal(t, domain.ShippingExpress, in.ShippingMethod)
			return &domain.Order{ID: "order-1", Owner: in.Owner, Status: domain.OrderStatusConfirmed}, nil
		},
	}
	router := newTestRouter(mocks{checkout: co})

	body := PlaceOrderRequestDTO{
		ShippingAddress: domain.ShippingAddress{Name: "A. Shopper", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		ShippingMethod:  "express",
		Payment:         domain.PaymentInfo{Method: "card"},
	}
	rec := doRequest(t, router, http.MethodPost, "/checkout", body, userHeaders)

	require.Equal(t, http.StatusCreated, rec.Code)
	var o domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, domain.OrderStatusConfirmed, o.Status)
}

func TestPlaceOrder_PaymentFailure(t *testing.T) {
	co := &mockCheckoutService{
		placeOrder: func(checkout.PlaceOrderInput) (*domain.Order, error) {
			return nil, &checkout.StepError{
				Step: checkout.StepPayment,
				Err:  &domain.PaymentError{Reason: "card declined"},
			}
		},
	}
	router := newTestRouter(mocks{checkout: co})

	body := PlaceOrderRequestDTO{Payment: domain.PaymentInfo{Method: "card"}}
	rec := doRequest(t, router, http.MethodPost, "/checkout", body, userHeaders)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "payment_failed", resp.Code)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	co := &mockCheckoutService{
		placeOrder: func(checkout.PlaceOrderInput) (*domain.Order, error) {
			return nil, &checkout.StepError{Step: checkout.StepValidate, Err: checkout.ErrEmptyCart}
		},
	}
	router := newTestRouter(mocks{checkout: co})

	body := PlaceOrderRequestDTO{Payment: domain.PaymentInfo{Method: "card"}}
	rec := doRequest(t, router, http.MethodPost, "/checkout", body, userHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListOrders_EmptyIsArray(t *testing.T) {
	orders := &mockOrderReader{
		listByOwner: func(domain.OwnerRef) ([]*domain.Order, error) { return nil, nil },
	}
	router := newTestRouter(mocks{orders: orders})

	rec := doRequest(t, router, http.MethodGet, "/orders", nil, userHeaders)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestGetOrder_ForeignOrderLooksMissing(t *testing.T) {
	orders := &mockOrderReader{
		getOrder: func(orderID string) (*domain.Order, error) {
			return &domain.Order{ID: orderID, Owner: domain.UserOwner("someone-else")}, nil
		},
	}
	router := newTestRouter(mocks{orders: orders})

	rec := doRequest(t, router, http.MethodGet, "/orders/order-1", nil, userHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder_OwnOrder(t *testing.T) {
	orders := &mockOrderReader{
		getOrder: func(orderID string) (*domain.Order, error) {
			return &domain.Order{ID: orderID, Owner: domain.UserOwner("user-1"), Status: domain.OrderStatusShipped}, nil
		},
	}
	router := newTestRouter(mocks{orders: orders})

	rec := doRequest(t, router, http.MethodGet, "/orders/order-1", nil, userHeaders)

	require.Equal(t, http.StatusOK, rec.Code)
	var o domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, domain.OrderStatusShipped, o.Status)
}
