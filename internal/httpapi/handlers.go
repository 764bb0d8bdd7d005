package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mkraev/cartflow/internal/cart"
	"github.com/mkraev/cartflow/internal/cartsync"
	"github.com/mkraev/cartflow/internal/catalog"
	"github.com/mkraev/cartflow/internal/checkout"
	"github.com/mkraev/cartflow/internal/domain"
	"github.com/mkraev/cartflow/internal/order"
)

// Consumer-side interfaces: the handlers define what they need from the
// engine, not the other way around.

type CartService interface {
	GetCart(ctx context.Context, owner domain.OwnerRef) (*domain.Cart, error)
	AddItem(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, qty int) (*domain.Cart, error)
	UpdateQuantity(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey, newQty int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey) (*domain.Cart, error)
	ClearCart(ctx context.Context, owner domain.OwnerRef) error
}

type DiscountService interface {
	Validate(ctx context.Context, code string, subtotal, shipping decimal.Decimal, now time.Time) (*domain.AppliedDiscount, error)
}

type CheckoutService interface {
	PlaceOrder(ctx context.Context, in checkout.PlaceOrderInput) (*domain.Order, error)
}

type MergeService interface {
	MergeOnLogin(ctx context.Context, deviceID, userID string) (*cartsync.MergeResult, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListByOwner(ctx context.Context, owner domain.OwnerRef) ([]*domain.Order, error)
}

type Handler struct {
	carts     CartService
	discounts DiscountService
	checkout  CheckoutService
	merge     MergeService
	orders    OrderReader
	timeout   time.Duration
}

func NewHandler(carts CartService, discounts DiscountService, co CheckoutService, merge MergeService, orders OrderReader, timeout time.Duration) *Handler {
	return &Handler{
		carts:     carts,
		discounts: discounts,
		checkout:  co,
		merge:     merge,
		orders:    orders,
		timeout:   timeout,
	}
}

type AddItemRequestDTO struct {
	ProductID int64  `json:"product_id"`
	Size      string `json:"size"`
	Color     string `json:"color"`
	Quantity  int    `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type ApplyDiscountRequestDTO struct {
	Code           string `json:"code"`
	ShippingMethod string `json:"shipping_method"`
}

type MergeRequestDTO struct {
	DeviceID string `json:"device_id"`
}

type PlaceOrderRequestDTO struct {
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	ShippingMethod  string                 `json:"shipping_method"`
	Payment         domain.PaymentInfo     `json:"payment"`
	DiscountCode    string                 `json:"discount_code,omitempty"`
}

type CartResponseDTO struct {
	Cart     *domain.Cart    `json:"cart"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}

	c, err := h.carts.GetCart(ctx, owner)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(c, shippingMethodParam(r)))
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}
	if req.Quantity <= 0 || req.Quantity > 99 {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	key := domain.VariantKey{ProductID: req.ProductID, Size: req.Size, Color: req.Color}
	c, err := h.carts.AddItem(ctx, owner, key, req.Quantity)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cartResponse(c, shippingMethodParam(r)))
}

func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	key, ok := variantFromURL(w, r)
	if !ok {
		return
	}

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Quantity < 0 || req.Quantity > 99 {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 0 and 99")
		return
	}

	c, err := h.carts.UpdateQuantity(ctx, owner, key, req.Quantity)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(c, shippingMethodParam(r)))
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	key, ok := variantFromURL(w, r)
	if !ok {
		return
	}

	c, err := h.carts.RemoveItem(ctx, owner, key)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(c, shippingMethodParam(r)))
}

func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, owner); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}

	var req ApplyDiscountRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, "invalid_code", "code is required")
		return
	}

	c, err := h.carts.GetCart(ctx, owner)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	subtotal := c.Subtotal()
	shipping := domain.ShippingCost(subtotal, parseShippingMethod(req.ShippingMethod))

	applied, err := h.discounts.Validate(ctx, req.Code, subtotal, shipping, time.Now())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, applied)
}

func (h *Handler) MergeCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "merge requires an authenticated user")
		return
	}

	var req MergeRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "invalid_device_id", "device_id is required")
		return
	}

	result, err := h.merge.MergeOnLogin(ctx, req.DeviceID, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}

	var req PlaceOrderRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Payment.Method == "" {
		respondError(w, http.StatusBadRequest, "invalid_payment", "payment method is required")
		return
	}

	o, err := h.checkout.PlaceOrder(ctx, checkout.PlaceOrderInput{
		Owner:           owner,
		ShippingAddress: req.ShippingAddress,
		ShippingMethod:  parseShippingMethod(req.ShippingMethod),
		Payment:         req.Payment,
		DiscountCode:    req.DiscountCode,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, o)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListByOwner(ctx, owner)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}

	o, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// No cross-shopper access path: a foreign order is indistinguishable
	// from a missing one.
	if o.Owner != owner {
		respondError(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func cartResponse(c *domain.Cart, method domain.ShippingMethod) CartResponseDTO {
	subtotal := c.Subtotal()
	return CartResponseDTO{
		Cart:     c,
		Subtotal: subtotal,
		Shipping: domain.ShippingCost(subtotal, method),
		Tax:      domain.Tax(subtotal),
	}
}

func shippingMethodParam(r *http.Request) domain.ShippingMethod {
	return parseShippingMethod(r.URL.Query().Get("shipping_method"))
}

func parseShippingMethod(raw string) domain.ShippingMethod {
	if raw == string(domain.ShippingExpress) {
		return domain.ShippingExpress
	}
	return domain.ShippingStandard
}

// ownerFromRequest resolves the shopper from identity headers: an
// authenticated user wins over a device-local guest.
func ownerFromRequest(w http.ResponseWriter, r *http.Request) (domain.OwnerRef, bool) {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return domain.UserOwner(userID), true
	}
	if deviceID := r.Header.Get("X-Device-ID"); deviceID != "" {
		return domain.DeviceOwner(deviceID), true
	}
	respondError(w, http.StatusUnauthorized, "unauthorized", "missing user or device identity")
	return domain.OwnerRef{}, false
}

func variantFromURL(w http.ResponseWriter, r *http.Request) (domain.VariantKey, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return domain.VariantKey{}, false
	}
	return domain.VariantKey{
		ProductID: productID,
		Size:      chi.URLParam(r, "size"),
		Color:     chi.URLParam(r, "color"),
	}, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respondDomainError maps the engine's error taxonomy onto HTTP. Stock
// and discount problems are recoverable field-level errors; payment
// failures block checkout; invariant violations surface as a generic
// internal error only.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		discountErr *domain.InvalidDiscountError
		paymentErr  *domain.PaymentError
		stepErr     *checkout.StepError
	)

	step := ""
	if errors.As(err, &stepErr) {
		step = string(stepErr.Step)
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		respondError(w, http.StatusConflict, "insufficient_stock", "not enough stock for the requested quantity")
	case errors.As(err, &discountErr):
		respondError(w, http.StatusUnprocessableEntity, string(discountErr.Reason), discountErr.Error())
	case errors.As(err, &paymentErr):
		respondError(w, http.StatusPaymentRequired, "payment_failed", paymentErr.Error())
	case errors.Is(err, checkout.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, "empty_cart", err.Error())
	case errors.Is(err, checkout.ErrReservationLost):
		respondError(w, http.StatusConflict, "reservation_lost", err.Error())
	case errors.Is(err, cart.ErrItemNotFound), errors.Is(err, cart.ErrCartNotFound),
		errors.Is(err, order.ErrOrderNotFound), errors.Is(err, catalog.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, catalog.ErrOptionNotAvailable):
		respondError(w, http.StatusUnprocessableEntity, "option_not_available", err.Error())
	case errors.Is(err, domain.ErrInvariantViolation):
		log.Printf("invariant violation (step %q): %v", step, err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	case errors.Is(err, domain.ErrTransientStore):
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "please try again")
	default:
		log.Printf("unhandled error (step %q): %v", step, err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
