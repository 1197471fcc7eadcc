package domain

import "time"

// SizeEntry holds the stock quantity for one (code, color, size) triple.
// Quantities are integers and never negative in the local cache.
type SizeEntry struct {
	Pcs int `json:"pcs"`
}

type ColorEntry struct {
	Sizes map[string]SizeEntry `json:"sizes"`
}

// Product is one catalog entry. Price is in the shop's minor currency unit
// and is shop-local; price and colors may be independently stale between the
// local cache and the ledger.
type Product struct {
	Price  int64                 `json:"price"`
	Colors map[string]ColorEntry `json:"colors"`
}

// ProductTree is a shop's full catalog keyed by product code.
type ProductTree map[string]Product

// ItemRef addresses one stock leaf.
type ItemRef struct {
	Code  string `json:"code"`
	Color string `json:"color"`
	Size  string `json:"size"`
}

const (
	DiscountPercent  = "%"
	DiscountCashback = "Cashback"
)

type SaleItem struct {
	Code          string `json:"code"`
	Color         string `json:"color"`
	Size          string `json:"size"`
	Qty           int    `json:"qty"`
	Price         int64  `json:"price"`
	DiscountType  string `json:"discountType"`
	DiscountValue int64  `json:"discountValue"`
	Note          string `json:"note"`
	FinalAmount   int64  `json:"finalAmount"`
}

// Sale is immutable once persisted. It is appended to the per-shop sales log
// and decrements stock for every item at save time.
type Sale struct {
	VoucherNo      string     `json:"voucherNo"`
	DateTime       time.Time  `json:"dateTime"`
	Items          []SaleItem `json:"items"`
	PaymentMethod  string     `json:"paymentMethod"`
	Total          int64      `json:"total"`
	Discount       int64      `json:"discount"`
	MemberDiscount int64      `json:"memberDiscount"`
	FinalTotal     int64      `json:"finalTotal"`
	CashPaid       int64      `json:"cashPaid"`
	Change         int64      `json:"change"`
	Shop           string     `json:"shop"`
	CouponCode     string     `json:"couponCode"`
	CouponAmount   int64      `json:"couponAmount"`
	Address        string     `json:"address"`
	DeliveryCharge int64      `json:"deliveryCharge"`
}

type ReturnLine struct {
	Code          string `json:"code"`
	Color         string `json:"color"`
	Size          string `json:"size"`
	Qty           int    `json:"qty"`
	Price         int64  `json:"price"`
	DiscountType  string `json:"discountType"`
	DiscountValue int64  `json:"discountValue"`
	Amount        int64  `json:"amount"`
}

// ReturnRecord captures an exchange: inItems come back to stock, outItems
// leave as replacement goods. DiffAmount = sum(in amounts) - sum(out amounts).
type ReturnRecord struct {
	VoucherNo  string       `json:"voucherNo"`
	Date       time.Time    `json:"date"`
	InItems    []ReturnLine `json:"inItems"`
	OutItems   []ReturnLine `json:"outItems"`
	DiffAmount int64        `json:"diffAmount"`
	Payment    string       `json:"payment"`
	Shop       string       `json:"shop"`
}

type PurchaseLine struct {
	Code  string `json:"code"`
	Color string `json:"color"`
	Size  string `json:"size"`
	Qty   int    `json:"qty"`
	Price int64  `json:"price"`
}

type PurchaseRecord struct {
	InvoiceNo     string         `json:"invoiceNo"`
	ManualInvoice string         `json:"manualInvoice"`
	DateTime      time.Time      `json:"dateTime"`
	Shop          string         `json:"shop"`
	Items         []PurchaseLine `json:"items"`
}

const (
	TransferStatusPending   = "Pending"
	TransferStatusAccepted  = "Accepted"
	TransferStatusCancelled = "Cancelled"
)

type TransferLine struct {
	Code  string `json:"code"`
	Color string `json:"color"`
	Size  string `json:"size"`
	Qty   int    `json:"qty"`
	Price int64  `json:"price"`
	// Empty while the line is pending. Per-line status is the authoritative
	// transfer state; the aggregate log status is only a display hint.
	Status string `json:"status,omitempty"`
}

// TransferLog is the only record shared-written by two shops, and only while
// any of its lines is still pending.
type TransferLog struct {
	ID        string          `json:"id,omitempty"`
	VoucherNo string          `json:"voucherNo"`
	From      string          `json:"from"`
	FromName  string          `json:"fromName,omitempty"`
	To        string          `json:"to"`
	ToName    string          `json:"toName,omitempty"`
	Items     []TransferLine  `json:"items"`
	Date      time.Time       `json:"date"`
	Status    string          `json:"status"`
	SeenBy    map[string]bool `json:"seenBy,omitempty"`
}

// Resolved reports whether every line has left the pending state.
func (t TransferLog) Resolved() bool {
	for _, line := range t.Items {
		if line.Status == "" || line.Status == TransferStatusPending {
			return false
		}
	}
	return true
}

// ShopSettings is the per-shop settings entry cached in the local store.
type ShopSettings struct {
	Prefix            string `json:"prefix"`
	LastVoucherNo     string `json:"lastVoucherNo"`
	LastVoucherSource string `json:"lastVoucherSource"`
}

// ShopAccount is the ledger-side record at users/{shopId}.
type ShopAccount struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	ShopName  string `json:"shopName"`
	ShortName string `json:"shortName"`
	Phone     string `json:"phone"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopName    string `json:"shop_name"`
	ShortName   string `json:"short_name"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller attached to the request context.
type Actor struct {
	ShopID string
	Role   string
}

type TransferProposeRequest struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	VoucherNo string         `json:"voucherNo"`
	Items     []TransferLine `json:"items"`
}

type TransferActionRequest struct {
	Shop      string `json:"shop"`
	LogID     string `json:"log_id"`
	LineIndex int    `json:"line_index"`
}

type VoucherPreviewResponse struct {
	Shop      string `json:"shop"`
	Kind      string `json:"kind"`
	VoucherNo string `json:"voucher_no"`
}

type SyncResult struct {
	Synced  int    `json:"synced"`
	Skipped int    `json:"skipped"`
	Message string `json:"message,omitempty"`
}

// DiscountedAmount computes qty*price minus the line discount, frozen at save
// time. "%" applies to the line base; "Cashback" is a flat amount.
func DiscountedAmount(qty int, price int64, discountType string, discountValue int64) int64 {
	base := int64(qty) * price
	switch discountType {
	case DiscountPercent:
		return base - base*discountValue/100
	case DiscountCashback:
		return base - discountValue
	default:
		return base
	}
}
