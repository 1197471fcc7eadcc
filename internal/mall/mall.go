// Package mall forwards finished sales to the mall operator's reporting API.
// The exchange is client-credentials OAuth2 followed by a batch POST. Posting
// is fire-and-forget from the engine's point of view: it must never block or
// fail a local sale commit.
package mall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"chainpos/backend/internal/domain"
)

// Reporter is what the engine sees. ReportSale runs on the caller's context;
// the engine invokes it from a detached goroutine with its own timeout.
type Reporter interface {
	ReportSale(ctx context.Context, sale domain.Sale) error
}

type NoopReporter struct{}

func (NoopReporter) ReportSale(_ context.Context, _ domain.Sale) error {
	return nil
}

type Config struct {
	TokenURL         string
	APIURL           string
	ClientID         string
	ClientSecret     string
	PropertyCode     string
	POSInterfaceCode string
}

func (c Config) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.APIURL != "" &&
		c.PropertyCode != "" && c.POSInterfaceCode != ""
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	base := &http.Client{Timeout: 30 * time.Second}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Client{
		cfg:  cfg,
		http: creds.Client(ctx),
	}
}

type batchPayload struct {
	AppCode          string    `json:"AppCode"`
	PropertyCode     string    `json:"PropertyCode"`
	POSInterfaceCode string    `json:"POSInterfaceCode"`
	BatchCode        string    `json:"BatchCode"`
	PosSales         []posSale `json:"PosSales"`
}

type posSale struct {
	VoucherNo     string `json:"VoucherNo"`
	SaleDate      string `json:"SaleDate"`
	NetAmount     int64  `json:"NetAmount"`
	GrossAmount   int64  `json:"GrossAmount"`
	Discount      int64  `json:"Discount"`
	PaymentMethod string `json:"PaymentMethod"`
	ItemCount     int    `json:"ItemCount"`
}

func (c *Client) ReportSale(ctx context.Context, sale domain.Sale) error {
	payload := batchPayload{
		AppCode:          "POS-01",
		PropertyCode:     c.cfg.PropertyCode,
		POSInterfaceCode: c.cfg.POSInterfaceCode,
		BatchCode:        time.Now().UTC().Format("20060102150405"),
		PosSales: []posSale{{
			VoucherNo:     sale.VoucherNo,
			SaleDate:      sale.DateTime.UTC().Format(time.RFC3339),
			NetAmount:     sale.FinalTotal,
			GrossAmount:   sale.Total,
			Discount:      sale.Discount + sale.MemberDiscount + sale.CouponAmount,
			PaymentMethod: sale.PaymentMethod,
			ItemCount:     len(sale.Items),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mall api status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
