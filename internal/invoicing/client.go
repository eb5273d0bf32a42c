// Package invoicing is an optional enrichment of §4.4.4 step 3: issuing a
// wFirma invoice for a subscription or token payment once applied, when the
// operator has configured a tax profile. Adapted from the teacher's
// internal/wfirma.Client (signed Access/Secret-key REST requests,
// find-or-create contractor, invoice add + PDF attach), generalized from a
// Stripe *stripe.Invoice source to the platform's gate.PaymentIntent and
// payer-supplied contact details.
package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/biter777/countries"
	"github.com/google/uuid"

	"tgfleet/gate"
	"tgfleet/lib/sl"
)

// Config carries the §6 WFIRMA_* credentials.
type Config struct {
	AccessKey string
	SecretKey string
	AppID     string
}

// Client is a thin wFirma REST client. It implements gate.InvoiceIssuer.
type Client struct {
	hc        *http.Client
	baseURL   string
	accessKey string
	secretKey string
	appID     string
	log       *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	return &Client{
		hc:        &http.Client{Timeout: 10 * time.Second},
		baseURL:   "https://api2.wfirma.pl",
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		appID:     cfg.AppID,
		log:       log.With(sl.Module("invoicing")),
	}
}

// request sends a signed POST to the wFirma API using Access/Secret key headers.
func (c *Client) request(ctx context.Context, module, action string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal wfirma payload: %w", err)
	}

	q := url.Values{}
	q.Set("inputFormat", "json")
	q.Set("outputFormat", "json")
	endpoint := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, module, action, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build wfirma request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("appKey", c.appID)
	req.Header.Set("accessKey", c.accessKey)
	req.Header.Set("secretKey", c.secretKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wfirma request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("wfirma %s: %s", resp.Status, body)
	}
	return body, nil
}

func (c *Client) getOrCreateContractor(ctx context.Context, payer gate.InvoicePayer) (int64, error) {
	email := payer.Email
	if email == "" {
		email = fmt.Sprintf("%s@example.com", uuid.New().String())
	}

	search := map[string]interface{}{"parameters": map[string]interface{}{"query": email}}
	if res, err := c.request(ctx, "contractors", "find", search); err == nil {
		var findResp struct {
			Contractors []struct {
				ID int64 `json:"id"`
			} `json:"contractor"`
		}
		_ = json.Unmarshal(res, &findResp)
		if len(findResp.Contractors) > 0 {
			return findResp.Contractors[0].ID, nil
		}
	}

	name := payer.Name
	if name == "" {
		name = email
	}
	countryCode := normalizeCountry(payer.Country)

	addRes, err := c.request(ctx, "contractors", "add", map[string]interface{}{
		"contractors": []map[string]interface{}{
			{"contractor": map[string]interface{}{
				"name":          name,
				"email":         email,
				"country":       countryCode,
				"tax_code_type": "other",
			}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("create contractor: %w", err)
	}
	var addResp struct {
		Contractors []struct {
			ID int64 `json:"id"`
		} `json:"contractor"`
	}
	if err := json.Unmarshal(addRes, &addResp); err != nil {
		return 0, fmt.Errorf("parse contractor add response: %w", err)
	}
	if len(addResp.Contractors) == 0 {
		return 0, fmt.Errorf("empty contractor add response")
	}
	return addResp.Contractors[0].ID, nil
}

// normalizeCountry resolves a free-form country name or code to ISO alpha-2,
// for the contractor's VAT jurisdiction.
func normalizeCountry(raw string) string {
	if raw == "" {
		return ""
	}
	if len(raw) == 2 {
		return raw
	}
	code := countries.ByName(raw).Alpha2()
	if len(code) == 2 {
		return code
	}
	return ""
}

// lineDescription renders the one invoice line a platform payment produces.
func lineDescription(intent gate.PaymentIntent) string {
	if intent.Kind == gate.PaymentTokens {
		return fmt.Sprintf("AI token top-up for bot %s", intent.BotId)
	}
	return "Platform subscription"
}

// SyncPayment issues a wFirma invoice for an applied payment (§4.4.4 step 3).
// Failure here never rolls back the payment's primary effect; callers treat
// it the same way gate.postReferralCommission treats a failed commission
// post — log and move on.
func (c *Client) SyncPayment(ctx context.Context, intent gate.PaymentIntent, payer gate.InvoicePayer) error {
	contractorID, err := c.getOrCreateContractor(ctx, payer)
	if err != nil {
		return fmt.Errorf("contractor: %w", err)
	}

	amount := float64(intent.AmountCents) / 100.0
	now := intent.CreatedAt.Format("2006-01-02")

	addPayload := map[string]interface{}{
		"invoices": []map[string]interface{}{
			{"invoice": map[string]interface{}{
				"contractor_id": contractorID,
				"sell_date":     now,
				"issue_date":    now,
				"paymentdate":   now,
				"paymentmethod": "przelew",
				"currency":      "RUB",
				"lang":          "en",
				"invoicecontents": []map[string]interface{}{
					{"invoicecontent": map[string]interface{}{
						"name":  lineDescription(intent),
						"count": 1,
						"price": amount,
						"vat":   "np", // cross-border digital service, VAT not charged at source
					}},
				},
			}},
		},
	}

	if _, err := c.request(ctx, "invoices", "add", addPayload); err != nil {
		return fmt.Errorf("add invoice: %w", err)
	}
	c.log.Info("invoice issued", slog.Int64("user_id", intent.UserId), slog.String("kind", string(intent.Kind)))
	return nil
}
