package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
)

// HttpBillingClient talks to the billing service over its internal JSON API.
// Release-gate callers treat lookup failures as "invoice unknown" so a billing
// outage degrades to BLOCKED instead of failing the release flow.
type HttpBillingClient struct {
	baseUrl    string
	apiKey     string
	httpClient *http.Client
}

func NewHttpBillingClient() *HttpBillingClient {
	baseUrl := os.Getenv("BILLING_BASE_URL")
	if baseUrl == "" {
		baseUrl = "http://localhost:8090"
	}
	return &HttpBillingClient{
		baseUrl: baseUrl,
		apiKey:  os.Getenv("BILLING_API_KEY"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HttpBillingClient) GetServiceInvoice(ctx context.Context, orgId string, invoiceId string) (*ServiceInvoice, error) {
	url := fmt.Sprintf("%s/internal/orgs/%s/invoices/%s", c.baseUrl, orgId, invoiceId)
	var invoice ServiceInvoice
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *HttpBillingClient) ConsumeCredits(ctx context.Context, reservationId string, idempotencyKey string) (*CreditConsumption, error) {
	url := fmt.Sprintf("%s/internal/credit-reservations/%s/consume", c.baseUrl, reservationId)
	body := map[string]string{"idempotency_key": idempotencyKey}
	var consumption CreditConsumption
	if err := c.doJSON(ctx, http.MethodPost, url, body, &consumption); err != nil {
		return nil, err
	}
	return &consumption, nil
}

func (c *HttpBillingClient) IngestUsageEvent(ctx context.Context, event UsageEvent) error {
	url := fmt.Sprintf("%s/internal/usage-events", c.baseUrl)
	return c.doJSON(ctx, http.MethodPost, url, event, nil)
}

func (c *HttpBillingClient) doJSON(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		config.LogError(config.GetLogger(), "billingClient.go", "doJSON", method, url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("billing service returned %d for %s %s", resp.StatusCode, method, url)
		config.LogError(config.GetLogger(), "billingClient.go", "doJSON", method, url, err)
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
