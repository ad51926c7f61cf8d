package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dealsync_backend/reconcile"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Deal is the raw shape of a deal record in the external store.
type Deal struct {
	ID       int         `json:"id"`
	Title    string      `json:"title"`
	Value    json.Number `json:"value"`
	Currency string      `json:"currency"`
	Status   string      `json:"status"`
}

type dealResponse struct {
	Success bool  `json:"success"`
	Data    *Deal `json:"data"`
}

type dealListResponse struct {
	Success        bool   `json:"success"`
	Data           []Deal `json:"data"`
	AdditionalData struct {
		Pagination struct {
			MoreItemsInCollection bool `json:"more_items_in_collection"`
			NextStart             int  `json:"next_start"`
		} `json:"pagination"`
	} `json:"additional_data"`
}

// DealUpdate is one entry of a batch update.
type DealUpdate struct {
	DealId int
	Fields map[string]interface{}
}

// DealClient wraps the deal store REST API with pacing: a minimum inter-request
// interval, plus a progressive congestion delay once the rolling request counter
// passes two thresholds. Not a token bucket; the state is local to this client,
// so concurrent orchestrators against the same backend each pace independently.
//
// Every network or API failure is logged and surfaced as nil/false; errors never
// propagate past this layer.
type DealClient struct {
	baseURL  string
	apiToken string
	http     *http.Client
	logger   *logrus.Logger

	minInterval time.Duration
	batchDelay  time.Duration
	softLimit   int
	softDelay   time.Duration
	hardLimit   int
	hardDelay   time.Duration

	lastRequest  time.Time
	requestCount int
	now          func() time.Time
}

func NewDealClient(logger *logrus.Logger, storeDomain, apiToken string) *DealClient {
	baseURL := strings.TrimSpace(os.Getenv("DEALSTORE_API_BASE_URL"))
	if baseURL == "" {
		domain := strings.TrimSpace(storeDomain)
		if domain != "" {
			baseURL = fmt.Sprintf("https://%s.pipedrive.com/api/v1", domain)
		} else {
			baseURL = "https://api.pipedrive.com/v1"
		}
	}

	minIntervalMs := intEnv("DEALSTORE_MIN_INTERVAL_MS", 250)

	return &DealClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiToken:    apiToken,
		http:        &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		minInterval: time.Duration(minIntervalMs) * time.Millisecond,
		batchDelay:  time.Duration(intEnv("DEALSTORE_BATCH_DELAY_MS", 300)) * time.Millisecond,
		softLimit:   intEnv("DEALSTORE_SOFT_LIMIT", 30),
		softDelay:   time.Duration(intEnv("DEALSTORE_SOFT_DELAY_MS", 200)) * time.Millisecond,
		hardLimit:   intEnv("DEALSTORE_HARD_LIMIT", 50),
		hardDelay:   time.Duration(intEnv("DEALSTORE_HARD_DELAY_MS", 500)) * time.Millisecond,
		now:         time.Now,
	}
}

// throttle paces the next outbound call. Callers are sequential per client.
func (c *DealClient) throttle(ctx context.Context) {
	now := c.now()
	if !c.lastRequest.IsZero() {
		if next := c.lastRequest.Add(c.minInterval); now.Before(next) {
			sleepContext(ctx, next.Sub(now))
		}
	}
	c.requestCount++
	if d := c.congestionDelay(c.requestCount); d > 0 {
		sleepContext(ctx, d)
	}
	c.lastRequest = c.now()
}

// congestionDelay is the extra pause applied once the rolling request counter
// passes the soft and hard thresholds.
func (c *DealClient) congestionDelay(count int) time.Duration {
	switch {
	case count > c.hardLimit:
		return c.hardDelay
	case count > c.softLimit:
		return c.softDelay
	}
	return 0
}

// GetDeal fetches the current state of one deal. Returns nil on any failure.
func (c *DealClient) GetDeal(ctx context.Context, dealId int) *Deal {
	c.throttle(ctx)

	endpoint := fmt.Sprintf("%s/deals/%d?api_token=%s", c.baseURL, dealId, url.QueryEscape(c.apiToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.logFailure("GetDeal", dealId, err)
		return nil
	}
	req.Header.Set("Accept", "application/json")

	parsed := c.doDeal(req, "GetDeal", dealId)
	return parsed
}

// UpdateDeal applies an arbitrary field set to one deal and returns the updated
// record, or nil on any failure.
func (c *DealClient) UpdateDeal(ctx context.Context, dealId int, fields map[string]interface{}) *Deal {
	c.throttle(ctx)

	body, err := json.Marshal(fields)
	if err != nil {
		c.logFailure("UpdateDeal", dealId, err)
		return nil
	}
	endpoint := fmt.Sprintf("%s/deals/%d?api_token=%s", c.baseURL, dealId, url.QueryEscape(c.apiToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		c.logFailure("UpdateDeal", dealId, err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.doDeal(req, "UpdateDeal", dealId)
}

// UpdateDealTitle updates only the title field.
func (c *DealClient) UpdateDealTitle(ctx context.Context, dealId int, title string) bool {
	return c.UpdateDeal(ctx, dealId, map[string]interface{}{"title": title}) != nil
}

// BatchUpdateDeals applies updates sequentially with a fixed delay between
// successive calls. Returns the number of updates that succeeded.
func (c *DealClient) BatchUpdateDeals(ctx context.Context, updates []DealUpdate) int {
	succeeded := 0
	for i, update := range updates {
		if i > 0 {
			sleepContext(ctx, c.batchDelay)
		}
		if c.UpdateDeal(ctx, update.DealId, update.Fields) != nil {
			succeeded++
		}
	}
	return succeeded
}

// ListDeals pages through all deals in the store. ok is false when any page
// fails; whatever was collected before the failure is still returned. An empty
// store is a successful listing, not a failure.
func (c *DealClient) ListDeals(ctx context.Context) (deals []Deal, ok bool) {
	deals = make([]Deal, 0)
	start := 0
	for {
		c.throttle(ctx)

		endpoint := fmt.Sprintf("%s/deals?api_token=%s&start=%d&limit=100",
			c.baseURL, url.QueryEscape(c.apiToken), start)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			c.logFailure("ListDeals", start, err)
			return deals, false
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.logFailure("ListDeals", start, err)
			return deals, false
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.logFailure("ListDeals", start, fmt.Errorf("deal store api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
			return deals, false
		}

		var parsed dealListResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			c.logFailure("ListDeals", start, err)
			return deals, false
		}
		deals = append(deals, parsed.Data...)

		if !parsed.AdditionalData.Pagination.MoreItemsInCollection {
			return deals, true
		}
		start = parsed.AdditionalData.Pagination.NextStart
	}
}

func (c *DealClient) doDeal(req *http.Request, funcName string, dealId int) *Deal {
	resp, err := c.http.Do(req)
	if err != nil {
		c.logFailure(funcName, dealId, err)
		return nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logFailure(funcName, dealId, fmt.Errorf("deal store api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		return nil
	}

	var parsed dealResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.logFailure(funcName, dealId, err)
		return nil
	}
	if !parsed.Success || parsed.Data == nil {
		c.logFailure(funcName, dealId, fmt.Errorf("deal store api returned success=false"))
		return nil
	}
	return parsed.Data
}

func (c *DealClient) logFailure(funcName string, dealId int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"module":   "fixer/client.go",
		"funcName": funcName,
		"deal_id":  dealId,
	}).Error(err.Error())
}

// ToRecord normalizes a raw deal into the canonical matching shape.
func ToRecord(d Deal) reconcile.Record {
	value, err := decimal.NewFromString(d.Value.String())
	if err != nil {
		value = decimal.Zero
	}
	return reconcile.Record{
		ID:       strconv.Itoa(d.ID),
		Name:     d.Title,
		Value:    value,
		Currency: d.Currency,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
