package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const quickBooksPageSize = 100

// QuickBooksClient talks to the QuickBooks Online accounting API. Accounts
// are scoped by realmId (the company id); listing uses STARTPOSITION offset
// pagination through the query endpoint. Customers map to contacts and
// estimates to opportunities.
type QuickBooksClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewQuickBooksClient(cfg Config) *QuickBooksClient {
	return &QuickBooksClient{
		baseURL:    cfg.APIBase,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *QuickBooksClient) FetchContact(ctx context.Context, accessToken, accountID, externalID string) (*Object, error) {
	return c.fetchOne(ctx, accessToken, accountID, "customer", "Customer", externalID)
}

func (c *QuickBooksClient) FetchOpportunity(ctx context.Context, accessToken, accountID, externalID string) (*Object, error) {
	return c.fetchOne(ctx, accessToken, accountID, "estimate", "Estimate", externalID)
}

func (c *QuickBooksClient) ListContacts(ctx context.Context, accessToken, accountID string) ([]Object, error) {
	return c.listQuery(ctx, accessToken, accountID, "Customer")
}

func (c *QuickBooksClient) ListOpportunities(ctx context.Context, accessToken, accountID string) ([]Object, error) {
	return c.listQuery(ctx, accessToken, accountID, "Estimate")
}

func (c *QuickBooksClient) fetchOne(ctx context.Context, accessToken, realmID, resource, entityKey, externalID string) (*Object, error) {
	endpoint := fmt.Sprintf("%s/v3/company/%s/%s/%s", c.baseURL, url.PathEscape(realmID), resource, url.PathEscape(externalID))

	var out map[string]json.RawMessage
	if err := c.get(ctx, accessToken, endpoint, &out); err != nil {
		return nil, err
	}

	raw, ok := out[entityKey]
	if !ok {
		return nil, ErrObjectGone
	}

	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}

	return quickBooksObject(record), nil
}

func (c *QuickBooksClient) listQuery(ctx context.Context, accessToken, realmID, entity string) ([]Object, error) {
	var (
		objects  []Object
		position = 1
	)

	for {
		query := fmt.Sprintf("SELECT * FROM %s STARTPOSITION %d MAXRESULTS %d", entity, position, quickBooksPageSize)
		endpoint := fmt.Sprintf("%s/v3/company/%s/query?query=%s", c.baseURL, url.PathEscape(realmID), url.QueryEscape(query))

		var out struct {
			QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
		}

		if err := c.get(ctx, accessToken, endpoint, &out); err != nil {
			return nil, err
		}

		var page []map[string]any
		if raw, ok := out.QueryResponse[entity]; ok {
			if err := json.Unmarshal(raw, &page); err != nil {
				return nil, err
			}
		}

		for _, record := range page {
			objects = append(objects, *quickBooksObject(record))
		}

		if len(page) < quickBooksPageSize {
			return objects, nil
		}

		position += len(page)
	}
}

func (c *QuickBooksClient) get(ctx context.Context, accessToken, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("quickbooks request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrObjectGone
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("quickbooks returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// quickBooksObject normalizes one QBO record. The stable id lives in "Id"
// and the modification timestamp under MetaData.LastUpdatedTime.
func quickBooksObject(record map[string]any) *Object {
	obj := Object{Attributes: record}

	if id, ok := record["Id"].(string); ok {
		obj.ExternalID = id
	}

	if meta, ok := record["MetaData"].(map[string]any); ok {
		if ts, ok := meta["LastUpdatedTime"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				obj.UpdatedAt = &parsed
			}
		}
	}

	return &obj
}
