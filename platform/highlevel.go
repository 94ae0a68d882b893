package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrObjectGone is returned when the remote API reports the requested object
// no longer exists.
var ErrObjectGone = errors.New("remote object gone")

const (
	defaultRequestTimeout = 15 * time.Second
	highLevelPageSize     = 100
)

// HighLevelClient talks to the HighLevel CRM REST API. Accounts are scoped
// by locationId; listing endpoints use cursor pagination via startAfterId.
type HighLevelClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHighLevelClient(cfg Config) *HighLevelClient {
	return &HighLevelClient{
		baseURL:    cfg.APIBase,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *HighLevelClient) FetchContact(ctx context.Context, accessToken, accountID, externalID string) (*Object, error) {
	var out struct {
		Contact map[string]any `json:"contact"`
	}

	endpoint := fmt.Sprintf("%s/contacts/%s?locationId=%s", c.baseURL, url.PathEscape(externalID), url.QueryEscape(accountID))
	if err := c.get(ctx, accessToken, endpoint, &out); err != nil {
		return nil, err
	}

	if out.Contact == nil {
		return nil, ErrObjectGone
	}

	return toObject(out.Contact, "id", "updatedAt"), nil
}

func (c *HighLevelClient) FetchOpportunity(ctx context.Context, accessToken, accountID, externalID string) (*Object, error) {
	var out struct {
		Opportunity map[string]any `json:"opportunity"`
	}

	endpoint := fmt.Sprintf("%s/opportunities/%s?locationId=%s", c.baseURL, url.PathEscape(externalID), url.QueryEscape(accountID))
	if err := c.get(ctx, accessToken, endpoint, &out); err != nil {
		return nil, err
	}

	if out.Opportunity == nil {
		return nil, ErrObjectGone
	}

	return toObject(out.Opportunity, "id", "updatedAt"), nil
}

func (c *HighLevelClient) ListContacts(ctx context.Context, accessToken, accountID string) ([]Object, error) {
	return c.listPaged(ctx, accessToken, accountID, "contacts")
}

func (c *HighLevelClient) ListOpportunities(ctx context.Context, accessToken, accountID string) ([]Object, error) {
	return c.listPaged(ctx, accessToken, accountID, "opportunities")
}

func (c *HighLevelClient) listPaged(ctx context.Context, accessToken, accountID, resource string) ([]Object, error) {
	var (
		objects    []Object
		startAfter string
	)

	for {
		endpoint := fmt.Sprintf("%s/%s/?locationId=%s&limit=%d", c.baseURL, resource, url.QueryEscape(accountID), highLevelPageSize)
		if startAfter != "" {
			endpoint += "&startAfterId=" + url.QueryEscape(startAfter)
		}

		var out struct {
			Contacts      []map[string]any `json:"contacts"`
			Opportunities []map[string]any `json:"opportunities"`
			Meta          struct {
				StartAfterID string `json:"startAfterId"`
			} `json:"meta"`
		}

		if err := c.get(ctx, accessToken, endpoint, &out); err != nil {
			return nil, err
		}

		page := out.Contacts
		if resource == "opportunities" {
			page = out.Opportunities
		}

		for _, raw := range page {
			objects = append(objects, *toObject(raw, "id", "updatedAt"))
		}

		if len(page) < highLevelPageSize || out.Meta.StartAfterID == "" {
			return objects, nil
		}

		startAfter = out.Meta.StartAfterID
	}
}

func (c *HighLevelClient) get(ctx context.Context, accessToken, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("highlevel request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrObjectGone
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("highlevel returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// toObject normalizes one raw platform record. The id and timestamp field
// names differ per platform; the raw map is preserved as attributes.
func toObject(raw map[string]any, idField, updatedField string) *Object {
	obj := Object{Attributes: raw}

	if id, ok := raw[idField].(string); ok {
		obj.ExternalID = id
	}

	if ts, ok := raw[updatedField].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			obj.UpdatedAt = &parsed
		}
	}

	return &obj
}
