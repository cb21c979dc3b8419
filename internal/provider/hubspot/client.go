package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

const defaultBaseURL = "https://api.hubapi.com"

var contactProperties = []string{
	"firstname", "lastname", "email", "phone", "company", "lastmodifieddate",
}

// Client implements provider.Source for HubSpot CRM contacts over the
// bearer-token JSON API.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  oauth2.TokenSource
}

// New creates a HubSpot contacts source.
func New(ts oauth2.TokenSource) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		tokens:  ts,
	}
}

// NewWithBaseURL points the client at a different API host. Test seam.
func NewWithBaseURL(ts oauth2.TokenSource, baseURL string) *Client {
	c := New(ts)
	c.baseURL = baseURL
	return c
}

// Kind reports the record shape.
func (c *Client) Kind() provider.Kind { return provider.KindContact }

// Name reports the provider.
func (c *Client) Name() provider.Name { return provider.NameHubSpot }

type contactResult struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type listResponse struct {
	Results []contactResult `json:"results"`
	Paging  struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// ListIDs fetches one page of contact IDs. With modifiedSince set the
// search endpoint filters server-side, which is what makes incremental
// contact sync cheap.
func (c *Client) ListIDs(ctx context.Context, cursor string, pageSize int, modifiedSince time.Time) (*provider.Page, error) {
	var resp listResponse
	var err error
	if modifiedSince.IsZero() {
		err = c.listContacts(ctx, cursor, pageSize, &resp)
	} else {
		err = c.searchContacts(ctx, cursor, pageSize, modifiedSince, &resp)
	}
	if err != nil {
		return nil, err
	}

	page := &provider.Page{NextCursor: resp.Paging.Next.After}
	for _, r := range resp.Results {
		ext := provider.ExternalID{ID: r.ID}
		if mod := r.Properties["lastmodifieddate"]; mod != "" {
			ext.LastModified = parseHubSpotTime(mod)
		}
		page.IDs = append(page.IDs, ext)
	}

	return page, nil
}

func (c *Client) listContacts(ctx context.Context, cursor string, pageSize int, out *listResponse) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("properties", "lastmodifieddate")
	if cursor != "" {
		q.Set("after", cursor)
	}

	return c.doJSON(ctx, "GET", "/crm/v3/objects/contacts?"+q.Encode(), nil, out)
}

func (c *Client) searchContacts(ctx context.Context, cursor string, pageSize int, modifiedSince time.Time, out *listResponse) error {
	body := map[string]interface{}{
		"limit":      pageSize,
		"properties": []string{"lastmodifieddate"},
		"filterGroups": []map[string]interface{}{{
			"filters": []map[string]interface{}{{
				"propertyName": "lastmodifieddate",
				"operator":     "GT",
				"value":        strconv.FormatInt(modifiedSince.UnixMilli(), 10),
			}},
		}},
	}
	if cursor != "" {
		body["after"] = cursor
	}

	return c.doJSON(ctx, "POST", "/crm/v3/objects/contacts/search", body, out)
}

// GetRecord fetches one full contact.
func (c *Client) GetRecord(ctx context.Context, id string) (*provider.RawRecord, error) {
	q := url.Values{}
	for _, p := range contactProperties {
		q.Add("properties", p)
	}

	var result contactResult
	if err := c.doJSON(ctx, "GET", "/crm/v3/objects/contacts/"+url.PathEscape(id)+"?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}

	return normalizeContact(&result), nil
}

// normalizeContact flattens a contact into the raw record shape; name and
// email land in the From field so the canonical address parser applies.
func normalizeContact(r *contactResult) *provider.RawRecord {
	props := r.Properties

	name := props["firstname"]
	if last := props["lastname"]; last != "" {
		if name != "" {
			name += " "
		}
		name += last
	}

	from := props["email"]
	if name != "" {
		from = fmt.Sprintf("%s <%s>", name, props["email"])
	}

	raw := &provider.RawRecord{
		Provider: provider.NameHubSpot,
		Kind:     provider.KindContact,
		ID:       r.ID,
		Fields: map[string]string{
			"From":    from,
			"Subject": props["company"],
		},
	}
	for k, v := range props {
		raw.Fields[k] = v
	}
	if mod := props["lastmodifieddate"]; mod != "" {
		raw.Fields["lastModified"] = parseHubSpotTime(mod).Format(time.RFC3339)
		raw.Fields["Date"] = raw.Fields["lastModified"]
	}

	return raw
}

// doJSON runs one authenticated JSON round trip and classifies failures.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &provider.RequestError{Provider: provider.NameHubSpot, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.ClassifyStatus(provider.NameHubSpot, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// parseHubSpotTime accepts both the epoch-millis and RFC3339 forms HubSpot
// uses for lastmodifieddate.
func parseHubSpotTime(s string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
