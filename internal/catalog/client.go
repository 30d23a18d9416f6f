package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

// Page is one page of the external product listing. A nil NextCursor means
// the listing is exhausted.
type Page struct {
	Items      []models.Product `json:"items"`
	NextCursor *string          `json:"next_cursor"`
}

// Client calls the external catalog API of a connected store.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

func NewClient(timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "catalog_client").Logger(),
	}
}

// ListProducts fetches up to limit products after cursor.
func (c *Client) ListProducts(ctx context.Context, acct *Account, cursor *string, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != nil && *cursor != "" {
		q.Set("cursor", *cursor)
	}
	endpoint := strings.TrimRight(acct.APIBaseURL, "/") + "/products?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Access-Token", acct.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling catalog api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Error().
			Int("status_code", resp.StatusCode).
			Str("account_id", acct.ID.String()).
			Str("error_body", string(body)).
			Msg("catalog api returned error")
		return nil, fmt.Errorf("catalog api returned status %d", resp.StatusCode)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding catalog page: %w", err)
	}
	if page.NextCursor != nil && *page.NextCursor == "" {
		page.NextCursor = nil
	}
	return &page, nil
}
