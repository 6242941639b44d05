package cafe24

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Shop describes the mall the operator is logged in to.
type Shop struct {
	MallID        string `json:"mall_id"`
	ShopName      string `json:"shop_name"`
	PrimaryDomain string `json:"primary_domain"`
	Currency      string `json:"currency_code"`
}

// Store fetches the mall profile. Being read-only, the request is retried on
// transient server errors.
func (c *Client) Store(ctx context.Context) (*Shop, error) {
	endpoint := c.baseURL + "/admin/store"

	resp, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, true)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	var payload struct {
		Store Shop `json:"store"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding store response: %w", err)
	}
	return &payload.Store, nil
}
