package ipfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Gateway reads pinned documents over a public or dedicated IPFS gateway.
type Gateway struct {
	baseURL string
	http    *resty.Client
}

func NewGateway(baseURL string) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: resty.New().
			SetTimeout(20 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
	}
}

func (g *Gateway) Fetch(ctx context.Context, cid string) (*Document, error) {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return nil, ErrEmptyCID
	}
	var doc Document
	resp, err := g.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&doc).
		ForceContentType("application/json").
		Get(fmt.Sprintf("%s/%s", g.baseURL, cid))
	if err != nil {
		return nil, fmt.Errorf("ipfs gateway: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ipfs gateway: status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	if !doc.Verify() {
		return nil, errors.New("ipfs gateway: content hash mismatch")
	}
	return &doc, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
