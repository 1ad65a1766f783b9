package ipfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// PinataStore pins JSON documents through the Pinata pinning API.
type PinataStore struct {
	*Gateway
	baseURL string
	jwt     string
	http    *resty.Client
}

var _ Store = (*PinataStore)(nil)
var _ Fetcher = (*PinataStore)(nil)

type pinataPinReq struct {
	PinataContent  Document       `json:"pinataContent"`
	PinataMetadata pinataMetadata `json:"pinataMetadata"`
}

type pinataMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

type pinataPinResp struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type pinataErrResp struct {
	Error any `json:"error"`
}

func NewPinataStore(baseURL, jwt, gatewayURL string) *PinataStore {
	if baseURL == "" {
		baseURL = "https://api.pinata.cloud"
	}
	return &PinataStore{
		Gateway: NewGateway(gatewayURL),
		baseURL: strings.TrimRight(baseURL, "/"),
		jwt:     jwt,
		http: resty.New().
			SetTimeout(30 * time.Second).
			SetHeader("User-Agent", "forever-message/1.0"),
	}
}

func (p *PinataStore) Upload(ctx context.Context, name string, doc Document) (string, error) {
	if strings.TrimSpace(p.jwt) == "" {
		return "", errors.New("pinata: jwt is required")
	}

	var out pinataPinResp
	var apiErr pinataErrResp
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(p.jwt).
		SetHeader("Content-Type", "application/json").
		SetBody(pinataPinReq{
			PinataContent: doc,
			PinataMetadata: pinataMetadata{
				Name:      name,
				KeyValues: map[string]string{"content_hash": doc.ContentHash},
			},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post(p.baseURL + "/pinning/pinJSONToIPFS")
	if err != nil {
		return "", fmt.Errorf("pinata: %w", err)
	}
	if resp.IsError() {
		msg := truncate(resp.String(), 512)
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode())
		}
		return "", fmt.Errorf("pinata: %s", msg)
	}
	if out.IpfsHash == "" {
		return "", ErrEmptyCID
	}
	return out.IpfsHash, nil
}
