// Package httpsource is the one concrete message.Source/message.Connection
// implementation shipped with the CLI: a thin fasthttp client against a
// generic paginated JSON history API, with the bulk-export token minted
// locally as a signed, expiring JWT rather than round-tripped through the
// remote service (which the generic API this talks to doesn't define).
package httpsource

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/teris-io/shortid"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/hkdf"

	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/retry"
	"github.com/ais-export/shardhist/internal/xerr"
)

var js = jsoniter.ConfigCompatibleWithStandardLibrary

// tokenClaims is the bulk-export token's payload: which entity it was
// opened for and how large a file the remote side agreed to let us pull per
// request.
type tokenClaims struct {
	jwt.RegisteredClaims
	MaxFileSizeMB int `json:"max_file_size_mb"`
}

// Source talks to a base URL exposing:
//
//	GET  {base}/entities/{entity}                         -> entityResponse
//	GET  {base}/history?peer=&hash=&offset=&min=&limit=    -> historyResponse
type Source struct {
	BaseURL     string
	TokenSecret string // HKDF input key material for signing bulk-export tokens

	client *fasthttp.Client
}

func New(baseURL, tokenSecret string) *Source {
	return &Source{BaseURL: baseURL, TokenSecret: tokenSecret, client: &fasthttp.Client{}}
}

type entityResponse struct {
	PeerID     int64  `json:"peer_id"`
	AccessHash int64  `json:"access_hash"`
	MaxID      int64  `json:"max_id"`
	OldestID   int64  `json:"oldest_id"`
	Datacenter string `json:"datacenter"`
}

func (s *Source) Resolve(ctx context.Context, entity string) (message.EntityInfo, error) {
	var resp entityResponse
	if err := s.getJSON(ctx, fmt.Sprintf("%s/entities/%s", s.BaseURL, entity), "", &resp); err != nil {
		return message.EntityInfo{}, err
	}
	return message.EntityInfo{
		Peer:       message.Peer{ID: resp.PeerID, AccessHash: resp.AccessHash},
		MaxID:      resp.MaxID,
		OldestID:   resp.OldestID,
		Datacenter: resp.Datacenter,
	}, nil
}

// signingKey derives a fresh HMAC key from TokenSecret via HKDF-SHA256
// rather than using the configured secret directly as the MAC key.
func (s *Source) signingKey() ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(s.TokenSecret), nil, []byte("shardhist-bulk-export-token"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Source) OpenBulkExportToken(_ context.Context, maxFileSizeMB int) (string, error) {
	key, err := s.signingKey()
	if err != nil {
		return "", xerr.Wrap(err, "httpsource: derive token signing key")
	}
	jti, err := shortid.Generate()
	if err != nil {
		return "", xerr.Wrap(err, "httpsource: generate token id")
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(6 * time.Hour)),
		},
		MaxFileSizeMB: maxFileSizeMB,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(key)
}

func (s *Source) CloseBulkExportToken(_ context.Context, token string) error {
	key, err := s.signingKey()
	if err != nil {
		return xerr.Wrap(err, "httpsource: derive token signing key")
	}
	_, err = jwt.ParseWithClaims(token, &tokenClaims{}, func(*jwt.Token) (any, error) { return key, nil })
	return err
}

func (s *Source) Master() message.Connection {
	return &Connection{src: s, token: ""}
}

// Connection is one fasthttp-backed link. Clone returns an independent
// value (fasthttp.Client is already safe for concurrent use, so Clone just
// copies the small struct); WithBulkExportToken returns a copy whose history
// requests carry the token as a bearer Authorization header.
type Connection struct {
	src   *Source
	token string
}

func (c *Connection) Clone(context.Context) (message.Connection, error) {
	return &Connection{src: c.src, token: c.token}, nil
}

func (c *Connection) WithBulkExportToken(token string) message.Connection {
	return &Connection{src: c.src, token: token}
}

func (c *Connection) Close() error { return nil }

type historyResponse struct {
	Messages []jsoniter.RawMessage `json:"messages"`
	Hash     int64                 `json:"hash"`
}

func (c *Connection) GetHistory(ctx context.Context, peer message.Peer, offsetID, minID int64, limit int, hash int64) (message.Page, error) {
	url := fmt.Sprintf("%s/history?peer=%d&offset=%d&min=%d&limit=%d&hash=%d",
		c.src.BaseURL, peer.ID, offsetID, minID, limit, hash)

	var resp historyResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return message.Page{}, err
	}

	msgs := make([]message.Message, len(resp.Messages))
	for i, raw := range resp.Messages {
		var envelope struct {
			ID int64 `json:"id"`
		}
		if err := js.Unmarshal(raw, &envelope); err != nil {
			return message.Page{}, xerr.Wrap(err, "httpsource: decode message envelope")
		}
		var payload any
		if err := js.Unmarshal(raw, &payload); err != nil {
			return message.Page{}, xerr.Wrap(err, "httpsource: decode message payload")
		}
		msgs[i] = message.Message{ID: envelope.ID, Conn: c, Raw: payload}
	}
	return message.Page{Messages: msgs, Hash: resp.Hash}, nil
}

func (c *Connection) getJSON(ctx context.Context, url string, out any) error {
	return c.src.getJSON(ctx, url, c.token, out)
}

// getJSON issues one GET; a non-empty token is sent as an
// "Authorization: Bearer <token>" header.
func (s *Source) getJSON(ctx context.Context, url, token string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	deadline := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			deadline = d
		}
	}

	if err := s.client.DoDeadline(req, resp, time.Now().Add(deadline)); err != nil {
		return xerr.Wrap(err, "httpsource: request failed")
	}
	if resp.StatusCode() == fasthttp.StatusTooManyRequests {
		return &retry.RateLimitedError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return xerr.Errorf("httpsource: unexpected status %d for %s", resp.StatusCode(), url)
	}
	return js.Unmarshal(resp.Body(), out)
}

// retryAfter reads the server-told wait off a 429 response's Retry-After
// header (seconds) — the fetcher honors this wait without consuming its
// retry budget. Falls back to a conservative 1s when the header is absent
// or unparsable.
func retryAfter(resp *fasthttp.Response) time.Duration {
	v := resp.Header.Peek("Retry-After")
	if len(v) == 0 {
		return time.Second
	}
	secs, err := strconv.Atoi(string(v))
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}
