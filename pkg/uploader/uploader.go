// Package uploader delivers packaged payloads to the content API.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/sethvargo/go-retry"

	"github.com/jacktea/kbtpub/pkg/keys"
	"github.com/jacktea/kbtpub/pkg/wire"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 500 * time.Millisecond

	maxAckBytes = 4 << 20
)

// Config configures a Client.
type Config struct {
	Endpoint string
	Attempts int
	Delay    time.Duration
	APIKey   string
	Client   *http.Client
	Logger   *slog.Logger
}

// Body supplies a fresh request body per attempt.
type Body interface {
	Body() (io.ReadCloser, string, error)
}

// Request is one item to deliver.
type Request struct {
	Address   string
	PublicKey crypto.PubKey
	Metadata  wire.Metadata
	Payload   Body
}

// Client posts payloads with a fixed-count, fixed-delay retry policy.
type Client struct {
	base     *url.URL
	attempts int
	delay    time.Duration
	apiKey   string
	client   *http.Client
	log      *slog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = wire.DefaultEndpoint
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "uploader.New", cfg.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "uploader.New", cfg.Endpoint,
			fmt.Errorf("endpoint scheme must be http or https"))
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:     base,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		apiKey:   cfg.APIKey,
		client:   client,
		log:      logger,
	}, nil
}

// URL returns the upload URL for address.
func (c *Client) URL(address string) string {
	return c.base.JoinPath(wire.ContentPrefix, address).String()
}

// Upload posts req and returns the parsed acknowledgment. Network errors,
// 5xx and 429 responses are retried; anything else fails immediately.
func (c *Client) Upload(ctx context.Context, req Request) (wire.Ack, error) {
	target := c.URL(req.Address)
	if req.Address == "" || req.Payload == nil || req.PublicKey == nil {
		return wire.Ack{}, xerrors.E(xerrors.KindInvalid, "uploader.Upload", target)
	}
	signature, err := keys.EncodePublicKey(req.PublicKey)
	if err != nil {
		return wire.Ack{}, err
	}
	meta, err := req.Metadata.Encode()
	if err != nil {
		return wire.Ack{}, xerrors.Wrap(xerrors.KindInvalid, "uploader.Upload", target, err)
	}

	var (
		ack     wire.Ack
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewConstant(c.delay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var aerr error
		ack, aerr = c.post(ctx, target, meta, signature, req.Payload)
		if aerr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(aerr, &perm) {
			return aerr
		}
		if attempt < c.attempts {
			c.log.Warn("upload attempt failed", "url", target, "attempt", attempt, "max_attempts", c.attempts, "error", aerr)
		}
		return retry.RetryableError(aerr)
	})
	if err != nil {
		return wire.Ack{}, xerrors.Wrap(xerrors.KindUpload, "uploader.Upload", target,
			fmt.Errorf("after %d attempt(s): %w", attempt, err))
	}
	return ack, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (c *Client) post(ctx context.Context, target, meta, signature string, payload Body) (wire.Ack, error) {
	body, contentType, err := payload.Body()
	if err != nil {
		return wire.Ack{}, &permanentError{err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		body.Close()
		return wire.Ack{}, &permanentError{err}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(wire.HeaderMetadata, meta)
	httpReq.Header.Set(wire.HeaderSignature, signature)
	if c.apiKey != "" {
		httpReq.Header.Set(wire.HeaderAPIKey, c.apiKey)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return wire.Ack{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return wire.Ack{}, err
	}
	if resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("remote post %s: %s", resp.Status, truncate(data, 512))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return wire.Ack{}, statusErr
		}
		return wire.Ack{}, &permanentError{statusErr}
	}
	ack, err := wire.ParseAck(data)
	if err != nil {
		return wire.Ack{}, &permanentError{err}
	}
	return ack, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		data = data[:n]
	}
	return string(data)
}
