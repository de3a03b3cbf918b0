package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrNoReleases indicates the remote lists no published tags.
	ErrNoReleases = errors.New("fetch: no published releases")

	// ErrRemoteNotFound indicates the remote does not know the locator.
	ErrRemoteNotFound = errors.New("fetch: remote resource not found")

	// ErrRemoteDenied indicates the remote refused the request.
	ErrRemoteDenied = errors.New("fetch: remote denied request")

	// ErrIntegrity indicates the payload did not match the digest the remote
	// reported for it.
	ErrIntegrity = errors.New("fetch: payload digest mismatch")

	// ErrUnavailable indicates transient remote failures exhausted the retry
	// budget.
	ErrUnavailable = errors.New("fetch: remote unavailable")
)

// checksumHeader carries the remote-reported payload digest, when present.
// Absent the header, integrity means "fetch succeeded without transport
// error" and nothing stronger.
const checksumHeader = "X-Checksum-Sha256"

// Release is the latest published version of a remote project.
type Release struct {
	Tag     string
	Payload []byte
	Digest  digest.Digest
}

// Client fetches releases from a GitHub-style host: a tags listing API plus
// tag archive downloads.
type Client struct {
	apiBase     string
	archiveBase string
	client      *http.Client
	timeout     time.Duration
	attempts    int
	backoff     time.Duration
}

// New returns a fetch client. timeout bounds each attempt; attempts and
// backoff shape the retry schedule for transient failures.
func New(apiBase, archiveBase string, timeout, backoff time.Duration, attempts int) *Client {
	if attempts < 1 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiBase:     strings.TrimRight(apiBase, "/"),
		archiveBase: strings.TrimRight(archiveBase, "/"),
		client:      &http.Client{Timeout: timeout},
		timeout:     timeout,
		attempts:    attempts,
		backoff:     backoff,
	}
}

// Latest resolves the highest published tag for the locator and downloads
// its archive. Transient failures (5xx, timeout, connection reset) are
// retried with exponential backoff; denied and not-found responses fail
// immediately.
func (c *Client) Latest(ctx context.Context, locator string) (Release, error) {
	tag, err := c.latestTag(ctx, locator)
	if err != nil {
		return Release{}, err
	}
	payload, reported, err := c.archive(ctx, locator, tag)
	if err != nil {
		return Release{}, err
	}
	dgst := digest.FromBytes(payload)
	if reported != "" && reported != dgst.Encoded() {
		return Release{}, fmt.Errorf("%w: remote reported %s, got %s", ErrIntegrity, reported, dgst.Encoded())
	}
	return Release{Tag: tag, Payload: payload, Digest: dgst}, nil
}

func (c *Client) latestTag(ctx context.Context, locator string) (string, error) {
	var tags []struct {
		Name string `json:"name"`
	}
	u := fmt.Sprintf("%s/repos/%s/tags", c.apiBase, locator)
	err := c.withRetry(ctx, func(ctx context.Context) error {
		body, _, err := c.get(ctx, u)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &tags); err != nil {
			return fmt.Errorf("fetch: decode tags listing: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoReleases, locator)
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return pickLatest(names), nil
}

func (c *Client) archive(ctx context.Context, locator, tag string) ([]byte, string, error) {
	u := fmt.Sprintf("%s/%s/archive/refs/tags/%s.zip", c.archiveBase, locator, url.PathEscape(tag))
	var payload []byte
	var reported string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		body, header, err := c.get(ctx, u)
		if err != nil {
			return err
		}
		payload = body
		reported = strings.TrimSpace(header.Get(checksumHeader))
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return payload, reported, nil
}

// get performs one bounded attempt and classifies the failure: retryable
// errors are marked for the backoff loop, everything else aborts it.
func (c *Client) get(ctx context.Context, u string) ([]byte, http.Header, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, nil, retry.RetryableError(fmt.Errorf("%w: remote returned %s", ErrUnavailable, resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fmt.Errorf("%w: %s", ErrRemoteNotFound, u)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, nil, fmt.Errorf("%w: remote returned %s", ErrRemoteDenied, resp.Status)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, nil, fmt.Errorf("%w: remote returned %s", ErrRemoteDenied, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, retry.RetryableError(fmt.Errorf("%w: read body: %v", ErrUnavailable, err))
	}
	return body, resp.Header, nil
}

func (c *Client) withRetry(ctx context.Context, fn retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewExponential(c.backoff))
	return retry.Do(ctx, backoff, fn)
}

// pickLatest returns the highest tag by semantic version. Tags that do not
// parse are ignored unless none parse, in which case the lexically highest
// tag wins.
func pickLatest(tags []string) string {
	var best string
	var bestVer *semver.Version
	for _, tag := range tags {
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = tag, v
		}
	}
	if bestVer != nil {
		return best
	}
	best = tags[0]
	for _, tag := range tags[1:] {
		if tag > best {
			best = tag
		}
	}
	return best
}
