package scanner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

// maxPageBytes caps a single fetched page.
const maxPageBytes = 16 * 1024 * 1024

// URLSource fetches a fixed list of remote pages. The document ID is the URL.
type URLSource struct {
	urls        []string
	client      *http.Client
	concurrency int
	algo        string
}

// URLSourceOption configures a URLSource.
type URLSourceOption func(*URLSource)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) URLSourceOption {
	return func(s *URLSource) { s.client = c }
}

// WithConcurrency bounds the number of simultaneous fetches.
func WithConcurrency(n int) URLSourceOption {
	return func(s *URLSource) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithHashAlgorithm selects the checksum algorithm.
func WithHashAlgorithm(algo string) URLSourceOption {
	return func(s *URLSource) { s.algo = algo }
}

// NewURLSource creates a source over urls.
func NewURLSource(urls []string, timeout time.Duration, opts ...URLSourceOption) *URLSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &URLSource{
		urls:        append([]string(nil), urls...),
		client:      &http.Client{Timeout: timeout},
		concurrency: 4,
		algo:        AlgoSHA256,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List fetches every page. Any failed fetch fails the whole listing, since
// a partial listing would classify the missing pages as deleted.
func (s *URLSource) List(ctx context.Context) ([]*Document, error) {
	docs := make([]*Document, len(s.urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, u := range s.urls {
		g.Go(func() error {
			doc, err := s.fetch(gctx, u)
			if err != nil {
				return amerrors.ScanError(u, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortDocuments(docs)
	return docs, nil
}

func (s *URLSource) fetch(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Document{
		ID:      url,
		Content: content,
		Metadata: map[string]string{
			"source":       "url",
			"url":          url,
			"content_type": resp.Header.Get("Content-Type"),
			"size":         strconv.Itoa(len(content)),
		},
		Checksum: Checksum(s.algo, content),
	}, nil
}
