package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"

	"github.com/ibgate-project/ibgate/internal/httpx"
	"github.com/ibgate-project/ibgate/internal/integrity"
	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
)

// MaxBodySize bounds a downloaded feed.
const MaxBodySize = 4 << 20

// HTTPConfig locates the feed on the server.
type HTTPConfig struct {
	BaseURL      string
	ChecksumPath string
	DatabasePath string
	Client       httpx.Options
}

// HTTPFeed fetches the checksum and the CSV body from the server. Without
// a checksum path the checksum is derived from the body, which is then
// kept for the following FetchRecords.
type HTTPFeed struct {
	cfg    HTTPConfig
	client *retryablehttp.Client
	log    *logging.Logger

	mu     sync.Mutex
	cached []byte
}

var (
	_ keystore.Feed = (*HTTPFeed)(nil)
	_ keystore.Feed = (*FileFeed)(nil)
)

// NewHTTPFeed validates cfg and builds the client.
func NewHTTPFeed(cfg HTTPConfig, log *logging.Logger) (*HTTPFeed, error) {
	if log == nil {
		log = logging.Nop()
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, errclass.ErrConfigInvalid.WithMessagef("server.base_url %q", cfg.BaseURL)
	}
	if cfg.DatabasePath == "" {
		return nil, errclass.ErrConfigInvalid.WithMessage("server.database_path is empty")
	}
	return &HTTPFeed{
		cfg:    cfg,
		client: httpx.New(cfg.Client, log),
		log:    log.With("component", "feed"),
	}, nil
}

func (f *HTTPFeed) url(path string) string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (f *HTTPFeed) get(ctx context.Context, path string) ([]byte, error) {
	u := f.url(path)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errclass.ErrFeedUnavailable.Wrap(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errclass.ErrFeedUnavailable.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, errclass.ErrFeedUnavailable.Wrap(&httpx.StatusError{Method: http.MethodGet, URL: u, Status: resp.StatusCode})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, errclass.ErrFeedUnavailable.Wrap(err)
	}
	if len(body) > MaxBodySize {
		return nil, errclass.ErrFeedUnavailable.WithMessagef("%s larger than %d bytes", u, MaxBodySize)
	}
	f.log.Debug("fetched", map[string]any{"url": u, "bytes": len(body)})
	return body, nil
}

// ParseChecksum parses the checksum endpoint body: hex, optional 0x. A
// zero checksum reads as 1, since 0 means "no data" to the key store.
func ParseChecksum(body []byte) (uint64, error) {
	s := strings.TrimSpace(string(body))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errclass.ErrFeedChecksum.WithMessagef("bad checksum %q", s)
	}
	if v == 0 {
		return 1, nil
	}
	return v, nil
}

// FetchChecksum implements keystore.Feed.
func (f *HTTPFeed) FetchChecksum(ctx context.Context) (uint64, error) {
	if f.cfg.ChecksumPath == "" {
		body, err := f.get(ctx, f.cfg.DatabasePath)
		if err != nil {
			return 0, err
		}
		f.mu.Lock()
		f.cached = body
		f.mu.Unlock()
		return integrity.FeedChecksum(body), nil
	}
	body, err := f.get(ctx, f.cfg.ChecksumPath)
	if err != nil {
		return 0, err
	}
	return ParseChecksum(body)
}

// FetchRecords implements keystore.Feed.
func (f *HTTPFeed) FetchRecords(ctx context.Context) (iter.Seq2[keystore.Record, error], error) {
	f.mu.Lock()
	body := f.cached
	f.cached = nil
	f.mu.Unlock()

	if body == nil {
		var err error
		if body, err = f.get(ctx, f.cfg.DatabasePath); err != nil {
			return nil, err
		}
	}
	return Parse(bytes.NewReader(body)), nil
}

// FileFeed reads a local CSV file; its checksum is derived from the
// content.
type FileFeed struct {
	fs   afero.Fs
	path string
}

// NewFileFeed returns a feed over path.
func NewFileFeed(fs afero.Fs, path string) *FileFeed {
	return &FileFeed{fs: fs, path: path}
}

// FetchChecksum implements keystore.Feed.
func (f *FileFeed) FetchChecksum(context.Context) (uint64, error) {
	file, err := f.fs.Open(f.path)
	if err != nil {
		return 0, errclass.ErrFeedUnavailable.Wrap(err)
	}
	defer file.Close()
	h := integrity.NewFeedHasher()
	if _, err := io.Copy(h, file); err != nil {
		return 0, errclass.ErrFeedUnavailable.Wrap(fmt.Errorf("read %s: %w", f.path, err))
	}
	return h.Sum64(), nil
}

// FetchRecords implements keystore.Feed. The file stays open until the
// sequence is drained.
func (f *FileFeed) FetchRecords(context.Context) (iter.Seq2[keystore.Record, error], error) {
	if _, err := f.fs.Stat(f.path); err != nil {
		return nil, errclass.ErrFeedUnavailable.Wrap(err)
	}
	return func(yield func(keystore.Record, error) bool) {
		file, err := f.fs.Open(f.path)
		if err != nil {
			yield(keystore.Record{}, errclass.ErrFeedUnavailable.Wrap(err))
			return
		}
		defer file.Close()
		for rec, err := range Parse(file) {
			if !yield(rec, err) {
				return
			}
		}
	}, nil
}
