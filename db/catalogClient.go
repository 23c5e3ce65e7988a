package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	DEFAULT_HTTP_TIMEOUT = 60 * time.Second
	// the real list is a few hundred kilobytes
	MAX_CATALOG_SIZE = 16 << 20
)

var ErrCatalogTooLarge = errors.New("game list is too large")

// Cache for catalog bodies keyed by url, PersistentDB implements it
type CatalogCache interface {
	CachedCatalog(url string) (*CachedCatalog, bool)
	StoreCatalog(url string, etag string, body []byte) error
	ClearCatalogs() error
}

// CatalogClient downloads and parses the remote game list
type CatalogClient struct {
	httpClient *http.Client
	cache      CatalogCache
	maxSize    int64
	logger     *zap.SugaredLogger
}

// cache may be nil
func NewCatalogClient(httpClient *http.Client, cache CatalogCache, l *zap.SugaredLogger) *CatalogClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DEFAULT_HTTP_TIMEOUT}
	}
	if l == nil {
		l = zap.S()
	}
	return &CatalogClient{httpClient: httpClient, cache: cache, maxSize: MAX_CATALOG_SIZE, logger: l}
}

// Fetch downloads the catalog at catalogUrl and returns the games that are not
// installed, i.e. without a local record of the same id and version.
// Cancelling ctx aborts the transfer and returns an error of kind KindCancelled.
func (c *CatalogClient) Fetch(ctx context.Context, catalogUrl string, local []GameRecord, progress ProgressFunc) ([]GameRecord, error) {
	body, err := c.download(ctx, catalogUrl, progress)
	if err != nil {
		return nil, err
	}

	games, err := ParseCatalog(bytes.NewReader(body.data))
	if err != nil {
		c.logger.Warnf("errors while parsing game list [%v] - %v", catalogUrl, err)
		return nil, err
	}

	if c.cache != nil && body.etag != "" && !body.fromCache {
		if err := c.cache.StoreCatalog(catalogUrl, body.etag, body.data); err != nil {
			c.logger.Warnf("failed to cache game list - %v", err)
		}
	}

	result := FilterInstalled(games, local)
	c.logger.Infof("game list [%v] has %v games, %v not installed", catalogUrl, len(games), len(result))
	return result, nil
}

type catalogBody struct {
	data      []byte
	etag      string
	fromCache bool
}

func (c *CatalogClient) download(ctx context.Context, catalogUrl string, progress ProgressFunc) (*catalogBody, error) {
	const op = "fetch game list"

	u, err := url.Parse(catalogUrl)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, NetworkError(op, fmt.Errorf("%w [%v]", ErrInvalidURL, catalogUrl))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, catalogUrl, nil)
	if err != nil {
		return nil, NetworkError(op, err)
	}

	var cached *CachedCatalog
	if c.cache != nil {
		if cc, ok := c.cache.CachedCatalog(catalogUrl); ok {
			cached = cc
			req.Header.Set("If-None-Match", cc.Etag)
		}
	}

	c.logger.Infof("updating game list from %v", catalogUrl)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, TransferError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		c.logger.Infof("game list not modified, using cached copy from %v", cached.Fetched)
		if progress != nil {
			size := int64(len(cached.Body))
			progress(size, size)
		}
		return &catalogBody{data: cached.Body, etag: cached.Etag, fromCache: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NetworkError(op, errors.New("got a non 2xx response - "+resp.Status))
	}

	total := resp.ContentLength
	if total > c.maxSize {
		return nil, ParseError(op, fmt.Errorf("%w: %v bytes", ErrCatalogTooLarge, total))
	}
	body := io.LimitReader(resp.Body, c.maxSize+1)
	data, err := io.ReadAll(NewProgressReader(body, total, progress))
	if err != nil {
		return nil, TransferError(ctx, op, err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, ParseError(op, fmt.Errorf("%w: more than %v bytes", ErrCatalogTooLarge, c.maxSize))
	}

	return &catalogBody{data: data, etag: resp.Header.Get("Etag")}, nil
}

// ClearCache forgets every cached game list, used when the update url changes
func (c *CatalogClient) ClearCache() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.ClearCatalogs()
}

// TransferError maps a transport failure to KindCancelled when ctx was cancelled
func TransferError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return Cancelled(op, ctx.Err())
	}
	return NetworkError(op, err)
}
