// Package translation loads translation bundles and tracks the active translation
// instance of each client.
package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ErrBundleNotFound is returned by loaders when no bundle exists for a locale and namespace.
var ErrBundleNotFound = errors.New("translation bundle not found")

// Resource is one loaded (locale, namespace) bundle.
type Resource struct {
	Locale    string
	Namespace string
	Messages  map[string]string
}

// Loader fetches a single translation bundle.
type Loader interface {
	Load(ctx context.Context, locale, namespace string) (*Resource, error)
}

// ExpandPath fills the {locale} and {namespace} placeholders of a load path template.
func ExpandPath(template, locale, namespace string) string {
	return strings.NewReplacer("{locale}", locale, "{namespace}", namespace).Replace(template)
}

func decodeResource(r io.Reader, locale, namespace string) (*Resource, error) {
	messages := make(map[string]string)
	if err := json.NewDecoder(r).Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s bundle: %w", locale, namespace, err)
	}
	return &Resource{Locale: locale, Namespace: namespace, Messages: messages}, nil
}

// FSLoader reads bundles from a file system, typically the embedded locale files.
type FSLoader struct {
	fsys         fs.FS
	pathTemplate string
}

// NewFSLoader creates a loader resolving pathTemplate relative to the root of fsys.
func NewFSLoader(fsys fs.FS, pathTemplate string) *FSLoader {
	return &FSLoader{fsys: fsys, pathTemplate: pathTemplate}
}

func (l *FSLoader) Load(ctx context.Context, locale, namespace string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.TrimPrefix(ExpandPath(l.pathTemplate, locale, namespace), "/")
	f, err := l.fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, name)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	return decodeResource(f, locale, namespace)
}

// HTTPLoader fetches bundles from a remote static host.
type HTTPLoader struct {
	client       *http.Client
	baseURL      string
	pathTemplate string
}

// NewHTTPLoader creates a loader requesting baseURL joined with the expanded path template.
func NewHTTPLoader(baseURL, pathTemplate string, timeout time.Duration) *HTTPLoader {
	return &HTTPLoader{
		client:       &http.Client{Timeout: timeout},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		pathTemplate: pathTemplate,
	}
}

func (l *HTTPLoader) Load(ctx context.Context, locale, namespace string) (*Resource, error) {
	url := l.baseURL + ExpandPath(l.pathTemplate, locale, namespace)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build bundle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	return decodeResource(resp.Body, locale, namespace)
}

// CachingLoader memoizes bundles and collapses concurrent fetches of the same bundle.
type CachingLoader struct {
	next  Loader
	cache *lru.Cache[string, *Resource]
	group singleflight.Group
}

// NewCachingLoader wraps next with an LRU cache of the given size.
func NewCachingLoader(next Loader, size int) (*CachingLoader, error) {
	cache, err := lru.New[string, *Resource](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle cache: %w", err)
	}
	return &CachingLoader{next: next, cache: cache}, nil
}

func (l *CachingLoader) Load(ctx context.Context, locale, namespace string) (*Resource, error) {
	key := locale + "/" + namespace
	if res, ok := l.cache.Get(key); ok {
		return res, nil
	}

	ch := l.group.DoChan(key, func() (interface{}, error) {
		res, err := l.next.Load(context.WithoutCancel(ctx), locale, namespace)
		if err != nil {
			return nil, err
		}
		l.cache.Add(key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*Resource), nil
	}
}
