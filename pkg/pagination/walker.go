package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

const (
	// LinksKey is the response field holding link relations.
	LinksKey = "_links"

	// NextRel is the link relation pointing at the following page.
	NextRel = "_next"

	// SelfRel is the link relation pointing at the current resource.
	SelfRel = "_self"
)

var (
	// ErrMissingKey is returned when a page lacks the requested item key.
	ErrMissingKey = errors.New("page is missing item key")

	// ErrMissingLinks is returned when a page has no _links object.
	ErrMissingLinks = errors.New("page is missing _links")

	// ErrPageCycle is returned when a _next link points at the page that
	// contained it.
	ErrPageCycle = errors.New("next link points at current page")
)

var pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "planet_pages_fetched_total",
	Help: "Total collection pages decoded by resource key",
}, []string{"key"})

// Fetcher retrieves the raw JSON body of a single page.
type Fetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]byte, error)
}

// Page is one decoded page of a collection.
type Page[T any] struct {
	Items []T
	Links Links
}

// Next returns the URL of the following page, if any.
func (p *Page[T]) Next() (string, bool) {
	next, ok := p.Links[NextRel]
	return next, ok && next != ""
}

// ParsePage decodes body, reading items from key and link relations from
// _links.
func ParsePage[T any](body []byte, key string) (*Page[T], error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	itemsRaw, ok := raw[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingKey, key)
	}

	page := &Page[T]{}
	if err := json.Unmarshal(itemsRaw, &page.Items); err != nil {
		return nil, fmt.Errorf("decode %q items: %w", key, err)
	}

	linksRaw, ok := raw[LinksKey]
	if !ok {
		return nil, ErrMissingLinks
	}
	if err := json.Unmarshal(linksRaw, &page.Links); err != nil {
		return nil, fmt.Errorf("decode %s: %w", LinksKey, err)
	}

	pagesFetched.WithLabelValues(key).Inc()
	return page, nil
}

// Walk lazily yields every item of the collection starting at startURL.
// The first error ends the sequence.
func Walk[T any](ctx context.Context, f Fetcher, startURL, key string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		walk(ctx, f, startURL, nil, key, yield)
	}
}

// WalkFrom is Walk for a collection whose first page has already been
// retrieved, typically by a POST search. Subsequent pages are fetched
// with f.
func WalkFrom[T any](ctx context.Context, f Fetcher, firstPage []byte, key string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		walk(ctx, f, "", firstPage, key, yield)
	}
}

func walk[T any](ctx context.Context, f Fetcher, pageURL string, body []byte, key string, yield func(T, error) bool) {
	var zero T
	pages := 0

	for {
		if body == nil {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}

			b, err := f.FetchPage(ctx, pageURL)
			if err != nil {
				yield(zero, fmt.Errorf("fetch page %d of %q: %w", pages+1, key, err))
				return
			}
			body = b
		}

		page, err := ParsePage[T](body, key)
		if err != nil {
			yield(zero, fmt.Errorf("page %d: %w", pages+1, err))
			return
		}
		pages++

		for _, item := range page.Items {
			if !yield(item, nil) {
				return
			}
		}

		next, ok := page.Next()
		if !ok {
			log.Debug().
				Str("key", key).
				Int("pages", pages).
				Msg("Collection exhausted")
			return
		}
		if next == pageURL {
			yield(zero, fmt.Errorf("%w: %s", ErrPageCycle, next))
			return
		}

		pageURL, body = next, nil
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// First returns the first item of seq. ok is false when seq is empty.
func First[T any](seq iter.Seq2[T, error]) (item T, ok bool, err error) {
	for v, err := range seq {
		if err != nil {
			return item, false, err
		}
		return v, true, nil
	}
	return item, false, nil
}
