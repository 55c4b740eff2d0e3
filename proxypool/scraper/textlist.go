package scraper

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/model"
)

// TextListProvider fetches plain-text lists with one "host:port" (optionally
// "scheme://host:port") per line. Blank lines and '#' comments are skipped.
type TextListProvider struct {
	name     string
	urls     []string
	defaults Defaults
	timeout  time.Duration
}

func NewTextListProvider(name string, urls []string, d Defaults) *TextListProvider {
	return &TextListProvider{name: name, urls: urls, defaults: d, timeout: 20 * time.Second}
}

func (p *TextListProvider) Name() string { return p.name }

func (p *TextListProvider) Discover(ctx context.Context) iter.Seq2[*model.Resource, error] {
	return func(yield func(*model.Resource, error) bool) {
		l := logger.WithComponent("ProxyPool/Scraper")
		l.Info().Str("source", p.name).Int("lists", len(p.urls)).Msg("Starting scrape...")

		for _, u := range p.urls {
			if ctx.Err() != nil {
				return
			}
			body, err := p.fetch(u)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}

			sc := bufio.NewScanner(bytes.NewReader(body))
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				r, err := ParseLine(line, p.defaults)
				if r != nil {
					r.Source = p.name
				}
				if !yield(r, err) {
					return
				}
			}
		}
	}
}

// fetch visits one list. The collector is built per call so repeated cycles may revisit URLs.
func (p *TextListProvider) fetch(u string) ([]byte, error) {
	c := colly.NewCollector(colly.UserAgent(userAgent))
	c.SetRequestTimeout(p.timeout)

	var body []byte
	var scrapeErr error
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		scrapeErr = fmt.Errorf("scrape of %s failed with status %d: %w", u, r.StatusCode, err)
	})

	if err := c.Visit(u); err != nil && scrapeErr == nil {
		scrapeErr = fmt.Errorf("scrape of %s failed: %w", u, err)
	}
	c.Wait()
	if scrapeErr != nil {
		return nil, scrapeErr
	}
	return body, nil
}
