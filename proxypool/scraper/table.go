package scraper

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/model"
)

// Columns locates fields in a table row. A negative index means the page has no such column;
// with Port < 0 the host column is expected to hold "host:port".
type Columns struct {
	Host     int
	Port     int
	Protocol int
	Geo      int
}

func DefaultColumns() Columns { return Columns{Host: 0, Port: 1, Protocol: 2, Geo: 3} }

// TableProvider reads resources out of the <tbody> rows of HTML table pages.
type TableProvider struct {
	name     string
	pages    []string
	columns  Columns
	defaults Defaults
	client   *http.Client
}

func NewTableProvider(name string, pages []string, columns Columns, d Defaults) *TableProvider {
	return &TableProvider{
		name:     name,
		pages:    pages,
		columns:  columns,
		defaults: d,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (p *TableProvider) Name() string { return p.name }

func (p *TableProvider) Discover(ctx context.Context) iter.Seq2[*model.Resource, error] {
	return func(yield func(*model.Resource, error) bool) {
		l := logger.WithComponent("ProxyPool/Scraper")
		l.Info().Str("source", p.name).Int("pages", len(p.pages)).Msg("Starting scrape...")

		for _, page := range p.pages {
			if ctx.Err() != nil {
				return
			}
			doc, err := p.fetch(ctx, page)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			l.Debug().Str("url", page).Str("source", p.name).Msg("Scraping page...")

			rows := doc.Find("tbody tr")
			if rows.Length() == 0 {
				rows = doc.Find("table tr")
			}
			for i := range rows.Length() {
				r, err := p.parseRow(rows.Eq(i))
				if r == nil && err == nil {
					continue
				}
				if !yield(r, err) {
					return
				}
			}
		}
	}
}

func (p *TableProvider) fetch(ctx context.Context, page string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code %d from %s", resp.StatusCode, page)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML from %s: %w", page, err)
	}
	return doc, nil
}

// parseRow returns (nil, nil) for rows without data, such as header rows.
func (p *TableProvider) parseRow(row *goquery.Selection) (*model.Resource, error) {
	cells := row.Find("td")
	cell := func(i int) string {
		if i < 0 || i >= cells.Length() {
			return ""
		}
		return strings.TrimSpace(cells.Eq(i).Text())
	}

	host := cell(p.columns.Host)
	if host == "" {
		return nil, nil
	}

	var r *model.Resource
	var err error
	caps := p.defaults.Capabilities
	if proto := cell(p.columns.Protocol); proto != "" {
		// "HTTP, HTTPS" style cells list more than one
		set := model.CapabilitySet(0)
		for _, part := range strings.FieldsFunc(proto, func(r rune) bool { return r == ',' || r == '/' || r == ' ' }) {
			if c, perr := ParseScheme(part); perr == nil {
				set |= c
			}
		}
		if !set.Empty() {
			caps = set
		}
	}
	if p.columns.Port < 0 {
		r, err = ParseLine(host, Defaults{Capabilities: caps, Priority: p.defaults.Priority})
	} else {
		r, err = newResource(host, cell(p.columns.Port), caps, p.defaults.Priority)
	}
	if err != nil {
		return nil, err
	}
	r.Geo = cell(p.columns.Geo)
	r.Source = p.name
	return r, nil
}
