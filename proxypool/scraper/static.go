package scraper

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"os"
	"strings"

	"egress_nexus/proxypool/model"
)

// StaticProvider yields a fixed list of entries, or the lines of a file read on every cycle.
// It backs manual import.
type StaticProvider struct {
	name     string
	lines    []string
	path     string
	defaults Defaults
}

func NewStaticProvider(name string, lines []string, d Defaults) *StaticProvider {
	return &StaticProvider{name: name, lines: lines, defaults: d}
}

func NewStaticFileProvider(name, path string, d Defaults) *StaticProvider {
	return &StaticProvider{name: name, path: path, defaults: d}
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) Discover(ctx context.Context) iter.Seq2[*model.Resource, error] {
	return func(yield func(*model.Resource, error) bool) {
		lines := p.lines
		if p.path != "" {
			var err error
			if lines, err = readLines(p.path); err != nil {
				yield(nil, err)
				return
			}
		}
		for _, line := range lines {
			if ctx.Err() != nil {
				return
			}
			line = strings.TrimSpace(line)
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

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
