// Package blacklist filters out registrable domains that never represent a
// competitor's own store: marketplaces, social platforms, link shorteners.
package blacklist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domainname"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
)

// defaultDomains are always excluded, even without a blacklist file.
var defaultDomains = []string{
	"amazon.com", "ebay.com", "etsy.com", "walmart.com", "aliexpress.com", "temu.com", "target.com",
	"facebook.com", "fb.com", "fb.me", "instagram.com", "tiktok.com", "youtube.com", "youtu.be",
	"twitter.com", "x.com", "pinterest.com", "linkedin.com", "reddit.com", "whatsapp.com", "m.me",
	"bit.ly", "tinyurl.com", "linktr.ee", "goo.gl", "ow.ly", "t.co", "rebrand.ly",
	"google.com", "apple.com", "shopify.com",
}

// Filter is a read-only set of registrable domains, safe for concurrent reads.
type Filter struct {
	domains map[string]struct{}
}

// New builds a Filter from the defaults plus extra entries. Entries that are
// public suffixes are ignored.
func New(extra ...string) *Filter {
	f := &Filter{domains: make(map[string]struct{}, len(defaultDomains)+len(extra))}
	for _, d := range defaultDomains {
		f.add(d)
	}
	for _, d := range extra {
		f.add(d)
	}
	return f
}

// Empty returns a Filter that excludes nothing.
func Empty() *Filter {
	return &Filter{domains: map[string]struct{}{}}
}

func (f *Filter) add(entry string) {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" || strings.HasPrefix(entry, "#") || domainname.IsPublicSuffix(entry) {
		return
	}
	if registrable, err := domainname.FromHost(entry); err == nil {
		entry = registrable
	}
	f.domains[entry] = struct{}{}
}

// Contains reports whether a registrable domain is excluded.
func (f *Filter) Contains(registrable string) bool {
	_, ok := f.domains[strings.ToLower(registrable)]
	return ok
}

// Len returns the number of excluded domains.
func (f *Filter) Len() int {
	return len(f.domains)
}

// Load reads a CSV whose first line is a header and whose first column is a
// domain, merged over the defaults. A missing file yields the defaults.
func Load(path string, log logger.Logger) (*Filter, error) {
	if path == "" {
		return New(), nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("Blacklist file not found, using defaults", logger.String("path", path))
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open blacklist: %w", err)
	}
	defer func() { _ = file.Close() }()

	entries, readErr := readEntries(file)
	if readErr != nil {
		return nil, fmt.Errorf("read blacklist %s: %w", path, readErr)
	}
	for _, entry := range entries {
		if domainname.IsPublicSuffix(entry) {
			log.Warn("Ignoring blacklist entry that is a public suffix, sites under it are separate domains",
				logger.String("entry", strings.TrimSpace(entry)))
		}
	}

	f := New(entries...)
	log.Info("Loaded blacklisted domains",
		logger.String("path", path),
		logger.Int("from_file", len(entries)),
		logger.Int("total", f.Len()),
	)
	return f, nil
}

func readEntries(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var entries []string
	header := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}
		if len(record) > 0 && strings.TrimSpace(record[0]) != "" {
			entries = append(entries, record[0])
		}
	}
}
