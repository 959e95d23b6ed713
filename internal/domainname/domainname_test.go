package domainname_test

import (
	"testing"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domainname"
)

func TestFromURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "https://shop.example.com/a", want: "example.com"},
		{raw: "https://www.example.com/b?utm=1", want: "example.com"},
		{raw: "http://shop.example.co.uk/x", want: "example.co.uk"},
		{raw: "HTTPS://Store.Brand.IO:8443/p", want: "brand.io"},
		{raw: "brand.com/landing", want: "brand.com"},
		{raw: "//cdn.brand.com/x", want: "brand.com"},
		{raw: "", wantErr: true},
		{raw: "https://", wantErr: true},
		{raw: "https://127.0.0.1/x", wantErr: true},
		{raw: "ftp://example.com/file", wantErr: true},
		{raw: "https://co.uk/", wantErr: true},
		{raw: "http://%zz", wantErr: true},
	}

	for _, tt := range tests {
		got, err := domainname.FromURL(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("FromURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("FromURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestIsPublicSuffix(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"co.uk":              true,
		"myshopify.com":      true,
		"WixSite.com.":       true,
		"com":                true,
		"example.com":        false,
		"shop.myshopify.com": false,
		"":                   false,
	}

	for host, want := range tests {
		if got := domainname.IsPublicSuffix(host); got != want {
			t.Errorf("IsPublicSuffix(%q) = %v, want %v", host, got, want)
		}
	}
}
