package proxito

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/readthedocs/rtd/pkg/domain"
)

func TestMatchRedirect(t *testing.T) {
	tests := []struct {
		name     string
		redirect domain.Redirect
		path     string
		want     string
		ok       bool
	}{
		{"prefix", domain.Redirect{Type: domain.RedirectPrefix, FromURL: "/old/"}, "/old/install.html", "/en/latest/install.html", true},
		{"prefix miss", domain.Redirect{Type: domain.RedirectPrefix, FromURL: "/old/"}, "/new/install.html", "", false},
		{"page", domain.Redirect{Type: domain.RedirectPage, FromURL: "/a.html", ToURL: "/b.html"}, "/en/latest/a.html", "/en/latest/b.html", true},
		{"page absolute", domain.Redirect{Type: domain.RedirectPage, FromURL: "/a.html", ToURL: "https://example.com/b"}, "/en/latest/a.html", "https://example.com/b", true},
		{"exact", domain.Redirect{Type: domain.RedirectExact, FromURL: "/en/v1/a.html", ToURL: "/en/v2/a.html"}, "/en/v1/a.html", "/en/v2/a.html", true},
		{"exact miss", domain.Redirect{Type: domain.RedirectExact, FromURL: "/en/v1/a.html", ToURL: "/en/v2/a.html"}, "/en/v1/b.html", "", false},
		{"exact rest", domain.Redirect{Type: domain.RedirectExact, FromURL: "/en/v1/$rest", ToURL: "/en/v2/"}, "/en/v1/x/y.html", "/en/v2/x/y.html", true},
		{"sphinx html", domain.Redirect{Type: domain.RedirectSphinxHTML}, "/en/latest/install/", "/en/latest/install.html", true},
		{"sphinx html root", domain.Redirect{Type: domain.RedirectSphinxHTML}, "/en/latest/", "", false},
		{"sphinx htmldir", domain.Redirect{Type: domain.RedirectSphinxHTMLDir}, "/en/latest/install.html", "/en/latest/install/", true},
		{"sphinx htmldir index", domain.Redirect{Type: domain.RedirectSphinxHTMLDir}, "/en/latest/guide/index.html", "/en/latest/guide/", true},
		{"self redirect", domain.Redirect{Type: domain.RedirectExact, FromURL: "/a", ToURL: "/a"}, "/a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchRedirect([]domain.Redirect{tt.redirect}, tt.path, "en", "latest")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.Location)
				assert.Equal(t, http.StatusFound, got.Status)
			}
		})
	}
}

func TestMatchRedirectFirstWins(t *testing.T) {
	redirects := []domain.Redirect{
		{Type: domain.RedirectExact, FromURL: "/nope", ToURL: "/x"},
		{Type: domain.RedirectPrefix, FromURL: "/docs/", StatusCode: http.StatusMovedPermanently},
		{Type: domain.RedirectPrefix, FromURL: "/docs/", ToURL: "/ignored"},
	}
	got, ok := matchRedirect(redirects, "/docs/a.html", "en", "stable")
	assert.True(t, ok)
	assert.Equal(t, "/en/stable/a.html", got.Location)
	assert.Equal(t, http.StatusMovedPermanently, got.Status)
}
