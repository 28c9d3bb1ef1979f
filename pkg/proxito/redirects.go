package proxito

import (
	"net/http"
	"strings"

	"github.com/readthedocs/rtd/pkg/domain"
)

// restMarker at the end of an exact redirect's from_url matches any suffix,
// which is appended to to_url.
const restMarker = "$rest"

// redirectTarget is where a user redirect sends a request.
type redirectTarget struct {
	Location string
	Status   int
}

// matchRedirect returns the first user redirect that applies to fullPath.
// lang and version are used by the redirect types that stay inside the
// documentation tree.
func matchRedirect(redirects []domain.Redirect, fullPath, lang, version string) (redirectTarget, bool) {
	for _, rd := range redirects {
		to, ok := redirectPath(rd, fullPath, lang, version)
		if !ok || to == "" || to == fullPath {
			continue
		}
		status := rd.StatusCode
		if status == 0 {
			status = http.StatusFound
		}
		return redirectTarget{Location: to, Status: status}, true
	}
	return redirectTarget{}, false
}

func redirectPath(rd domain.Redirect, fullPath, lang, version string) (string, bool) {
	docsRoot := "/" + lang + "/" + version + "/"
	switch rd.Type {
	case domain.RedirectPrefix:
		if rd.FromURL == "" || !strings.HasPrefix(fullPath, rd.FromURL) {
			return "", false
		}
		return docsRoot + strings.TrimPrefix(fullPath[len(rd.FromURL):], "/"), true

	case domain.RedirectPage:
		if rd.FromURL == "" || !strings.HasSuffix(fullPath, rd.FromURL) {
			return "", false
		}
		if isAbsoluteURL(rd.ToURL) {
			return rd.ToURL, true
		}
		return docsRoot + strings.TrimPrefix(rd.ToURL, "/"), true

	case domain.RedirectExact:
		if prefix, ok := strings.CutSuffix(rd.FromURL, restMarker); ok {
			if !strings.HasPrefix(fullPath, prefix) {
				return "", false
			}
			return rd.ToURL + fullPath[len(prefix):], true
		}
		return rd.ToURL, fullPath == rd.FromURL

	case domain.RedirectSphinxHTML:
		if !strings.HasSuffix(fullPath, "/") || fullPath == docsRoot {
			return "", false
		}
		return strings.TrimSuffix(fullPath, "/") + ".html", true

	case domain.RedirectSphinxHTMLDir:
		if !strings.HasSuffix(fullPath, ".html") {
			return "", false
		}
		if strings.HasSuffix(fullPath, "/index.html") {
			return strings.TrimSuffix(fullPath, "index.html"), true
		}
		return strings.TrimSuffix(fullPath, ".html") + "/", true
	}
	return "", false
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
