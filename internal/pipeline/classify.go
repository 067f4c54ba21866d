package pipeline

import (
	"net/url"
	"strings"

	"github.com/sells-group/pricewatch/internal/model"
)

// redirectQueryKeys are query parameters whose value embeds a forwarding
// target. A URL carrying one of these with an http(s) value is an
// interstitial, not a listing.
var redirectQueryKeys = []string{
	"url", "u", "target", "dest", "destination", "redirect", "redir", "r", "out",
}

// searchQueryKeys mark search result pages regardless of path shape.
var searchQueryKeys = []string{
	"q", "query", "search", "s", "keyword", "keywords", "k", "term",
}

// categoryPathMarkers match listing/browse pages. Spanish variants cover the
// Colombian marketplaces in the catalog.
var categoryPathMarkers = []string{
	"/category", "/categoria", "/collection", "/collections",
	"/department", "/departments", "/product-category",
	"/catalog", "/catalogo", "/tienda", "/productos", "/c/",
}

// productPathMarkers match a single-listing page.
var productPathMarkers = []string{
	"/product", "/producto", "/p/", "/item", "/items", "/dp/", "/gp/product",
}

// ClassifyURL buckets a resolved lookup URL into one of the model.URLType
// categories. Bare hostnames are normalized by assuming https. Precedence
// when several heuristics match: redirect, then search, then category, then
// product_detail. Matching is case-insensitive on the path.
func ClassifyURL(rawURL string) model.URLType {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return model.URLTypeUnknown
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return model.URLTypeUnknown
	}

	path := strings.ToLower(u.Path)
	query := u.Query()

	if isRedirectURL(path, query) {
		return model.URLTypeRedirect
	}
	if isSearchURL(path, query) {
		return model.URLTypeSearch
	}
	for _, marker := range categoryPathMarkers {
		if strings.Contains(path, marker) {
			return model.URLTypeCategory
		}
	}
	for _, marker := range productPathMarkers {
		if strings.Contains(path, marker) {
			return model.URLTypeProductDetail
		}
	}
	return model.URLTypeUnknown
}

func isRedirectURL(path string, query url.Values) bool {
	for _, key := range redirectQueryKeys {
		v := query.Get(key)
		if strings.Contains(v, "http://") || strings.Contains(v, "https://") {
			return true
		}
	}
	if strings.Contains(path, "/redirect") || strings.HasPrefix(path, "/out") {
		return true
	}
	for _, marker := range []string{"/goto", "/click", "/tracking", "/trk"} {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

func isSearchURL(path string, query url.Values) bool {
	for _, key := range searchQueryKeys {
		if query.Has(key) {
			return true
		}
	}
	if strings.Contains(path, "/search") || strings.Contains(path, "/buscar") || strings.Contains(path, "/results") {
		return true
	}
	return path == "/s" || strings.HasPrefix(path, "/s/")
}

// IsCanonical reports whether a URL type points at a single concrete
// listing. Only product_detail prices are first-class; everything else is a
// page that merely mentions the product.
func IsCanonical(t model.URLType) bool {
	return t == model.URLTypeProductDetail
}
