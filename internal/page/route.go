package page

import (
	"net/url"
	"sort"
	"strings"
)

// RouteKind classifies a page URL.
type RouteKind int

const (
	RouteOther RouteKind = iota
	RouteScene
	RouteImage
	RouteGallery
	RouteSearch
)

func (k RouteKind) String() string {
	switch k {
	case RouteScene:
		return "scene"
	case RouteImage:
		return "image"
	case RouteGallery:
		return "gallery"
	case RouteSearch:
		return "search"
	default:
		return "other"
	}
}

// Route is the parsed meaning of a page URL.
type Route struct {
	Kind RouteKind
	// ID is the item id of detail routes.
	ID string

	// Search fields.
	Library       string
	Query         string
	Filters       []string
	Sort          string
	SortDirection string
}

// Key identifies the notification a route produces, for deduplication.
func (r Route) Key() string {
	switch r.Kind {
	case RouteScene, RouteImage, RouteGallery:
		return r.Kind.String() + ":" + r.ID
	case RouteSearch:
		return "search:" + r.Library + "?" + r.Query + "&" + strings.Join(r.Filters, "&") + "&" + r.Sort + ":" + r.SortDirection
	default:
		return ""
	}
}

var detailRoutes = map[string]RouteKind{
	"scenes":    RouteScene,
	"images":    RouteImage,
	"galleries": RouteGallery,
}

var libraryRoutes = map[string]bool{
	"scenes":     true,
	"images":     true,
	"galleries":  true,
	"performers": true,
	"studios":    true,
	"tags":       true,
	"groups":     true,
}

// ParseRoute maps a page URL to a route. Unknown pages are RouteOther.
func ParseRoute(rawURL string) Route {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Route{}
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[1] != "" && detailRoutes[parts[0]] != RouteOther:
		if parts[1] == "new" {
			return Route{}
		}
		return Route{Kind: detailRoutes[parts[0]], ID: parts[1]}

	case len(parts) == 1 && libraryRoutes[parts[0]]:
		q := u.Query()
		query := strings.TrimSpace(q.Get("q"))
		filters := append([]string(nil), q["c"]...)
		if query == "" && len(filters) == 0 {
			return Route{}
		}
		sort.Strings(filters)
		return Route{
			Kind:          RouteSearch,
			Library:       parts[0],
			Query:         query,
			Filters:       filters,
			Sort:          q.Get("sortby"),
			SortDirection: q.Get("sortdir"),
		}
	}
	return Route{}
}
