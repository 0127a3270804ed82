package http

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// RouteInfo holds information about a registered route.
type RouteInfo struct {
	Method  string `json:"method" yaml:"method"`
	Path    string `json:"path" yaml:"path"`
	Handler string `json:"handler" yaml:"handler"`
}

// RouteStats holds route statistics.
type RouteStats struct {
	Total   int            `json:"total" yaml:"total"`
	Methods map[string]int `json:"methods" yaml:"methods"`
	Routes  []RouteInfo    `json:"routes" yaml:"routes"`
}

// RouteFilters contains filter options for route listing.
type RouteFilters struct {
	Method string
	Path   string
	SortBy string // path (default), method or handler
}

// CollectRoutes walks the router and collects all registered routes.
func CollectRoutes(router Router) RouteStats {
	stats := RouteStats{
		Methods: make(map[string]int),
		Routes:  []RouteInfo{},
	}

	_ = router.Walk(func(method, path string, handler http.Handler) error {
		stats.Routes = append(stats.Routes, RouteInfo{
			Method:  method,
			Path:    path,
			Handler: handlerName(handler),
		})
		stats.Methods[method]++
		stats.Total++
		return nil
	})

	return stats
}

// handlerName returns the short function name behind handler, e.g.
// "handler.(*STIGMappingHandler).List".
func handlerName(handler http.Handler) string {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func {
		return fmt.Sprintf("%T", handler)
	}
	fn := runtime.FuncForPC(v.Pointer())
	if fn == nil {
		return fmt.Sprintf("%T", handler)
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}

// PrintRoutes prints routes to w as table, json, yaml, csv or simple.
func PrintRoutes(w io.Writer, stats RouteStats, format string, filters RouteFilters) error {
	routes := filterRoutes(stats.Routes, filters)
	sortRoutes(routes, filters.SortBy)

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(RouteStats{Total: stats.Total, Methods: stats.Methods, Routes: routes})
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(RouteStats{Total: stats.Total, Methods: stats.Methods, Routes: routes}); err != nil {
			return err
		}
		return enc.Close()
	case "csv":
		return printCSV(w, routes)
	case "simple":
		for _, r := range routes {
			if _, err := fmt.Fprintf(w, "%-8s %s\n", r.Method, r.Path); err != nil {
				return err
			}
		}
		return nil
	default:
		return printTable(w, routes, stats)
	}
}

func filterRoutes(routes []RouteInfo, filters RouteFilters) []RouteInfo {
	filtered := make([]RouteInfo, 0, len(routes))
	for _, r := range routes {
		if filters.Method != "" && !strings.EqualFold(r.Method, filters.Method) {
			continue
		}
		if filters.Path != "" && !strings.Contains(r.Path, filters.Path) {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}

func sortRoutes(routes []RouteInfo, by string) {
	switch by {
	case "method":
		sort.SliceStable(routes, func(i, j int) bool {
			if routes[i].Method == routes[j].Method {
				return routes[i].Path < routes[j].Path
			}
			return routes[i].Method < routes[j].Method
		})
	case "handler":
		sort.SliceStable(routes, func(i, j int) bool {
			return routes[i].Handler < routes[j].Handler
		})
	default:
		sort.SliceStable(routes, func(i, j int) bool {
			if routes[i].Path == routes[j].Path {
				return routes[i].Method < routes[j].Method
			}
			return routes[i].Path < routes[j].Path
		})
	}
}

func printTable(w io.Writer, routes []RouteInfo, stats RouteStats) error {
	methods := make([]string, 0, len(stats.Methods))
	for m := range stats.Methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	fmt.Fprintf(w, "API Routes (%d total)\n", stats.Total)
	for _, m := range methods {
		fmt.Fprintf(w, "  %-8s %d\n", m, stats.Methods[m])
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tPATH\tHANDLER")
	for _, r := range routes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Method, r.Path, r.Handler)
	}
	return tw.Flush()
}

func printCSV(w io.Writer, routes []RouteInfo) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"method", "path", "handler"})
	for _, r := range routes {
		_ = cw.Write([]string{r.Method, r.Path, r.Handler})
	}
	cw.Flush()
	return cw.Error()
}
