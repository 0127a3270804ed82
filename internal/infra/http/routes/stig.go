package routes

import (
	"github.com/openctemio/stigmap/internal/infra/http/handler"
	"github.com/openctemio/stigmap/internal/infra/http/middleware"
	"github.com/openctemio/stigmap/pkg/jwt"
)

// registerSTIGRoutes registers checklist and STIG mapping endpoints.
// Permission model:
//   - Read (GET, and stateless parse/merge/preview): mappings:read
//   - Write (create, update, delete, import): mappings:write
//
// Routes that accept uploaded documents also pass the upload limiter and
// may be sent gzip or zstd encoded.
func registerSTIGRoutes(
	router Router,
	h *handler.STIGMappingHandler,
	authMiddleware Middleware,
	uploadMiddlewares []Middleware,
) {
	read := Middleware(middleware.RequireScope(jwt.ScopeRead))
	write := Middleware(middleware.RequireScope(jwt.ScopeWrite))
	upload := func(scope Middleware) []Middleware {
		return append([]Middleware{scope}, uploadMiddlewares...)
	}

	// Stateless document operations
	router.Group("/api/v1", func(r Router) {
		r.POST("/cci/parse", h.ParseCatalog, upload(read)...)
		r.POST("/checklists/parse", h.ParseChecklist, upload(read)...)
		r.POST("/checklists/merge", h.MergeChecklists, upload(read)...)
		r.POST("/checklists/render", h.RenderChecklist, read)
		r.POST("/mappings/preview", h.Preview, read)
	}, authMiddleware)

	// Saved mappings, scoped to a system
	router.Group("/api/v1/systems/{systemID}/stig-mappings", func(r Router) {
		r.GET("/", h.List, read)
		r.POST("/", h.Create, write)
		r.DELETE("/", h.Clear, write)

		r.POST("/upload", h.Upload, upload(write)...)
		r.GET("/export", h.Export, read)
		r.POST("/restore", h.Restore, upload(write)...)
		r.POST("/import", h.Import, write)

		r.GET("/{id}", h.Get, read)
		r.PATCH("/{id}", h.Update, write)
		r.DELETE("/{id}", h.Delete, write)
		r.GET("/{id}/checklist", h.DownloadChecklist, read)
	}, authMiddleware)
}
