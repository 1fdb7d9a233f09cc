// Package server exposes the resource store and search engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinrec/clinrec/internal/reference"
	"github.com/clinrec/clinrec/internal/resource"
	"github.com/clinrec/clinrec/internal/search"
	"github.com/clinrec/clinrec/internal/searchparam"
	"github.com/clinrec/clinrec/internal/transform"
)

// Store is the subset of the resource service the handlers use.
type Store interface {
	Create(ctx context.Context, resourceType string, gen transform.Generation, doc map[string]interface{}) (resource.Record, error)
	Update(ctx context.Context, resourceType, id string, gen transform.Generation, doc map[string]interface{}, ifMatch int) (resource.Record, error)
	Delete(ctx context.Context, resourceType, id string, ifMatch int) (resource.Record, error)
	Read(ctx context.Context, resourceType, id string, gen transform.Generation) (resource.Record, error)
	ReadVersion(ctx context.Context, resourceType, id string, version int, gen transform.Generation) (resource.Record, error)
	History(ctx context.Context, resourceType, id string, gen transform.Generation) ([]resource.Record, error)
}

// Searcher runs parsed-and-planned searches.
type Searcher interface {
	Search(ctx context.Context, resourceType string, values url.Values, gen transform.Generation) (search.Bundle, error)
}

// ReferenceGraph serves forward and reverse reference lookups.
type ReferenceGraph interface {
	Targets(ctx context.Context, sourceType, sourceID string) ([]reference.Ref, error)
	Sources(ctx context.Context, targetType, targetID string, filter reference.SourceFilter) ([]reference.Ref, error)
}

type Handler struct {
	store      Store
	searcher   Searcher
	refs       ReferenceGraph
	rules      *searchparam.RuleTable
	defaultGen transform.Generation
	logger     zerolog.Logger
}

func NewHandler(store Store, searcher Searcher, refs ReferenceGraph, rules *searchparam.RuleTable, defaultGen transform.Generation, logger zerolog.Logger) *Handler {
	return &Handler{
		store:      store,
		searcher:   searcher,
		refs:       refs,
		rules:      rules,
		defaultGen: defaultGen,
		logger:     logger,
	}
}

// RegisterRoutes mounts the CRUD, history and search endpoints.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("/:type", h.Create)
	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.SearchForm)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.ReadVersion)
	g.GET("/:type/:id/_refs", h.References)
}

// generationOf resolves the schema generation a request asks for, from the
// _generation query parameter or the X-Schema-Generation header.
func (h *Handler) generationOf(c echo.Context) (transform.Generation, error) {
	raw := c.QueryParam("_generation")
	if raw == "" {
		raw = c.Request().Header.Get("X-Schema-Generation")
	}
	if raw == "" {
		return h.defaultGen, nil
	}
	gen, err := transform.ParseGeneration(raw)
	if err != nil {
		return "", resource.Validationf("%v", err)
	}
	return gen, nil
}

// ifMatchVersion parses an If-Match header of the form W/"3" or "3".
// Zero means unconditional.
func ifMatchVersion(c echo.Context) (int, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return 0, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	version, err := strconv.Atoi(raw)
	if err != nil || version < 1 {
		return 0, resource.Validationf("malformed If-Match header %q", c.Request().Header.Get("If-Match"))
	}
	return version, nil
}

func bindDoc(c echo.Context) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
		return nil, resource.Validationf("malformed JSON body: %v", err)
	}
	return doc, nil
}

func setVersionHeaders(c echo.Context, rec resource.Record) {
	c.Response().Header().Set("ETag", etagOf(rec.Version))
	c.Response().Header().Set("Last-Modified", rec.LastUpdated.UTC().Format(http.TimeFormat))
}

func (h *Handler) Create(c echo.Context) error {
	gen, err := h.generationOf(c)
	if err != nil {
		return h.writeError(c, err)
	}
	doc, err := bindDoc(c)
	if err != nil {
		return h.writeError(c, err)
	}

	rec, err := h.store.Create(c.Request().Context(), c.Param("type"), gen, doc)
	if err != nil {
		return h.writeError(c, err)
	}

	setVersionHeaders(c, rec)
	c.Response().Header().Set("Location", "/fhir/"+rec.ResourceType+"/"+rec.ID)
	return c.JSON(http.StatusCreated, rec.Content)
}

func (h *Handler) Read(c echo.Context) error {
	gen, err := h.generationOf(c)
	if err != nil {
		return h.writeError(c, err)
	}
	rec, err := h.store.Read(c.Request().Context(), c.Param("type"), c.Param("id"), gen)
	if err != nil {
		return h.writeError(c, err)
	}
	setVersionHeaders(c, rec)
	return c.JSON(http.StatusOK, rec.Content)
}

func (h *Handler) ReadVersion(c echo.Context) error {
	gen, err := h.generationOf(c)
	if err != nil {
		return h.writeError(c, err)
	}
	version, err := strconv.Atoi(c.Param("vid"))
	if err != nil || version < 1 {
		return h.writeError(c, resource.Validationf("malformed version id %q", c.Param("vid")))
	}
	rec, err := h.store.ReadVersion(c.Request().Context(), c.Param("type"), c.Param("id"), version, gen)
	if err != nil {
		return h.writeError(c, err)
	}
	setVersionHeaders(c, rec)
	return c.JSON(http.StatusOK, rec.Content)
}

func (h *Handler) Update(c echo.Context) error {
	gen, err := h.generationOf(c)
	if err != nil {
		return h.writeError(c, err)
	}
	doc, err := bindDoc(c)
	if err != nil {
		return h.writeError(c, err)
	}
	ifMatch, err := ifMatchVersion(c)
	if err != nil {
		return h.writeError(c, err)
	}

	rec, err := h.store.Update(c.Request().Context(), c.Param("type"), c.Param("id"), gen, doc, ifMatch)
	if err != nil {
		return h.writeError(c, err)
	}

	setVersionHeaders(c, rec)
	status := http.StatusOK
	if rec.Version == 1 {
		status = http.StatusCreated
	}
	return c.JSON(status, rec.Content)
}

func (h *Handler) Delete(c echo.Context) error {
	ifMatch, err := ifMatchVersion(c)
	if err != nil {
		return h.writeError(c, err)
	}
	rec, err := h.store.Delete(c.Request().Context(), c.Param("type"), c.Param("id"), ifMatch)
	if err != nil {
		return h.writeError(c, err)
	}
	c.Response().Header().Set("ETag", etagOf(rec.Version))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) History(c echo.Context) error {
	gen, err := h.generationOf(c)
	if err != nil {
		return h.writeError(c, err)
	}
	records, err := h.store.History(c.Request().Context(), c.Param("type"), c.Param("id"), gen)
	if err != nil {
		return h.writeError(c, err)
	}

	entries := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		entry := map[string]interface{}{
			"versionId":   rec.Version,
			"lastUpdated": rec.LastUpdated,
			"deleted":     rec.Deleted,
		}
		if !rec.Deleted {
			entry["resource"] = rec.Content
		}
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        len(entries),
		"entry":        entries,
	})
}

// References answers the reference-graph lookup for one resource: the targets
// it points at and the sources pointing at it. The reverse direction can be
// narrowed with the source_type and field_path query parameters.
func (h *Handler) References(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	ctx := c.Request().Context()

	// 404 for resources that never existed; the graph of a tombstone is empty.
	if _, err := h.store.Read(ctx, resourceType, id, transform.Canonical); err != nil {
		return h.writeError(c, err)
	}

	targets, err := h.refs.Targets(ctx, resourceType, id)
	if err != nil {
		return h.writeError(c, err)
	}
	sources, err := h.refs.Sources(ctx, resourceType, id, reference.SourceFilter{
		SourceType: c.QueryParam("source_type"),
		FieldPath:  c.QueryParam("field_path"),
	})
	if err != nil {
		return h.writeError(c, err)
	}

	out := make([]map[string]string, 0, len(targets))
	for _, ref := range targets {
		out = append(out, map[string]string{
			"fieldPath":  ref.FieldPath,
			"targetType": ref.Target.Type,
			"targetId":   ref.Target.ID,
		})
	}
	in := make([]map[string]string, 0, len(sources))
	for _, ref := range sources {
		in = append(in, map[string]string{
			"sourceType": ref.SourceType,
			"sourceId":   ref.SourceID,
			"fieldPath":  ref.FieldPath,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": resourceType,
		"id":           id,
		"targets":      out,
		"sources":      in,
	})
}

func (h *Handler) Search(c echo.Context) error {
	return h.runSearch(c, copyValues(c.QueryParams()))
}

// SearchForm accepts POST _search with form-encoded parameters. ParseForm
// already folds the URL query into the form map, so one copy carries both.
func (h *Handler) SearchForm(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return h.writeError(c, resource.Validationf("malformed form body: %v", err))
	}
	return h.runSearch(c, copyValues(form))
}

// copyValues clones a request parameter map so the search pipeline never
// mutates echo's cached copies.
func copyValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for k, vs := range values {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func (h *Handler) runSearch(c echo.Context, values url.Values) error {
	raw := values.Get("_generation")
	if raw == "" {
		raw = c.Request().Header.Get("X-Schema-Generation")
	}
	gen := h.defaultGen
	if raw != "" {
		var err error
		if gen, err = transform.ParseGeneration(raw); err != nil {
			return h.writeError(c, resource.Validationf("%v", err))
		}
	}
	values.Del("_generation")

	bundle, err := h.searcher.Search(c.Request().Context(), c.Param("type"), values, gen)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// Metadata describes the server's capabilities: resource types, their search
// parameters, and the supported schema generations.
func (h *Handler) Metadata(c echo.Context) error {
	types := h.rules.ResourceTypes()
	sort.Strings(types)
	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		named := h.rules.Rules(rt)
		names := make([]string, 0, len(named))
		for name := range named {
			names = append(names, name)
		}
		sort.Strings(names)

		params := make([]map[string]string, 0, len(names))
		for _, name := range names {
			params = append(params, map[string]string{
				"name": name,
				"type": named[name].Type.String(),
			})
		}
		resources = append(resources, map[string]interface{}{
			"type":            rt,
			"searchParams":    params,
			"versioning":      "versioned",
			"readHistory":     true,
			"conditionalRead": "not-supported",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"generations":  []transform.Generation{transform.GenR4, transform.GenR5},
		"canonical":    transform.Canonical,
		"rest":         resources,
	})
}
