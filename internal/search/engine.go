package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinrec/clinrec/internal/platform/db"
	"github.com/clinrec/clinrec/internal/searchparam"
	"github.com/clinrec/clinrec/internal/transform"
)

// Engine runs searches end to end: parse, plan, execute, hydrate includes and
// assemble the bundle.
type Engine struct {
	conn        db.Querier
	parser      *Parser
	codec       *CursorCodec
	transformer *transform.Transformer
	logger      zerolog.Logger
}

// NewEngine builds the engine over a Querier; production passes the pool.
func NewEngine(conn db.Querier, rules *searchparam.RuleTable, codec *CursorCodec, transformer *transform.Transformer, logger zerolog.Logger) *Engine {
	return &Engine{
		conn:        conn,
		parser:      NewParser(rules),
		codec:       codec,
		transformer: transformer,
		logger:      logger,
	}
}

// matched is one page row before bundle assembly.
type matched struct {
	id          string
	version     int
	content     map[string]interface{}
	lastUpdated time.Time
}

// Search executes a raw search request and returns the result bundle in the
// requested schema generation.
func (e *Engine) Search(ctx context.Context, resourceType string, values url.Values, gen transform.Generation) (Bundle, error) {
	query, err := e.parser.Parse(resourceType, values)
	if err != nil {
		return Bundle{}, err
	}

	var cursor *Cursor
	if query.Cursor != "" {
		c, err := e.codec.Decode(query.Cursor)
		if err != nil {
			return Bundle{}, err
		}
		cursor = &c
	}

	plan, err := BuildPlan(query, cursor)
	if err != nil {
		return Bundle{}, err
	}

	started := time.Now()
	total, err := e.count(ctx, plan)
	if err != nil {
		return Bundle{}, err
	}
	page, hasNext, err := e.page(ctx, plan)
	if err != nil {
		return Bundle{}, err
	}

	included, err := e.hydrateIncludes(ctx, query, page)
	if err != nil {
		return Bundle{}, err
	}

	bundle := Bundle{Total: total}
	for _, m := range page {
		bundle.Entries = append(bundle.Entries, Entry{
			FullURL:     resourceType + "/" + m.id,
			Resource:    e.transformer.ToGeneration(resourceType, gen, m.content),
			MatchReason: ReasonMatch,
		})
	}
	for _, inc := range included {
		bundle.Entries = append(bundle.Entries, Entry{
			FullURL:     inc.resourceType + "/" + inc.id,
			Resource:    e.transformer.ToGeneration(inc.resourceType, gen, inc.content),
			MatchReason: ReasonInclude,
		})
	}

	if hasNext && len(page) > 0 {
		last := page[len(page)-1]
		token, err := e.codec.Encode(Cursor{
			LastUpdated: last.lastUpdated,
			ID:          last.id,
			Sort:        query.Sort.cursorKey(),
		})
		if err != nil {
			return Bundle{}, err
		}
		bundle.NextPageCursor = token
	}

	e.logger.Debug().
		Str("type", resourceType).
		Int("matches", len(page)).
		Int("included", len(included)).
		Int("total", total).
		Dur("took", time.Since(started)).
		Msg("search executed")
	return bundle, nil
}

func (e *Engine) count(ctx context.Context, plan Plan) (int, error) {
	var total int
	err := e.conn.QueryRow(ctx, plan.CountSQL, plan.CountArgs...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count search results: %w", err)
	}
	return total, nil
}

func (e *Engine) page(ctx context.Context, plan Plan) ([]matched, bool, error) {
	rows, err := e.conn.Query(ctx, plan.PageSQL, plan.PageArgs...)
	if err != nil {
		return nil, false, fmt.Errorf("execute search: %w", err)
	}
	defer rows.Close()

	var page []matched
	for rows.Next() {
		var m matched
		var content []byte
		if err := rows.Scan(&m.id, &m.version, &content, &m.lastUpdated); err != nil {
			return nil, false, fmt.Errorf("scan search result: %w", err)
		}
		if err := json.Unmarshal(content, &m.content); err != nil {
			return nil, false, fmt.Errorf("decode search result content: %w", err)
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("read search results: %w", err)
	}

	hasNext := len(page) > plan.Limit
	if hasNext {
		page = page[:plan.Limit]
	}
	return page, hasNext, nil
}

// includedResource is one hydrated _include/_revinclude result.
type includedResource struct {
	resourceType string
	id           string
	content      map[string]interface{}
}

// hydrateIncludes resolves every _include and _revinclude directive. The
// directives run concurrently; the merged result is deduplicated against the
// matches and capped at MaxIncluded entries.
func (e *Engine) hydrateIncludes(ctx context.Context, query Query, page []matched) ([]includedResource, error) {
	if len(page) == 0 || (len(query.Includes) == 0 && len(query.RevIncludes) == 0) {
		return nil, nil
	}

	ids := make([]string, len(page))
	for i, m := range page {
		ids[i] = m.id
	}

	results := make([][]includedResource, len(query.Includes)+len(query.RevIncludes))
	g, gctx := errgroup.WithContext(ctx)
	for i, inc := range query.Includes {
		i, inc := i, inc
		g.Go(func() error {
			found, err := e.forwardInclude(gctx, inc, ids)
			results[i] = found
			return err
		})
	}
	for i, inc := range query.RevIncludes {
		i, inc := len(query.Includes)+i, inc
		g.Go(func() error {
			found, err := e.reverseInclude(gctx, query.ResourceType, inc, ids)
			results[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		seen[query.ResourceType+"/"+m.id] = struct{}{}
	}

	var merged []includedResource
	for _, batch := range results {
		for _, inc := range batch {
			key := inc.resourceType + "/" + inc.id
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, inc)
			if len(merged) >= MaxIncluded {
				return merged, nil
			}
		}
	}
	return merged, nil
}

// forwardInclude fetches the live resources the matched page points at
// through one reference parameter.
func (e *Engine) forwardInclude(ctx context.Context, inc Include, matchedIDs []string) ([]includedResource, error) {
	rows, err := e.conn.Query(ctx, `
		SELECT DISTINCT res.resource_type, res.fhir_id, res.content
		FROM resource_ref rr
		JOIN resource res ON res.resource_type = rr.target_type
			AND res.fhir_id = rr.target_id
			AND res.is_current AND NOT res.deleted
		WHERE rr.source_type = $1 AND rr.source_id = ANY($2) AND rr.field_path = ANY($3)
		LIMIT $4`,
		inc.ResourceType, matchedIDs, inc.Paths, MaxIncluded)
	if err != nil {
		return nil, fmt.Errorf("resolve _include %s:%s: %w", inc.ResourceType, inc.Param, err)
	}
	defer rows.Close()
	return scanIncluded(rows)
}

// reverseInclude fetches the live resources of one type that point at the
// matched page through one reference parameter.
func (e *Engine) reverseInclude(ctx context.Context, searchType string, inc Include, matchedIDs []string) ([]includedResource, error) {
	rows, err := e.conn.Query(ctx, `
		SELECT DISTINCT res.resource_type, res.fhir_id, res.content
		FROM resource_ref rr
		JOIN resource res ON res.resource_type = rr.source_type
			AND res.fhir_id = rr.source_id
			AND res.is_current AND NOT res.deleted
		WHERE rr.target_type = $1 AND rr.target_id = ANY($2)
			AND rr.source_type = $3 AND rr.field_path = ANY($4)
		LIMIT $5`,
		searchType, matchedIDs, inc.ResourceType, inc.Paths, MaxIncluded)
	if err != nil {
		return nil, fmt.Errorf("resolve _revinclude %s:%s: %w", inc.ResourceType, inc.Param, err)
	}
	defer rows.Close()
	return scanIncluded(rows)
}

func scanIncluded(rows pgx.Rows) ([]includedResource, error) {
	var found []includedResource
	for rows.Next() {
		var inc includedResource
		var content []byte
		if err := rows.Scan(&inc.resourceType, &inc.id, &content); err != nil {
			return nil, fmt.Errorf("scan included resource: %w", err)
		}
		if err := json.Unmarshal(content, &inc.content); err != nil {
			return nil, fmt.Errorf("decode included resource: %w", err)
		}
		found = append(found, inc)
	}
	return found, rows.Err()
}
