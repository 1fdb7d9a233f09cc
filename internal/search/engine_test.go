package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/clinrec/clinrec/internal/resource"
	"github.com/clinrec/clinrec/internal/searchparam"
	"github.com/clinrec/clinrec/internal/transform"
)

// fakeDB answers the three query shapes the engine issues: the count, the
// page, and the include hydration over resource_ref.
type fakeDB struct {
	total    int
	page     [][]interface{}
	included [][]interface{}
}

func (f *fakeDB) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...interface{}) pgx.Row {
	if !strings.Contains(sql, "COUNT") {
		return fakeRow{err: fmt.Errorf("unexpected QueryRow: %s", sql)}
	}
	return fakeRow{total: f.total}
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...interface{}) (pgx.Rows, error) {
	if strings.Contains(sql, "FROM resource_ref") {
		return &fakeRows{rows: f.included}, nil
	}
	return &fakeRows{rows: f.page}, nil
}

type fakeRow struct {
	total int
	err   error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.total
	return nil
}

type fakeRows struct {
	rows [][]interface{}
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]interface{}, error)               { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = row[i].(string)
		case *int:
			*d = row[i].(int)
		case *[]byte:
			*d = row[i].([]byte)
		case *time.Time:
			*d = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

func newTestEngine(t *testing.T, fdb *fakeDB) *Engine {
	t.Helper()
	rules, err := searchparam.NewRuleTable(searchparam.DefaultRules())
	if err != nil {
		t.Fatalf("rule table: %v", err)
	}
	return NewEngine(fdb, rules, NewCursorCodec("test-secret"), transform.NewDefault(), zerolog.Nop())
}

func pageRow(resourceType, id string, version int, at time.Time) []interface{} {
	content, _ := json.Marshal(map[string]interface{}{"resourceType": resourceType, "id": id})
	return []interface{}{id, version, content, at}
}

func includeRow(resourceType, id string) []interface{} {
	content, _ := json.Marshal(map[string]interface{}{"resourceType": resourceType, "id": id})
	return []interface{}{resourceType, id, content}
}

func TestSearchTrimsLookaheadAndIssuesCursor(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	// Three rows back for a page of two: the look-ahead row proves there is a
	// next page and must not leak into the bundle.
	fdb := &fakeDB{total: 7, page: [][]interface{}{
		pageRow("Patient", "p1", 1, base),
		pageRow("Patient", "p2", 1, base.Add(-time.Minute)),
		pageRow("Patient", "p3", 1, base.Add(-2*time.Minute)),
	}}
	e := newTestEngine(t, fdb)

	bundle, err := e.Search(context.Background(), "Patient", url.Values{"_count": {"2"}}, transform.Canonical)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if bundle.Total != 7 {
		t.Errorf("Total = %d, want the count query's 7", bundle.Total)
	}
	if len(bundle.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(bundle.Entries))
	}
	if bundle.Entries[0].FullURL != "Patient/p1" || bundle.Entries[1].FullURL != "Patient/p2" {
		t.Errorf("entries = %v, %v", bundle.Entries[0].FullURL, bundle.Entries[1].FullURL)
	}

	if bundle.NextPageCursor == "" {
		t.Fatal("no next-page cursor on a truncated page")
	}
	cur, err := e.codec.Decode(bundle.NextPageCursor)
	if err != nil {
		t.Fatalf("decode issued cursor: %v", err)
	}
	if cur.ID != "p2" || !cur.LastUpdated.Equal(base.Add(-time.Minute)) {
		t.Errorf("cursor = %+v, want the last visible entry's position", cur)
	}
	if cur.Sort != "-_lastUpdated" {
		t.Errorf("cursor sort = %q", cur.Sort)
	}
}

func TestSearchFinalPageHasNoCursor(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	fdb := &fakeDB{total: 2, page: [][]interface{}{
		pageRow("Patient", "p1", 1, base),
		pageRow("Patient", "p2", 1, base.Add(-time.Minute)),
	}}
	e := newTestEngine(t, fdb)

	bundle, err := e.Search(context.Background(), "Patient", url.Values{"_count": {"2"}}, transform.Canonical)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entries) != 2 {
		t.Errorf("entries = %d", len(bundle.Entries))
	}
	if bundle.NextPageCursor != "" {
		t.Errorf("cursor = %q on the final page", bundle.NextPageCursor)
	}
}

func TestSearchOrdersMatchesBeforeIncludes(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	fdb := &fakeDB{
		total: 2,
		page: [][]interface{}{
			pageRow("Observation", "o1", 1, base),
			pageRow("Observation", "o2", 1, base.Add(-time.Minute)),
		},
		included: [][]interface{}{includeRow("Patient", "p1")},
	}
	e := newTestEngine(t, fdb)

	bundle, err := e.Search(context.Background(), "Observation",
		url.Values{"status": {"final"}, "_include": {"Observation:subject"}}, transform.Canonical)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entries) != 3 {
		t.Fatalf("entries = %d, want 2 matches + 1 include", len(bundle.Entries))
	}
	for i, want := range []struct {
		url    string
		reason MatchReason
	}{
		{"Observation/o1", ReasonMatch},
		{"Observation/o2", ReasonMatch},
		{"Patient/p1", ReasonInclude},
	} {
		got := bundle.Entries[i]
		if got.FullURL != want.url || got.MatchReason != want.reason {
			t.Errorf("entries[%d] = %s (%s), want %s (%s)", i, got.FullURL, got.MatchReason, want.url, want.reason)
		}
	}
}

func TestSearchIncludesDeduplicated(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	// The hydration returns a match again plus the same referrer twice; only
	// one include entry survives.
	fdb := &fakeDB{
		total: 1,
		page:  [][]interface{}{pageRow("Observation", "o1", 1, base)},
		included: [][]interface{}{
			includeRow("Observation", "o1"),
			includeRow("DiagnosticReport", "r1"),
			includeRow("DiagnosticReport", "r1"),
		},
	}
	e := newTestEngine(t, fdb)

	bundle, err := e.Search(context.Background(), "Observation",
		url.Values{"_revinclude": {"DiagnosticReport:result"}}, transform.Canonical)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(bundle.Entries) != 2 {
		t.Fatalf("entries = %d, want the match and one include", len(bundle.Entries))
	}
	if bundle.Entries[1].FullURL != "DiagnosticReport/r1" || bundle.Entries[1].MatchReason != ReasonInclude {
		t.Errorf("include entry = %+v", bundle.Entries[1])
	}
}

func TestSearchCapsIncludedResources(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	var included [][]interface{}
	for i := 0; i < MaxIncluded+20; i++ {
		included = append(included, includeRow("Patient", fmt.Sprintf("p%d", i)))
	}
	fdb := &fakeDB{
		total:    1,
		page:     [][]interface{}{pageRow("Observation", "o1", 1, base)},
		included: included,
	}
	e := newTestEngine(t, fdb)

	bundle, err := e.Search(context.Background(), "Observation",
		url.Values{"_include": {"Observation:subject"}}, transform.Canonical)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var includes int
	for _, entry := range bundle.Entries {
		if entry.MatchReason == ReasonInclude {
			includes++
		}
	}
	if includes != MaxIncluded {
		t.Errorf("included entries = %d, want the %d cap", includes, MaxIncluded)
	}
}

func TestSearchTranslatesEntriesToRequestedGeneration(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	content, _ := json.Marshal(map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "e1",
		"actualPeriod": map[string]interface{}{"start": "2026-03-01T09:00:00Z"},
	})
	fdb := &fakeDB{total: 1, page: [][]interface{}{{"e1", 1, content, base}}}
	e := newTestEngine(t, fdb)

	bundle, err := e.Search(context.Background(), "Encounter", url.Values{}, transform.GenR4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	res := bundle.Entries[0].Resource
	if _, ok := res["period"]; !ok {
		t.Error("r4 entry missing period")
	}
	if _, leaked := res["actualPeriod"]; leaked {
		t.Error("canonical field leaked into r4 entry")
	}
}

func TestSearchRejectsForeignCursor(t *testing.T) {
	e := newTestEngine(t, &fakeDB{})

	token, err := NewCursorCodec("other-secret").Encode(Cursor{ID: "p1", Sort: "-_lastUpdated"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = e.Search(context.Background(), "Patient", url.Values{"_cursor": {token}}, transform.Canonical)
	if !resource.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}
