package resource

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinrec/clinrec/internal/platform/db"
	"github.com/clinrec/clinrec/internal/reference"
	"github.com/clinrec/clinrec/internal/searchparam"
	"github.com/clinrec/clinrec/internal/transform"
)

// Service orchestrates the write pipeline: generation adaptation, version
// insert, search parameter extraction and reference indexing, all committed in
// one transaction, with change notification after commit.
type Service struct {
	repo        Repository
	params      searchparam.Repository
	refs        reference.Repository
	extractor   *searchparam.Extractor
	indexer     *reference.Indexer
	transformer *transform.Transformer
	tx          db.Runner
	notifier    Notifier
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService wires the store service. A nil notifier disables notifications.
func NewService(
	repo Repository,
	params searchparam.Repository,
	refs reference.Repository,
	extractor *searchparam.Extractor,
	indexer *reference.Indexer,
	transformer *transform.Transformer,
	tx db.Runner,
	notifier Notifier,
	logger zerolog.Logger,
) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		repo:        repo,
		params:      params,
		refs:        refs,
		extractor:   extractor,
		indexer:     indexer,
		transformer: transformer,
		tx:          tx,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// Rules exposes the extraction rule table, used by the search engine.
func (s *Service) Rules() *searchparam.RuleTable { return s.extractor.Rules() }

// Transformer exposes the generation adapter, used at the transport boundary.
func (s *Service) Transformer() *transform.Transformer { return s.transformer }

// Create stores a new resource. The document may arrive in any supported
// generation; it is converted to canonical form before persistence and
// indexing. A server-assigned id is used unless the document carries one.
func (s *Service) Create(ctx context.Context, resourceType string, gen transform.Generation, doc map[string]interface{}) (Record, error) {
	if err := validateDoc(resourceType, doc); err != nil {
		return Record{}, err
	}

	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	rec, err := s.write(ctx, resourceType, id, gen, doc, 1, false)
	if err != nil {
		// A client-supplied id may already exist; the primary key race
		// surfaces that as a conflict carrying the existing version.
		return Record{}, s.refreshConflict(ctx, err, resourceType, id)
	}
	s.notifier.Notify(ChangeEvent{Action: ActionCreated, ResourceType: resourceType, ID: id, Version: rec.Version, Resource: rec.Content})
	return rec, nil
}

// Update stores a new version of an existing resource, or creates it when it
// does not exist yet (upsert). ifMatch, when non-zero, must name the current
// version; a mismatch is a VersionConflictError carrying the current version.
func (s *Service) Update(ctx context.Context, resourceType, id string, gen transform.Generation, doc map[string]interface{}, ifMatch int) (Record, error) {
	if err := validateDoc(resourceType, doc); err != nil {
		return Record{}, err
	}
	if id == "" {
		return Record{}, Validationf("update requires a resource id")
	}
	if docID, ok := doc["id"].(string); ok && docID != "" && docID != id {
		return Record{}, Validationf("document id %q does not match request id %q", docID, id)
	}

	current, version, err := s.nextVersion(ctx, resourceType, id, ifMatch)
	if err != nil {
		return Record{}, err
	}

	rec, err := s.write(ctx, resourceType, id, gen, doc, version, false)
	if err != nil {
		return Record{}, s.refreshConflict(ctx, err, resourceType, id)
	}

	action := ActionUpdated
	if current == nil {
		action = ActionCreated
	}
	s.notifier.Notify(ChangeEvent{Action: action, ResourceType: resourceType, ID: id, Version: rec.Version, Resource: rec.Content})
	return rec, nil
}

// Delete writes a tombstone version and removes the resource from the search
// and reference indexes. Deleting an already deleted resource is a no-op.
func (s *Service) Delete(ctx context.Context, resourceType, id string, ifMatch int) (Record, error) {
	current, err := s.repo.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return Record{}, err
	}
	if current.Deleted {
		return current, nil
	}
	if ifMatch != 0 && ifMatch != current.Version {
		return Record{}, &VersionConflictError{ResourceType: resourceType, ID: id, Current: current.Version}
	}

	tombstone := map[string]interface{}{"resourceType": resourceType, "id": id}
	rec, err := s.write(ctx, resourceType, id, transform.Canonical, tombstone, current.Version+1, true)
	if err != nil {
		return Record{}, s.refreshConflict(ctx, err, resourceType, id)
	}
	s.notifier.Notify(ChangeEvent{Action: ActionDeleted, ResourceType: resourceType, ID: id, Version: rec.Version})
	return rec, nil
}

// Read returns the current version in the requested generation. Deleted
// resources read as not found, flagged so the transport can answer 410.
func (s *Service) Read(ctx context.Context, resourceType, id string, gen transform.Generation) (Record, error) {
	rec, err := s.repo.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Deleted {
		return Record{}, &NotFoundError{ResourceType: resourceType, ID: id, Deleted: true}
	}
	rec.Content = s.transformer.ToGeneration(resourceType, gen, rec.Content)
	return rec, nil
}

// ReadVersion returns one historical version in the requested generation.
func (s *Service) ReadVersion(ctx context.Context, resourceType, id string, version int, gen transform.Generation) (Record, error) {
	rec, err := s.repo.GetVersion(ctx, resourceType, id, version)
	if err != nil {
		return Record{}, err
	}
	if rec.Deleted {
		return Record{}, &NotFoundError{ResourceType: resourceType, ID: id, Version: version, Deleted: true}
	}
	rec.Content = s.transformer.ToGeneration(resourceType, gen, rec.Content)
	return rec, nil
}

// History returns every version, newest first, in the requested generation.
// Tombstone versions are included with their minimal content.
func (s *Service) History(ctx context.Context, resourceType, id string, gen transform.Generation) ([]Record, error) {
	records, err := s.repo.ListVersions(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Content = s.transformer.ToGeneration(resourceType, gen, records[i].Content)
	}
	return records, nil
}

// nextVersion resolves the version number an update should write and enforces
// the if-match precondition. The returned record is nil when the resource does
// not exist yet.
func (s *Service) nextVersion(ctx context.Context, resourceType, id string, ifMatch int) (*Record, int, error) {
	current, err := s.repo.GetCurrent(ctx, resourceType, id)
	if err != nil {
		if IsNotFound(err) {
			if ifMatch != 0 {
				return nil, 0, err
			}
			return nil, 1, nil
		}
		return nil, 0, err
	}
	if ifMatch != 0 && ifMatch != current.Version {
		return nil, 0, &VersionConflictError{ResourceType: resourceType, ID: id, Current: current.Version}
	}
	return &current, current.Version + 1, nil
}

// write runs the full pipeline for one new version. Extraction happens on the
// canonical document before the transaction opens; the version insert and both
// index replacements commit or roll back together.
func (s *Service) write(ctx context.Context, resourceType, id string, gen transform.Generation, doc map[string]interface{}, version int, deleted bool) (Record, error) {
	canonical := doc
	if gen != transform.Canonical {
		canonical = s.transformer.ToCanonical(resourceType, doc)
	}
	now := s.now().UTC()
	canonical = stampMeta(canonical, resourceType, id, version, now)

	var rows []searchparam.Row
	var refs []reference.Ref
	if !deleted {
		rows = s.extractor.Extract(resourceType, id, canonical)
		refs = s.indexer.Extract(resourceType, id, canonical)
	}

	rec := Record{
		ResourceType: resourceType,
		ID:           id,
		Version:      version,
		Content:      canonical,
		LastUpdated:  now,
		Deleted:      deleted,
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.InsertVersion(ctx, rec); err != nil {
			return err
		}
		if deleted {
			if err := s.params.DeleteAll(ctx, resourceType, id); err != nil {
				return err
			}
			return s.refs.DeleteAll(ctx, resourceType, id)
		}
		if err := s.params.Replace(ctx, resourceType, id, rows); err != nil {
			return err
		}
		return s.refs.Replace(ctx, resourceType, id, refs)
	})
	if err != nil {
		return Record{}, err
	}

	s.logger.Info().
		Str("resource", resourceType+"/"+id).
		Int("version", version).
		Bool("deleted", deleted).
		Int("search_rows", len(rows)).
		Int("references", len(refs)).
		Msg("resource version stored")
	return rec, nil
}

// refreshConflict re-reads the current version after a write lost a
// concurrency race, so the conflict error reports the winner's version.
func (s *Service) refreshConflict(ctx context.Context, err error, resourceType, id string) error {
	if !IsVersionConflict(err) {
		return err
	}
	current, readErr := s.repo.GetCurrent(ctx, resourceType, id)
	if readErr != nil {
		return err
	}
	return &VersionConflictError{ResourceType: resourceType, ID: id, Current: current.Version}
}

func validateDoc(resourceType string, doc map[string]interface{}) error {
	if resourceType == "" {
		return Validationf("resource type is required")
	}
	if doc == nil {
		return Validationf("document body is required")
	}
	if declared, ok := doc["resourceType"].(string); ok && declared != "" && declared != resourceType {
		return Validationf("document resourceType %q does not match request type %q", declared, resourceType)
	}
	return nil
}

// stampMeta writes the server-controlled fields into a copy of the document.
func stampMeta(doc map[string]interface{}, resourceType, id string, version int, now time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	out["resourceType"] = resourceType
	out["id"] = id

	meta := make(map[string]interface{})
	if prev, ok := out["meta"].(map[string]interface{}); ok {
		for k, v := range prev {
			meta[k] = v
		}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = now.Format(time.RFC3339)
	out["meta"] = meta
	return out
}
