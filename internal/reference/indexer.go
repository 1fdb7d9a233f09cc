package reference

import (
	"sort"

	"github.com/rs/zerolog"
)

// maxWalkDepth bounds the recursive document walk. Clinical documents are
// shallow in practice; anything deeper is treated as malformed and ignored.
const maxWalkDepth = 32

// Indexer derives Ref rows from a canonical document.
type Indexer struct {
	logger zerolog.Logger
}

// NewIndexer creates an Indexer. Pass zerolog.Nop() for a silent one.
func NewIndexer(logger zerolog.Logger) *Indexer {
	return &Indexer{logger: logger}
}

// Extract walks the document recursively and returns one Ref per
// reference-shaped field occurrence, deduplicated and in deterministic order.
// Targets are not checked for existence; a dangling target is indexed as-is
// and only logged.
func (ix *Indexer) Extract(resourceType, resourceID string, doc map[string]interface{}) []Ref {
	var refs []Ref
	seen := make(map[Ref]struct{})

	var walk func(node interface{}, path string, depth int)
	walk = func(node interface{}, path string, depth int) {
		if depth > maxWalkDepth {
			return
		}
		switch v := node.(type) {
		case map[string]interface{}:
			if raw, ok := v["reference"].(string); ok {
				if target, ok := ParseTarget(raw); ok {
					if target.Type == "" {
						if declared, _ := v["type"].(string); declared != "" {
							target.Type = declared
						}
					}
					ref := Ref{
						SourceType: resourceType,
						SourceID:   resourceID,
						FieldPath:  path,
						Target:     target,
					}
					if _, dup := seen[ref]; !dup {
						seen[ref] = struct{}{}
						refs = append(refs, ref)
					}
					return
				}
			}
			for key, child := range v {
				childPath := key
				if path != "" {
					childPath = path + "." + key
				}
				walk(child, childPath, depth+1)
			}
		case []interface{}:
			for _, item := range v {
				walk(item, path, depth+1)
			}
		}
	}
	walk(doc, "", 0)

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].FieldPath != refs[j].FieldPath {
			return refs[i].FieldPath < refs[j].FieldPath
		}
		if refs[i].Target.Type != refs[j].Target.Type {
			return refs[i].Target.Type < refs[j].Target.Type
		}
		return refs[i].Target.ID < refs[j].Target.ID
	})
	return refs
}
