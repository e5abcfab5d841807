package stubsync

import (
	"fmt"
	"os"
	"strings"

	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

// ActionType classifies one planned reconciliation step.
type ActionType int

const (
	ActionCreate ActionType = iota
	ActionUpdate
	ActionDelete
)

func (a ActionType) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Action is one planned step. Create and update carry the remote item and
// its target paths; delete carries only the existing record.
type Action struct {
	Type     ActionType
	Item     upstream.Item
	RelPath  string
	StubPath string
	Contents string
	Record   *store.StubRecord // existing record, nil for creates
}

// Plan is the diff between a walk and the record set, in apply order:
// walker order for creates/updates, record order for deletes.
type Plan struct {
	Actions []Action
	Skipped int

	// Collisions maps stub paths claimed by more than one kept file in
	// flat layout. Colliding items beyond the first become per-item
	// errors, not filesystem writes.
	Collisions map[string][]string
}

// BuildPlan joins the kept files from a walk against the task's active
// records. Deletion candidates are appended only when the task opts in.
func BuildPlan(task *store.Task, kept []upstream.WalkEntry, records []store.StubRecord) *Plan {
	plan := &Plan{Collisions: make(map[string][]string)}

	byItem := make(map[string]*store.StubRecord, len(records))
	for i := range records {
		byItem[records[i].ItemID] = &records[i]
	}

	claimed := make(map[string]string, len(kept)) // stub path → item id
	seen := make(map[string]bool, len(kept))

	for _, entry := range kept {
		item := entry.Item
		seen[item.ID] = true

		stubPath := StubPath(task.OutputDir, entry.RelPath, item.Name, task.Options.PreserveLayout)
		contents := StubContents(task.StubBaseURL, placeholderKind(task), item.PickHandle)

		if owner, taken := claimed[stubPath]; taken {
			plan.Collisions[stubPath] = append(plan.Collisions[stubPath], owner, item.ID)
			continue
		}

		claimed[stubPath] = item.ID

		rec, exists := byItem[item.ID]
		if !exists || rec.State == store.RecordDeleted {
			plan.Actions = append(plan.Actions, Action{
				Type: ActionCreate, Item: item, RelPath: entry.RelPath,
				StubPath: stubPath, Contents: contents, Record: rec,
			})

			continue
		}

		if needsUpdate(task, rec, &item, stubPath, contents) {
			plan.Actions = append(plan.Actions, Action{
				Type: ActionUpdate, Item: item, RelPath: entry.RelPath,
				StubPath: stubPath, Contents: contents, Record: rec,
			})

			continue
		}

		plan.Skipped++
	}

	if task.Options.DeleteOrphans {
		for i := range records {
			rec := &records[i]
			if rec.State != store.RecordActive || seen[rec.ItemID] {
				continue
			}

			plan.Actions = append(plan.Actions, Action{Type: ActionDelete, Record: rec})
		}
	}

	return plan
}

// needsUpdate decides whether an existing record must be rewritten: forced
// overwrite, a rename, a moved stub path, changed contents, or a stub file
// missing on disk (recorded but orphaned out of band).
func needsUpdate(task *store.Task, rec *store.StubRecord, item *upstream.Item, stubPath, contents string) bool {
	if task.Options.OverwriteExisting {
		return true
	}

	if rec.FileName != item.Name || rec.StubPath != stubPath || rec.StubContents != contents {
		return true
	}

	if _, err := os.Stat(rec.StubPath); err != nil {
		return true
	}

	return false
}

// CollisionErrors renders the flat-layout collisions as per-item errors.
func (p *Plan) CollisionErrors() []string {
	var errs []string

	for path, ids := range p.Collisions {
		errs = append(errs, fmt.Sprintf("stub path collision at %s: items %v", path, dedupe(ids)))
	}

	return errs
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	return out
}

// placeholderKind picks the scheme host for stub contents without a base
// URL. Drive ids have the shape {kind}_{ms}, so the prefix carries the
// kind; unknown shapes fall back to a stable default.
func placeholderKind(task *store.Task) string {
	if kind, _, ok := strings.Cut(task.DriveID, "_"); ok && kind != "" {
		return kind
	}

	return "drive"
}
