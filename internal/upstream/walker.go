package upstream

import (
	"context"
	"log/slog"
	"path"

	"github.com/strmgate/strmgate/internal/credfile"
)

// WalkEntry is one item yielded by WalkSubtree together with its path
// relative to the walk root ("" for direct children of the root).
type WalkEntry struct {
	Item    Item
	RelPath string // relative path of the item itself, e.g. "sub/b.mkv"
}

// WalkFunc receives entries in breadth-first order. Returning an error
// aborts the walk and propagates the error unchanged.
type WalkFunc func(WalkEntry) error

// WalkSubtree enumerates the subtree rooted at rootID breadth-first:
// folders in discovery order, natural upstream order within a folder.
// Folders are yielded only when includeFolders is set; they are always
// traversed. The pending-folder queue bounds memory, not the total item
// count — the sequence is lazy with respect to the upstream.
func (c *Client) WalkSubtree(
	ctx context.Context,
	cred *credfile.Credential,
	rootID string,
	includeFolders bool,
	fn WalkFunc,
) error {
	type folder struct {
		id  string
		rel string
	}

	queue := []folder{{id: rootID, rel: ""}}

	var visited int

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return transportErr("walk canceled: %v", err)
		}

		cur := queue[0]
		queue = queue[1:]

		offset := 0

		for {
			items, total, err := c.ListChildren(ctx, cred, cur.id, offset, listPageSize)
			if err != nil {
				return err
			}

			for i := range items {
				it := items[i]
				rel := path.Join(cur.rel, it.Name)

				if it.IsFolder {
					queue = append(queue, folder{id: it.ID, rel: rel})
				}

				if it.IsFolder && !includeFolders {
					continue
				}

				visited++

				if err := fn(WalkEntry{Item: it, RelPath: rel}); err != nil {
					return err
				}
			}

			offset += len(items)
			if offset >= total || len(items) == 0 {
				break
			}
		}
	}

	c.logger.Debug("walk complete",
		slog.String("root_id", rootID),
		slog.Int("yielded", visited),
	)

	return nil
}
