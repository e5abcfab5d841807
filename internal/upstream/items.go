package upstream

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/strmgate/strmgate/internal/credfile"
)

// listPageSize is the page size for folder listings. 1150 is the maximum
// the open API accepts for file collections.
const listPageSize = 1150

// ListChildren returns one page of a folder's children plus the total
// count the upstream reports for the folder.
func (c *Client) ListChildren(
	ctx context.Context, cred *credfile.Credential, folderID string, offset, limit int,
) ([]Item, int, error) {
	if limit <= 0 || limit > listPageSize {
		limit = listPageSize
	}

	form := intForm("cid", folderID, "offset", offset, "limit", limit, "show_dir", 1)

	env, err := c.do(ctx, cred, http.MethodGet, "/open/ufile/files", form)
	if err != nil {
		return nil, 0, err
	}

	var rows []itemResponse
	if err := decodeData(env, &rows); err != nil {
		return nil, 0, err
	}

	items := make([]Item, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toItem(c.logger))
	}

	c.logger.Debug("listed children page",
		slog.String("folder_id", folderID),
		slog.Int("offset", offset),
		slog.Int("count", len(items)),
		slog.Int("total", int(env.Count)),
	)

	return items, int(env.Count), nil
}

// GetItem retrieves a single item by ID.
func (c *Client) GetItem(ctx context.Context, cred *credfile.Credential, itemID string) (*Item, error) {
	form := intForm("file_id", itemID)

	env, err := c.do(ctx, cred, http.MethodGet, "/open/folder/get_info", form)
	if err != nil {
		return nil, err
	}

	var row itemResponse
	if err := decodeData(env, &row); err != nil {
		return nil, err
	}

	item := row.toItem(c.logger)

	return &item, nil
}

// Search returns up to limit items matching keyword under the given folder.
func (c *Client) Search(
	ctx context.Context, cred *credfile.Credential, folderID, keyword string, limit int,
) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}

	c.logger.Info("searching",
		slog.String("folder_id", folderID),
		slog.String("keyword", keyword),
	)

	form := intForm("cid", folderID, "search_value", keyword, "limit", limit)

	env, err := c.do(ctx, cred, http.MethodGet, "/open/ufile/search", form)
	if err != nil {
		return nil, err
	}

	var rows []itemResponse
	if err := decodeData(env, &rows); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toItem(c.logger))
	}

	return items, nil
}
