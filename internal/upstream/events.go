package upstream

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/strmgate/strmgate/internal/credfile"
)

// eventPageSize is the page limit for the change-event feed.
const eventPageSize = 100

// ListEvents returns events with id > sinceID in ascending id order, plus
// the cursor to pass on the next call. A sinceID of 0 starts from the
// oldest event the upstream retains.
func (c *Client) ListEvents(
	ctx context.Context, cred *credfile.Credential, sinceID int64, limit int,
) ([]Event, int64, error) {
	if limit <= 0 || limit > eventPageSize {
		limit = eventPageSize
	}

	form := intForm("last_id", sinceID, "limit", limit)

	env, err := c.do(ctx, cred, http.MethodGet, "/open/events", form)
	if err != nil {
		return nil, sinceID, err
	}

	var rows []eventResponse
	if err := decodeData(env, &rows); err != nil {
		return nil, sinceID, err
	}

	events := make([]Event, 0, len(rows))
	cursor := sinceID

	for i := range rows {
		ev := rows[i].toEvent()
		if ev.ID <= sinceID {
			// The feed can replay the boundary event; drop anything at or
			// below the cursor so callers see strictly new events.
			continue
		}

		events = append(events, ev)

		if ev.ID > cursor {
			cursor = ev.ID
		}
	}

	if env.NextID > 0 && int64(env.NextID) > cursor {
		cursor = int64(env.NextID)
	}

	c.logger.Debug("listed events",
		slog.Int64("since", sinceID),
		slog.Int("count", len(events)),
		slog.Int64("cursor", cursor),
	)

	return events, cursor, nil
}
