package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/strmgate/strmgate/internal/credfile"
)

// SignedURL is a time-limited download URL for one pick handle. ExpiresAt
// is zero when the upstream does not report an explicit expiry.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// downURLResponse mirrors the upstream's download-URL payload. The API
// keys the result map by file id; each value carries the URL object.
type downURLResponse struct {
	URL struct {
		URL string `json:"url"`
	} `json:"url"`
	Expires flexInt `json:"expires"`
}

// ResolveSignedURL trades a pick handle for a signed download URL. The
// optional userAgent is forwarded because the upstream binds some URLs to
// the requesting agent. One call, no caching at this layer.
func (c *Client) ResolveSignedURL(
	ctx context.Context, cred *credfile.Credential, pickHandle, userAgent string,
) (*SignedURL, error) {
	form := intForm("pick_code", pickHandle, "user_agent", userAgent)

	env, err := c.do(ctx, cred, http.MethodPost, "/open/ufile/downurl", form)
	if err != nil {
		return nil, err
	}

	var byID map[string]downURLResponse
	if err := decodeData(env, &byID); err != nil {
		return nil, err
	}

	for _, entry := range byID {
		if entry.URL.URL == "" {
			continue
		}

		signed := &SignedURL{URL: entry.URL.URL}
		if entry.Expires > 0 {
			signed.ExpiresAt = time.Unix(int64(entry.Expires), 0).UTC()
		}

		c.logger.Debug("resolved signed URL",
			slog.String("pick_handle", pickHandle),
			slog.Time("expires_at", signed.ExpiresAt),
		)

		return signed, nil
	}

	return nil, transportErr("downurl response carried no URL for %s", pickHandle)
}
