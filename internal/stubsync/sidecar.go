package stubsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

// sidecarUserAgent is sent when resolving sidecar download URLs. Signed
// URLs are bound to the requesting agent, so the same string goes on the
// byte request.
const sidecarUserAgent = "strmgate-sidecar/1.0"

// copySidecars downloads subtitle, metadata, and artwork companions from
// every folder that contributed at least one stub. Failures are per-file;
// the loop keeps going.
func (e *Engine) copySidecars(
	ctx context.Context,
	entry *pool.Entry,
	task *store.Task,
	folders []mediaFolder,
	counters *store.RunCounters,
	capture *[]string,
) {
	for _, folder := range folders {
		if ctx.Err() != nil {
			return
		}

		children, err := e.listAllChildren(ctx, entry, folder.id)
		if err != nil {
			counters.Errors++
			*capture = appendCapped(*capture, fmt.Sprintf("sidecar listing %s: %v", folder.rel, err))

			continue
		}

		for _, child := range children {
			if child.IsFolder || !IsSidecar(child.Name) {
				continue
			}

			rel := child.Name
			if folder.rel != "" && folder.rel != "." {
				rel = folder.rel + "/" + child.Name
			}

			target := SidecarPath(task.OutputDir, rel, child.Name, task.Options.PreserveLayout)

			if _, statErr := os.Stat(target); statErr == nil && !task.Options.OverwriteExisting {
				counters.SidecarsSkipped++
				continue
			}

			if err := e.downloadSidecar(ctx, entry, &child, target); err != nil {
				counters.Errors++
				*capture = appendCapped(*capture, fmt.Sprintf("sidecar %s: %v", child.Name, err))

				continue
			}

			counters.SidecarsCopied++
		}
	}
}

// listAllChildren pages through one folder's full listing.
func (e *Engine) listAllChildren(ctx context.Context, entry *pool.Entry, folderID string) ([]upstream.Item, error) {
	var all []upstream.Item

	offset := 0

	for {
		var (
			page  []upstream.Item
			total int
		)

		err := upstream.WithRetry(ctx, e.retryAttempts, func() error {
			var err error
			page, total, err = entry.Client.ListChildren(ctx, entry.Credential, folderID, offset, 0)

			return err
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		offset += len(page)

		if len(page) == 0 || offset >= total {
			return all, nil
		}
	}
}

// downloadSidecar resolves the signed URL for one sidecar and streams the
// bytes to a temp file before renaming into place.
func (e *Engine) downloadSidecar(ctx context.Context, entry *pool.Entry, item *upstream.Item, target string) error {
	var signed *upstream.SignedURL

	err := upstream.WithRetry(ctx, e.retryAttempts, func() error {
		var err error
		signed, err = entry.Client.ResolveSignedURL(ctx, entry.Credential, item.PickHandle, sidecarUserAgent)

		return err
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("stubsync: creating directory for %s: %w", target, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed.URL, nil)
	if err != nil {
		return fmt.Errorf("stubsync: building sidecar request: %w", err)
	}

	req.Header.Set("User-Agent", sidecarUserAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stubsync: fetching sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stubsync: fetching sidecar: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".sidecar-*")
	if err != nil {
		return fmt.Errorf("stubsync: creating temp file: %w", err)
	}

	_, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("stubsync: writing sidecar %s: %w", target, err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("stubsync: placing sidecar %s: %w", target, err)
	}

	return nil
}
