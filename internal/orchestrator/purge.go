package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/session"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
)

// purgeBatch is the number of titles sent per purge request.
const purgeBatch = 50

// Purge purges titles on the session's target so pages using them are
// re-rendered. It returns the titles that were purged.
func (o *Orchestrator) Purge(ctx context.Context, sess *session.Session, titles []string) ([]string, error) {
	key := sess.Target().Key()
	var purged []string
	for start := 0; start < len(titles); start += purgeBatch {
		end := min(start+purgeBatch, len(titles))
		batch := titles[start:end]

		_, err := sess.RunAuthenticatedRequest(ctx, url.Values{
			"action":                   {"purge"},
			"forcerecursivelinkupdate": {"1"},
			"titles":                   {strings.Join(batch, "|")},
		})
		if err != nil {
			metrics.PurgesTotal.WithLabelValues(key, "error").Inc()
			return purged, fmt.Errorf("failed to purge %d titles on %s: %w", len(batch), key, err)
		}
		metrics.PurgesTotal.WithLabelValues(key, "success").Inc()
		purged = append(purged, batch...)
	}
	if len(purged) > 0 {
		o.logger.Info("Purged pushed pages", "target", key, "count", len(purged))
	}
	return purged, nil
}
