package engine

import (
	"context"

	"github.com/szibis/vitals-sync/internal/logging"
)

// refreshMetadata writes the advisory metadata node. It is skipped while
// the link is down and its failure is only logged.
func (e *Engine) refreshMetadata(ctx context.Context, uid string) {
	if !e.cfg.Metadata {
		return
	}
	if !e.reach.Reachable() {
		metadataTotal.WithLabelValues("skipped").Inc()
		return
	}
	w := e.metadataWrite(uid, e.status.Snapshot())
	if err := e.attempt(ctx, w); err != nil {
		metadataTotal.WithLabelValues("failure").Inc()
		logging.Warn("metadata refresh failed", logging.F("path", w.path, "error", err.Error()))
		return
	}
	metadataTotal.WithLabelValues("success").Inc()
}
