package engine

import (
	"time"

	"github.com/szibis/vitals-sync/internal/sample"
	"github.com/szibis/vitals-sync/internal/status"
)

// write is one destination write. appendChild writes create a new child
// under path (POST); all others merge the flat payload into path (PATCH).
type write struct {
	path        string
	payload     map[string]any
	dataType    string
	appendChild bool
}

func (e *Engine) userRoot(uid string) string {
	return e.cfg.PathPrefix + "/" + uid + "/healthData"
}

func (e *Engine) realtimeWrite(uid string, s sample.TelemetrySample) write {
	return write{
		path:        e.userRoot(uid) + "/realtime/" + string(s.Type),
		payload:     realtimePayload(s),
		dataType:    string(s.Type),
		appendChild: true,
	}
}

func (e *Engine) aggregateWrite(uid string, r sample.AggregatedRecord) write {
	updated := r.LastUpdated
	if updated.IsZero() {
		updated = e.now()
	}
	return write{
		path:     e.userRoot(uid) + "/aggregated/daily/" + r.Day(),
		payload:  aggregatePayload(r, updated),
		dataType: string(sample.Aggregate),
	}
}

func (e *Engine) metadataWrite(uid string, s status.SyncStatus) write {
	return write{
		path:    e.userRoot(uid) + "/metadata",
		payload: metadataPayload(s, e.now()),
	}
}

func realtimePayload(s sample.TelemetrySample) map[string]any {
	return map[string]any{
		"value":     s.Value,
		"unit":      s.UnitOrDefault(),
		"timestamp": s.Timestamp.UnixMilli(),
	}
}

// aggregatePayload holds only the metrics present on r so the merge never
// touches totals that did not change.
func aggregatePayload(r sample.AggregatedRecord, updated time.Time) map[string]any {
	ms := updated.UnixMilli()
	p := make(map[string]any, 10)
	if r.Steps != nil {
		p["steps/total"] = *r.Steps
		p["steps/lastUpdated"] = ms
	}
	if r.DistanceMeters != nil {
		p["distance/total"] = *r.DistanceMeters
		p["distance/unit"] = "meters"
		p["distance/lastUpdated"] = ms
	}
	if r.ActiveEnergyKcal != nil {
		p["activeEnergy/total"] = *r.ActiveEnergyKcal
		p["activeEnergy/unit"] = "kcal"
		p["activeEnergy/lastUpdated"] = ms
	}
	if r.FlightsClimbed != nil {
		p["flightsClimbed/total"] = *r.FlightsClimbed
		p["flightsClimbed/lastUpdated"] = ms
	}
	return p
}

func metadataPayload(s status.SyncStatus, now time.Time) map[string]any {
	return map[string]any{
		"lastSync":     now.UnixMilli(),
		"syncStatus":   string(s.State),
		"pendingItems": s.PendingCount,
	}
}
