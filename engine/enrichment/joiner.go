package enrichment

import (
	"github.com/wtthornton/ha-ingestor/engine/models"
)

// Joiner attaches each registered source's current snapshot to a
// NormalizedEvent as it passes through. Attachment is non-blocking and
// sampled at the moment of passage: a source with no fresh-or-stale
// snapshot simply contributes nothing to that event, it never waits.
type Joiner struct {
	sources map[string]Source
}

// NewJoiner builds a Joiner over the given sources, keyed by Name().
func NewJoiner(sources ...Source) *Joiner {
	j := &Joiner{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		j.sources[s.Name()] = s
	}
	return j
}

// Join reads every source's Current() snapshot and attaches it to the event.
// Sources with no usable snapshot (never fetched, or expired past max_stale)
// are simply omitted from Enrichments.
func (j *Joiner) Join(ne models.NormalizedEvent) models.EnrichedEvent {
	ee := models.EnrichedEvent{Event: ne}
	if len(j.sources) == 0 {
		return ee
	}
	enrichments := make(map[string]models.EnrichmentRecord, len(j.sources))
	for name, src := range j.sources {
		snap, fresh := src.Current()
		if snap.Values == nil {
			continue
		}
		enrichments[name] = models.EnrichmentRecord{
			Values: snap.Values,
			AsOf:   snap.FetchedAt,
			Fresh:  fresh,
		}
	}
	if len(enrichments) > 0 {
		ee.Enrichments = enrichments
	}
	return ee
}

// Run consumes NormalizedEvents, joins enrichment snapshots onto each, and
// forwards the result — a single sequential stage, matching the Normalizer's
// ordering guarantee.
func (j *Joiner) Run(in <-chan models.NormalizedEvent, out chan<- models.EnrichedEvent, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case ne, ok := <-in:
			if !ok {
				return
			}
			ee := j.Join(ne)
			select {
			case out <- ee:
			case <-stopCh:
				return
			}
		}
	}
}
