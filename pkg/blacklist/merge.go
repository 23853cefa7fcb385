// Package blacklist folds reported block windows into the block cache and
// consumes the blacklisted-users feed that carries them.
package blacklist

import (
	"time"

	"frontdoor/pkg/models"
)

// Outcome describes what a merge did to the stored window.
type Outcome string

const (
	OutcomeReplaced  Outcome = "replaced"
	OutcomeMerged    Outcome = "merged"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDropped   Outcome = "dropped"
)

// Merge computes the window that must be authoritative once event has been
// applied on top of existing.
//
// A window that does not cover now is superseded by the event verbatim. An
// active window absorbs the event as the union of both intervals, so a second
// report can extend a block but never shorten it.
func Merge(existing models.BlockWindow, found bool, event models.BlacklistEvent, now time.Time) (models.BlockWindow, Outcome) {
	incoming := event.Window()
	if !found || !existing.Covers(now) {
		return incoming, OutcomeReplaced
	}
	if existing.Covers(incoming.From) && existing.Covers(incoming.To) {
		return existing, OutcomeUnchanged
	}
	merged := existing
	if incoming.From.Before(merged.From) {
		merged.From = incoming.From
	}
	if incoming.To.After(merged.To) {
		merged.To = incoming.To
	}
	return merged, OutcomeMerged
}
