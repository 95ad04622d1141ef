// Package progress defines the backupProgress/restoreProgress emitter
// contract of spec.md §6, generalizing the teacher's "attach severity-level
// convenience methods to a logger" idiom to an event-status channel instead.
package progress

// Event is one progress notification. Status is one of the values spec.md
// §6 enumerates for the operation kind (backup or restore); Extra carries
// operation-specific payload fields (byte counts, entry counts) that don't
// belong in the typed core of C5/C7's return values.
type Event struct {
	Status string
	Extra  map[string]any
}

// Backup progress statuses (spec.md §4.5 step 8, §6).
const (
	BackupCreating           = "creating"
	BackupUploadingBlocks    = "uploading-blocks"
	BackupUploadingMetadata  = "uploading-metadata"
	BackupCompleted          = "completed"
	BackupError              = "error"
)

// Restore progress statuses (spec.md §6).
const (
	RestoreFound              = "found"
	RestoreDownloadingBlocks  = "downloading-blocks"
	RestoreRestoringBlocks    = "restoring-blocks"
	RestoreCompleted          = "completed"
	RestoreError              = "error"
)

// Sink is the channel a caller may supply to observe progress. A nil Sink
// is valid and simply drops events.
type Sink chan<- Event

// Emit sends an event on s if s is non-nil. Callers that want progress
// reporting without risking backpressure on the orchestrator should supply
// a buffered channel.
func (s Sink) Emit(status string, extra map[string]any) {
	if s == nil {
		return
	}
	s <- Event{Status: status, Extra: extra}
}
