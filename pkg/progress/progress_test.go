package progress_test

import (
	"testing"

	"github.com/storacha/go-orbitdb-bridge/pkg/progress"
	"github.com/stretchr/testify/require"
)

func TestEmitSendsOnBufferedChannel(t *testing.T) {
	ch := make(chan progress.Event, 1)
	var sink progress.Sink = ch

	sink.Emit(progress.BackupCreating, map[string]any{"k": "v"})

	ev := <-ch
	require.Equal(t, progress.BackupCreating, ev.Status)
	require.Equal(t, "v", ev.Extra["k"])
}

func TestEmitOnNilSinkIsNoop(t *testing.T) {
	var sink progress.Sink
	require.NotPanics(t, func() {
		sink.Emit(progress.RestoreCompleted, nil)
	})
}
