package observe

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologSink_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewZerologSink(&buf, zerolog.DebugLevel)

	sink.Event(Event{
		Kind:      ConnectError,
		AccountID: "acct-1",
		Label:     "syncFolderList",
		Err:       errors.New("boom"),
		Fields:    map[string]any{"kind": "unknown"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "connect_error", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "acct-1", line["account"])
	assert.Equal(t, "syncFolderList", line["label"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "unknown", line["kind"])
}

func TestZerologSink_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := NewZerologSink(&buf, zerolog.InfoLevel)

	sink.Event(Event{Kind: ReuseConnection})
	assert.Empty(t, buf.String(), "debug events should be filtered at info level")

	sink.Event(Event{Kind: FolderAdded})
	assert.Contains(t, buf.String(), "folder_added")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Event(Event{Kind: FolderAdded, FolderID: "a"})
	r.Event(Event{Kind: FolderRemoved, FolderID: "b"})
	r.Event(Event{Kind: FolderAdded, FolderID: "c"})

	assert.Equal(t, 2, r.Count(FolderAdded))
	assert.Len(t, r.Events(), 3)

	added := r.OfKind(FolderAdded)
	require.Len(t, added, 2)
	assert.Equal(t, "c", added[1].FolderID)
}
