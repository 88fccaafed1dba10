package calllog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"callsync/internal/logger"
	"callsync/internal/model"
	"callsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call_log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))
	return path
}

func TestFileSourceSkipsMalformedLines(t *testing.T) {
	path := writeLog(t,
		`{"number":"+1","type":"incoming","duration":5,"date":1000}`,
		`not json`,
		`{"number":"+2","type":"outgoing","duration":5,"date":2000}`,
		``,
	)
	src := NewFileSource(path)
	assert.True(t, src.Available())

	entries, err := src.Read(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "+2", entries[0].Number)
	assert.Equal(t, 1, src.Skipped)

	assert.False(t, NewFileSource(filepath.Join(t.TempDir(), "nope")).Available())
}

func TestImportFromSystemLog(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"), logger.NewNop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.SetSimNumbers(ctx, map[int]string{1: "+1999"}))
	require.NoError(t, st.SetTrackingStart(ctx, 1500))

	path := writeLog(t,
		`{"number":"+1 555","name":"Ann","type":"incoming","duration":42,"date":2000,"subscription_id":1}`,
		`{"number":"+1 555","type":"missed","duration":0,"date":3000}`,
		`{"number":"+1 777","type":"2","duration":10,"date":1000}`,
	)
	imp := NewImporter(NewFileSource(path), st, logger.NewNop())
	require.True(t, imp.Available())

	n, err := imp.ImportFromSystemLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "entry before tracking start is ignored")

	c, err := st.GetCall(ctx, "1555_2000")
	require.NoError(t, err)
	assert.Equal(t, model.CallIncoming, c.CallType)
	assert.Equal(t, "+1999", c.DevicePhone)
	assert.Equal(t, model.RecordingNotApplicable, c.RecordingStatus)
	assert.Equal(t, "Ann", c.ContactName)

	n, err = imp.ImportFromSystemLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	s, err := st.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), s.LastImportedMs)
}

func TestCompositeIDAndTypes(t *testing.T) {
	assert.Equal(t, "15551234_42", CompositeID("+1 (555) 1234", 42))
	assert.Equal(t, "private_42", CompositeID("", 42))
	assert.Equal(t, model.CallOutgoing, parseType("OUTGOING"))
	assert.Equal(t, model.CallBlocked, parseType("6"))
	assert.Equal(t, model.CallMissed, parseType("weird"))
}
