package progress

import (
	"testing"

	"callsync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForTopicClampsAndPublishes(t *testing.T) {
	bus := events.NewBus()
	r := ForTopic(bus, "rematch")
	r.ReportProgress(1.7, "done")

	latest := bus.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, "rematch", latest[0].Topic)
	assert.Equal(t, 1.0, latest[0].Fraction)

	assert.IsType(t, Nop{}, ForTopic(nil, "x"))
}

func TestRecorder(t *testing.T) {
	var rec Recorder
	rec.ReportProgress(0.25, "a")
	rec.ReportProgress(0.5, "b")
	assert.Equal(t, []Entry{{0.25, "a"}, {0.5, "b"}}, rec.Entries())
}
