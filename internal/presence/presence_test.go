// internal/presence/presence_test.go
package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
)

func evt(person string, t core.EventType, ts time.Time) core.AttendanceEvent {
	return core.AttendanceEvent{
		ID:        person + ts.Format("150405") + string(t),
		PersonID:  person,
		DeviceID:  "dev-1",
		Type:      t,
		Timestamp: ts,
	}
}

var base = time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)

func TestFoldBasicTransitions(t *testing.T) {
	cases := []struct {
		name   string
		types  []core.EventType
		inside bool
	}{
		{"in", []core.EventType{core.EventIn}, true},
		{"in,out", []core.EventType{core.EventIn, core.EventOut}, false},
		{"in,in,out", []core.EventType{core.EventIn, core.EventIn, core.EventOut}, false},
		{"in,out,in", []core.EventType{core.EventIn, core.EventOut, core.EventIn}, true},
		{"out", []core.EventType{core.EventOut}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var events []core.AttendanceEvent
			for i, ty := range tc.types {
				events = append(events, evt("p1", ty, base.Add(time.Duration(i)*time.Minute)))
			}
			inside := Fold(events)
			assert.Equal(t, tc.inside, inside["p1"])
		})
	}
}

func TestFoldOrdersByTimestamp(t *testing.T) {
	// devices devolvem do mais recente pro mais antigo; a dobra tem
	// que reordenar por timestamp ascendente
	events := []core.AttendanceEvent{
		evt("p1", core.EventOut, base.Add(2*time.Minute)),
		evt("p1", core.EventIn, base),
	}
	assert.False(t, Fold(events)["p1"])
}

func TestFoldTimestampTieKeepsInputOrder(t *testing.T) {
	// empate de timestamp: ordenação estável, aplica na ordem recebida
	events := []core.AttendanceEvent{
		evt("p1", core.EventIn, base),
		evt("p1", core.EventOut, base),
	}
	assert.False(t, Fold(events)["p1"])

	events = []core.AttendanceEvent{
		evt("p1", core.EventOut, base),
		evt("p1", core.EventIn, base),
	}
	assert.True(t, Fold(events)["p1"])
}

func TestFoldPersonWithNoEventsIsAbsent(t *testing.T) {
	inside := Fold(nil)
	assert.False(t, inside["ghost"])
}

func TestLogIngestDeduplicates(t *testing.T) {
	l := NewLog()

	e1 := evt("p1", core.EventIn, base)
	e2 := evt("p2", core.EventIn, base.Add(time.Minute))
	e3 := evt("p1", core.EventOut, base.Add(2*time.Minute))

	imported := l.Ingest([]core.AttendanceEvent{e1, e2})
	require.Len(t, imported, 2)

	// pull sobreposto: 3 eventos, 1 já conhecido => importa 2
	imported = l.Ingest([]core.AttendanceEvent{e2, e3, evt("p3", core.EventIn, base.Add(3*time.Minute))})
	assert.Len(t, imported, 2)
	assert.Equal(t, 4, l.Len())
}

func TestOccupancyUnchangedByDuplicateIngest(t *testing.T) {
	l := NewLog()
	eng := NewEngine(l)

	e1 := evt("p1", core.EventIn, base)
	l.Ingest([]core.AttendanceEvent{e1})
	require.Equal(t, 1, eng.OccupancyCount())

	// mesmo (deviceId, personId, timestamp, type) de novo: nada muda
	l.Ingest([]core.AttendanceEvent{e1})
	assert.Equal(t, 1, eng.OccupancyCount())
	assert.Equal(t, 1, l.Len())
}

func TestEngineQueries(t *testing.T) {
	l := NewLog()
	eng := NewEngine(l)

	l.Ingest([]core.AttendanceEvent{
		evt("p1", core.EventIn, base),
		evt("p2", core.EventIn, base.Add(time.Minute)),
		evt("p1", core.EventOut, base.Add(2*time.Minute)),
		evt("p3", core.EventIn, base.Add(3*time.Minute)),
	})

	assert.Equal(t, 2, eng.OccupancyCount()) // p2 e p3
	assert.False(t, eng.IsInside("p1"))
	assert.True(t, eng.IsInside("p2"))
	assert.False(t, eng.IsInside("nunca-veio"))

	inRange := eng.EventsInRange(base.Add(time.Minute), base.Add(3*time.Minute))
	require.Len(t, inRange, 2) // fim exclusivo
	assert.Equal(t, "p2", inRange[0].PersonID)

	entries := eng.EntriesOnly(core.EventIn)
	assert.Len(t, entries, 3)

	onlyP1 := eng.Query(Filter{PersonID: "p1"})
	assert.Len(t, onlyP1, 2)

	insideNow := eng.Query(Filter{OnlyCurrentlyInside: true})
	for _, e := range insideNow {
		assert.Contains(t, []string{"p2", "p3"}, e.PersonID)
	}
}

func TestEngineCalendarViews(t *testing.T) {
	l := NewLog()
	eng := NewEngine(l)
	// relógio fixo: segunda-feira 2026-08-31 10:00 UTC
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	eng.SetNowFn(func() time.Time { return now })

	l.Ingest([]core.AttendanceEvent{
		evt("p1", core.EventIn, now.Add(-time.Hour)),            // hoje
		evt("p2", core.EventIn, now.AddDate(0, 0, -1)),          // ontem (domingo, semana passada)
		evt("p3", core.EventIn, now.AddDate(0, 0, -20)),         // início do mês
		evt("p4", core.EventIn, now.AddDate(0, -2, 0)),          // fora de tudo
	})

	assert.Len(t, eng.Today(), 1)
	assert.Len(t, eng.ThisWeek(), 1) // segunda é o primeiro dia da semana
	assert.Len(t, eng.ThisMonth(), 3)
}
