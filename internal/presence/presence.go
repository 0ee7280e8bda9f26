// internal/presence/presence.go
package presence

import (
	"sort"
	"strings"
	"time"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
)

// Engine deriva o estado "quem está dentro" a partir do event log.
// Estado por pessoa: {ausente, dentro}, começando ausente. Todo o
// estado é recomputável do log — não existe contador autoritativo
// separado. As queries são funções puras do log; nada aqui muta nada.
type Engine struct {
	log *Log

	// nowFn é trocável nos testes (views de hoje/semana/mês).
	nowFn func() time.Time
}

func NewEngine(l *Log) *Engine {
	return &Engine{log: l, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetNowFn injeta o relógio (usado nos testes).
func (e *Engine) SetNowFn(fn func() time.Time) { e.nowFn = fn }

// Fold dobra os eventos em ordem ascendente de timestamp e devolve o
// mapa personId -> dentro. Transições são idempotentes ("in" repetido
// continua dentro — devices duplicam leitura de face o tempo todo).
// Empate de timestamp: ordenação estável, vale a ordem de entrada no
// log — manter essa ordem coerente é responsabilidade de quem ingeriu.
func Fold(events []core.AttendanceEvent) map[string]bool {
	sorted := make([]core.AttendanceEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	inside := make(map[string]bool)
	for _, evt := range sorted {
		switch evt.Type {
		case core.EventIn:
			inside[evt.PersonID] = true
		case core.EventOut:
			inside[evt.PersonID] = false
		}
	}
	return inside
}

// PresenceMap é o Fold do log completo.
func (e *Engine) PresenceMap() map[string]bool {
	return Fold(e.log.Snapshot())
}

// OccupancyCount conta quantas pessoas estão dentro agora.
func (e *Engine) OccupancyCount() int {
	count := 0
	for _, in := range e.PresenceMap() {
		if in {
			count++
		}
	}
	return count
}

// IsInside diz se a pessoa está dentro. Pessoa sem evento = ausente.
func (e *Engine) IsInside(personID string) bool {
	return e.PresenceMap()[personID]
}

// EventsInRange devolve os eventos com start <= timestamp < end,
// ordenados por timestamp ascendente. Zero value ignora o limite.
func (e *Engine) EventsInRange(start, end time.Time) []core.AttendanceEvent {
	var out []core.AttendanceEvent
	for _, evt := range e.log.Snapshot() {
		if !start.IsZero() && evt.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && !evt.Timestamp.Before(end) {
			continue
		}
		out = append(out, evt)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// EntriesOnly devolve só os eventos de um tipo (ex.: entradas).
func (e *Engine) EntriesOnly(t core.EventType) []core.AttendanceEvent {
	var out []core.AttendanceEvent
	for _, evt := range e.EventsInRange(time.Time{}, time.Time{}) {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// Filter é o filtro do log de frequência exposto pro dashboard.
type Filter struct {
	PersonID            string
	From, To            time.Time
	OnlyCurrentlyInside bool
}

// Query aplica o filtro sobre o log (timestamp asc).
func (e *Engine) Query(f Filter) []core.AttendanceEvent {
	events := e.EventsInRange(f.From, f.To)

	var inside map[string]bool
	if f.OnlyCurrentlyInside {
		inside = e.PresenceMap()
	}

	var out []core.AttendanceEvent
	for _, evt := range events {
		if f.PersonID != "" && !strings.EqualFold(evt.PersonID, f.PersonID) {
			continue
		}
		if f.OnlyCurrentlyInside && !inside[evt.PersonID] {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Today devolve os eventos do dia corrente (UTC).
func (e *Engine) Today() []core.AttendanceEvent {
	now := e.nowFn()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return e.EventsInRange(start, start.AddDate(0, 0, 1))
}

// ThisWeek devolve os eventos desde a segunda-feira corrente (UTC).
func (e *Engine) ThisWeek() []core.AttendanceEvent {
	now := e.nowFn()
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7 // domingo fecha a semana
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -(weekday - 1))
	return e.EventsInRange(start, start.AddDate(0, 0, 7))
}

// ThisMonth devolve os eventos do mês corrente (UTC).
func (e *Engine) ThisMonth() []core.AttendanceEvent {
	now := e.nowFn()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return e.EventsInRange(start, start.AddDate(0, 1, 0))
}

// CurrentlyInside lista os eventos das pessoas que estão dentro agora.
func (e *Engine) CurrentlyInside() []core.AttendanceEvent {
	return e.Query(Filter{OnlyCurrentlyInside: true})
}
