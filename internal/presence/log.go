// internal/presence/log.go
package presence

import (
	"log"
	"sync"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
)

// Log é o event log de acesso: append-only, deduplicado por
// (deviceId, personId, timestamp, type). Um único writer (o caminho de
// sync de eventos); as queries só leem.
type Log struct {
	mu     sync.RWMutex
	events []core.AttendanceEvent
	seen   map[string]struct{}
}

func NewLog() *Log {
	return &Log{seen: make(map[string]struct{})}
}

// Ingest acrescenta eventos novos, descartando os já conhecidos, e
// devolve os que entraram de fato. Eventos são imutáveis depois daqui.
func (l *Log) Ingest(events []core.AttendanceEvent) []core.AttendanceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var imported []core.AttendanceEvent
	for _, e := range events {
		key := e.DedupeKey()
		if _, dup := l.seen[key]; dup {
			continue
		}
		l.seen[key] = struct{}{}
		l.events = append(l.events, e)
		imported = append(imported, e)
	}

	if len(imported) > 0 {
		log.Printf("[presence] %d eventos novos ingeridos (total %d)", len(imported), len(l.events))
	}
	return imported
}

// Snapshot devolve uma cópia do log inteiro, na ordem de inserção.
// A ordem de inserção é o desempate quando timestamps colidem.
func (l *Log) Snapshot() []core.AttendanceEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]core.AttendanceEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Len é o tamanho atual do log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
