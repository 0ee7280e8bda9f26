// internal/service/service.go
package service

import (
	"context"
	"sync"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/discovery"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/gateway"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/presence"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/registry"
)

// Service é o boundary que o resto do sistema da academia (dashboard,
// telas de CRUD) consome. Nenhum collaborator externo fala com device,
// registry ou log de presença diretamente — só por aqui. Qualquer erro
// devolvido é um dos cinco kinds de core/errors.go (via errors.Is).
type Service struct {
	reg     *registry.Registry
	gw      *gateway.Gateway
	scanner *discovery.Scanner
	log     *presence.Log
	eng     *presence.Engine

	// cursor de pull por device (escopo do processo; o vendor define o
	// formato). Um único caminho de escrita no log: SyncEvents.
	mu      sync.Mutex
	cursors map[string]string
}

func New(reg *registry.Registry, gw *gateway.Gateway, scanner *discovery.Scanner, log *presence.Log) *Service {
	return &Service{
		reg:     reg,
		gw:      gw,
		scanner: scanner,
		log:     log,
		eng:     presence.NewEngine(log),
		cursors: make(map[string]string),
	}
}

// Engine expõe as queries de presença (uso interno do supervisor).
func (s *Service) Engine() *presence.Engine { return s.eng }

// ---------- registry ----------

// ListDevices devolve os perfis SEM credenciais.
func (s *Service) ListDevices() []core.DeviceProfile {
	return s.reg.ListRedacted()
}

func (s *Service) AddDevice(p core.DeviceProfile) (core.DeviceProfile, error) {
	return s.reg.Add(p)
}

func (s *Service) UpdateDevice(p core.DeviceProfile) (core.DeviceProfile, error) {
	return s.reg.Update(p)
}

// RemoveDevice tira o device do registry. O histórico de eventos dele
// fica — presença é recomputável do log, que é append-only.
func (s *Service) RemoveDevice(id string) error {
	return s.reg.Remove(id)
}

// ---------- rede ----------

// TestConnection valida um perfil candidato (ainda não registrado)
// consultando a identidade do controlador.
func (s *Service) TestConnection(ctx context.Context, candidate core.DeviceProfile) (core.DeviceIdentity, error) {
	return s.gw.TestConnection(ctx, candidate)
}

// ScanNetwork sonda a subnet e devolve os candidatos alcançáveis.
func (s *Service) ScanNetwork(ctx context.Context, cidr string) ([]discovery.Candidate, error) {
	return s.scanner.Scan(ctx, cidr)
}

// ---------- comandos de device ----------

func (s *Service) OpenDoor(ctx context.Context, deviceID string) error {
	return s.gw.OpenDoor(ctx, deviceID)
}

func (s *Service) ListDeviceUsers(ctx context.Context, deviceID string) ([]core.DeviceUser, error) {
	return s.gw.ListUsers(ctx, deviceID)
}

func (s *Service) SetUserBlocked(ctx context.Context, deviceID, userID string, blocked bool) error {
	return s.gw.SetUserBlocked(ctx, deviceID, userID, blocked)
}

// ---------- eventos / presença ----------

// SyncResult é o retorno do sync: o contrato externo só precisa do
// Imported; o supervisor usa Events pra publicar no bus.
type SyncResult struct {
	Imported int
	Events   []core.AttendanceEvent
}

// SyncEvents puxa eventos novos do device, deduplica contra o log e
// acrescenta os inéditos. O cursor do device só avança se o pull deu
// certo — falha no meio re-lê a mesma janela no próximo sync (a
// deduplicação torna a releitura inofensiva).
func (s *Service) SyncEvents(ctx context.Context, deviceID string) (SyncResult, error) {
	s.mu.Lock()
	cursor := s.cursors[deviceID]
	s.mu.Unlock()

	events, next, err := s.gw.PullEvents(ctx, deviceID, cursor)
	if err != nil {
		return SyncResult{}, err
	}

	fresh := s.log.Ingest(events)

	s.mu.Lock()
	s.cursors[deviceID] = next
	s.mu.Unlock()

	return SyncResult{Imported: len(fresh), Events: fresh}, nil
}

// PresenceView é o shape consumido pelo dashboard.
type PresenceView struct {
	Occupancy int             `json:"occupancy"`
	People    map[string]bool `json:"people"` // personId -> dentro
}

func (s *Service) GetPresence() PresenceView {
	people := s.eng.PresenceMap()
	occupancy := 0
	for _, inside := range people {
		if inside {
			occupancy++
		}
	}
	return PresenceView{Occupancy: occupancy, People: people}
}

// GetAttendanceLog aplica o filtro do dashboard sobre o log.
func (s *Service) GetAttendanceLog(f presence.Filter) []core.AttendanceEvent {
	return s.eng.Query(f)
}
