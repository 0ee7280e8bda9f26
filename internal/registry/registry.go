// internal/registry/registry.go
package registry

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
)

// Registry guarda os perfis de conexão dos controladores configurados.
// Puro CRUD em memória, sem I/O de rede; o gateway e o supervisor leem
// daqui. address:port é único — dois cadastros pro mesmo device é erro.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]core.DeviceProfile // por id
	byAddr  map[string]string             // "address:port" -> id
}

func New() *Registry {
	return &Registry{
		devices: make(map[string]core.DeviceProfile),
		byAddr:  make(map[string]string),
	}
}

// Add registra um perfil. Se não vier id, geramos um. Duplicata de
// address:port => core.ErrDuplicateDevice (e o registry fica como estava).
func (r *Registry) Add(p core.DeviceProfile) (core.DeviceProfile, error) {
	if strings.TrimSpace(p.Address) == "" {
		return core.DeviceProfile{}, fmt.Errorf("profile sem address")
	}
	if p.Port == 0 {
		p.Port = 80
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Vendor = core.NormalizeVendor(string(p.Vendor))

	addrKey := p.HostPort()

	r.mu.Lock()
	defer r.mu.Unlock()

	if otherID, ok := r.byAddr[addrKey]; ok {
		return core.DeviceProfile{}, fmt.Errorf("%w: %s (id %s)", core.ErrDuplicateDevice, addrKey, otherID)
	}
	if _, ok := r.devices[p.ID]; ok {
		return core.DeviceProfile{}, fmt.Errorf("%w: id %s", core.ErrDuplicateDevice, p.ID)
	}

	r.devices[p.ID] = p
	r.byAddr[addrKey] = p.ID

	log.Printf("[registry] device %s registrado (%s, vendor=%s, senha configurada: %v)",
		p.ID, addrKey, p.Vendor, p.Password != "")
	return p, nil
}

// Update substitui o perfil de um id existente (mutação só por update
// explícito). Mantém a unicidade de address:port.
func (r *Registry) Update(p core.DeviceProfile) (core.DeviceProfile, error) {
	if p.Port == 0 {
		p.Port = 80
	}
	p.Vendor = core.NormalizeVendor(string(p.Vendor))

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.devices[p.ID]
	if !ok {
		return core.DeviceProfile{}, fmt.Errorf("%w: device %s", core.ErrNotFound, p.ID)
	}

	addrKey := p.HostPort()
	if otherID, taken := r.byAddr[addrKey]; taken && otherID != p.ID {
		return core.DeviceProfile{}, fmt.Errorf("%w: %s (id %s)", core.ErrDuplicateDevice, addrKey, otherID)
	}

	delete(r.byAddr, old.HostPort())
	r.devices[p.ID] = p
	r.byAddr[addrKey] = p.ID
	return p, nil
}

// Remove tira o device do registry. Eventos históricos dele NÃO são
// apagados (o log de presença é append-only e independente daqui).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %s", core.ErrNotFound, id)
	}
	delete(r.devices, id)
	delete(r.byAddr, p.HostPort())

	log.Printf("[registry] device %s removido (%s)", id, p.HostPort())
	return nil
}

// Get devolve o perfil completo (com credenciais) — uso interno do gateway.
func (r *Registry) Get(id string) (core.DeviceProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.devices[id]
	if !ok {
		return core.DeviceProfile{}, fmt.Errorf("%w: device %s", core.ErrNotFound, id)
	}
	return p, nil
}

// List devolve todos os perfis, ordenados por nome, COM credenciais.
// Quem expõe pra fora deve usar ListRedacted.
func (r *Registry) List() []core.DeviceProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.DeviceProfile, 0, len(r.devices))
	for _, p := range r.devices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListRedacted é a view pro boundary: sem username/password.
func (r *Registry) ListRedacted() []core.DeviceProfile {
	list := r.List()
	for i := range list {
		list[i] = list[i].Redacted()
	}
	return list
}

// Len é usado pelo status loop do supervisor.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
