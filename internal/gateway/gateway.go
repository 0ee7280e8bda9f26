// internal/gateway/gateway.go
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/digest"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/drivers"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/registry"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/storage"
)

// Gateway é o funil de comandos pros controladores registrados. Chamadas
// pra devices DIFERENTES rodam em paralelo sem estado compartilhado;
// chamadas pro MESMO device são serializadas (os firmwares não lidam
// bem com sessões digest sobrepostas, e o estado nonce/nc é por sessão).
type Gateway struct {
	reg     *registry.Registry
	timeout time.Duration

	// snapshot store opcional: eventos ISAPI com foto são arquivados
	snaps storage.SnapshotStore

	mu    sync.Mutex
	gates map[string]chan struct{} // 1 slot por device
}

func New(reg *registry.Registry, timeout time.Duration, snaps storage.SnapshotStore) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		reg:     reg,
		timeout: timeout,
		snaps:   snaps,
		gates:   make(map[string]chan struct{}),
	}
}

// acquire pega o slot do device (ou espera). Devolve o release.
func (g *Gateway) acquire(ctx context.Context, deviceID string) (func(), error) {
	g.mu.Lock()
	gate, ok := g.gates[deviceID]
	if !ok {
		gate = make(chan struct{}, 1)
		g.gates[deviceID] = gate
	}
	g.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: aguardando slot do device: %v", core.ErrDeviceUnreachable, ctx.Err())
	}
}

func (g *Gateway) driverFor(profile core.DeviceProfile) (drivers.Driver, error) {
	dc := digest.New(g.timeout, profile.UseTLS)
	return drivers.GetDriver(profile, dc)
}

// withDevice resolve o perfil, serializa e roda op com timeout próprio.
func (g *Gateway) withDevice(ctx context.Context, deviceID, opName string, op func(ctx context.Context, drv drivers.Driver) error) error {
	profile, err := g.reg.Get(deviceID)
	if err != nil {
		return err
	}

	release, err := g.acquire(ctx, deviceID)
	if err != nil {
		return core.TagDevice(deviceID, opName, err)
	}
	defer release()

	drv, err := g.driverFor(profile)
	if err != nil {
		return core.TagDevice(deviceID, opName, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// DeviceUnreachable/AuthenticationRejected sobem como vieram do
	// digest client, só ganhando a tag do device — sem retry extra.
	return core.TagDevice(deviceID, opName, op(callCtx, drv))
}

// OpenDoor manda o comando de abrir o relé. Sucesso = comando aceito
// pelo device (não existe confirmação de que a porta mexeu). NUNCA é
// re-tentado depois de timeout: re-enviar acionamento físico pode
// disparar a porta duas vezes.
func (g *Gateway) OpenDoor(ctx context.Context, deviceID string) error {
	return g.withDevice(ctx, deviceID, "openDoor", func(ctx context.Context, drv drivers.Driver) error {
		return drv.OpenDoor(ctx)
	})
}

// TestConnection consulta a identidade de um perfil CANDIDATO — não
// precisa (e normalmente não deve) estar registrado ainda.
func (g *Gateway) TestConnection(ctx context.Context, candidate core.DeviceProfile) (core.DeviceIdentity, error) {
	drv, err := g.driverFor(candidate)
	if err != nil {
		return core.DeviceIdentity{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	return drv.DeviceInfo(callCtx)
}

// ListUsers agrega todas as páginas de usuários do device.
func (g *Gateway) ListUsers(ctx context.Context, deviceID string) ([]core.DeviceUser, error) {
	var users []core.DeviceUser
	err := g.withDevice(ctx, deviceID, "listUsers", func(ctx context.Context, drv drivers.Driver) error {
		var opErr error
		users, opErr = drv.ListUsers(ctx)
		return opErr
	})
	return users, err
}

// SetUserBlocked é idempotente: re-aplicar o estado atual não é erro.
func (g *Gateway) SetUserBlocked(ctx context.Context, deviceID, userID string, blocked bool) error {
	return g.withDevice(ctx, deviceID, "setUserBlocked", func(ctx context.Context, drv drivers.Driver) error {
		return drv.SetUserBlocked(ctx, userID, blocked)
	})
}

// PullEvents busca eventos novos desde o cursor e arquiva as fotos no
// snapshot store (quando o vendor manda e o store está configurado).
// Quem deduplica contra o que já é conhecido é o log de presença, na
// ingestão — o gateway entrega a leva normalizada + próximo cursor.
func (g *Gateway) PullEvents(ctx context.Context, deviceID, cursor string) ([]core.AttendanceEvent, string, error) {
	var (
		events []core.AttendanceEvent
		next   = cursor
	)
	err := g.withDevice(ctx, deviceID, "pullEvents", func(ctx context.Context, drv drivers.Driver) error {
		var opErr error
		events, next, opErr = drv.PullEvents(ctx, cursor)
		if opErr != nil {
			return opErr
		}
		g.archiveSnapshots(ctx, drv, events)
		return nil
	})
	return events, next, err
}

// archiveSnapshots baixa e guarda as fotos dos eventos no MinIO.
// Falha de foto não derruba o pull — só perde o snapshot.
func (g *Gateway) archiveSnapshots(ctx context.Context, drv drivers.Driver, events []core.AttendanceEvent) {
	if g.snaps == nil {
		return
	}
	fetcher, ok := drv.(drivers.PictureFetcher)
	if !ok {
		return
	}

	for i := range events {
		evt := &events[i]
		if evt.SnapshotURL == "" {
			continue
		}

		data, contentType, err := fetcher.FetchPicture(ctx, evt.SnapshotURL)
		if err != nil {
			log.Printf("[gateway] device %s: foto do evento %s falhou: %v", evt.DeviceID, evt.ID, err)
			evt.SnapshotURL = "" // URL do device não vale fora da LAN
			continue
		}

		key := snapshotKey(*evt)
		url, err := g.snaps.SaveSnapshot(ctx, key, data, contentType)
		if err != nil {
			log.Printf("[gateway] device %s: erro ao arquivar snapshot %s: %v", evt.DeviceID, key, err)
			evt.SnapshotURL = ""
			continue
		}
		evt.SnapshotURL = url
		evt.RawSnapshot = data
	}
}

func snapshotKey(evt core.AttendanceEvent) string {
	ts := evt.Timestamp
	return fmt.Sprintf("gym/%s/%04d/%02d/%02d/%s.jpg",
		evt.DeviceID, ts.Year(), ts.Month(), ts.Day(), evt.ID)
}
