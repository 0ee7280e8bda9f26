// internal/drivers/base.go
package drivers

import (
	"context"
	"strings"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/digest"
)

// Driver é a superfície de comandos de um vendor, já normalizada.
// Toda chamada passa pelo digest client; o driver só sabe montar os
// payloads do firmware dele e traduzir a resposta pro shape interno.
type Driver interface {
	// DeviceInfo consulta a identidade do controlador (teste de conexão).
	DeviceInfo(ctx context.Context) (core.DeviceIdentity, error)

	// OpenDoor dispara o relé. Sucesso = comando aceito; não existe
	// canal de feedback confirmando que a porta abriu fisicamente.
	OpenDoor(ctx context.Context) error

	// ListUsers devolve TODOS os usuários cadastrados no device,
	// agregando páginas de forma transparente.
	ListUsers(ctx context.Context) ([]core.DeviceUser, error)

	// SetUserBlocked é idempotente: bloquear quem já está bloqueado
	// não é erro.
	SetUserBlocked(ctx context.Context, userID string, blocked bool) error

	// PullEvents busca eventos novos a partir do cursor (formato
	// específico do vendor; "" = desde o começo) e devolve o próximo
	// cursor. A deduplicação fica com o log de presença.
	PullEvents(ctx context.Context, cursor string) ([]core.AttendanceEvent, string, error)
}

// PictureFetcher é opcional: vendors cujos eventos trazem URL de foto
// (faceCapture do ISAPI) implementam pra permitir arquivar o snapshot.
type PictureFetcher interface {
	FetchPicture(ctx context.Context, pictureURL string) ([]byte, string, error)
}

type DriverFactory func(profile core.DeviceProfile, dc *digest.Client) (Driver, error)

// registry: vendor -> factory
var registry = map[string]DriverFactory{}

// RegisterDriver é chamado no init() de cada driver (ISAPI, ControlID...).
func RegisterDriver(vendor core.VendorType, f DriverFactory) {
	registry[normalize(string(vendor))] = f
}

func GetDriver(profile core.DeviceProfile, dc *digest.Client) (Driver, error) {
	if f, ok := registry[normalize(string(profile.Vendor))]; ok {
		return f(profile, dc)
	}
	return nil, ErrDriverNotFound
}

func normalize(s string) string {
	return strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s))
}
