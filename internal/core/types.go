// internal/core/types.go
package core

import (
	"fmt"
	"strings"
	"time"
)

// VendorType identifica a família de firmware do controlador de acesso.
type VendorType string

const (
	VendorISAPI     VendorType = "ISAPI"     // Hikvision e clones (DS-K1T etc.)
	VendorControlID VendorType = "ControlID" // iDAccess / iDFlex
	VendorZKTeco    VendorType = "ZKTeco"    // declarado, mas ainda sem driver
)

// DeviceProfile é o perfil de conexão de um controlador (porta/catraca).
// Credenciais são segredos opacos: nunca vão para log nem para a view
// redacted retornada pelo boundary.
type DeviceProfile struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Address  string     `json:"address"`
	Port     int        `json:"port"` // default 80
	Username string     `json:"username"`
	Password string     `json:"password"`
	Vendor   VendorType `json:"vendor_type"`
	UseTLS   bool       `json:"use_tls,omitempty"`
	Enabled  bool       `json:"enabled"`
}

// HostPort monta "address:port" aplicando o default 80.
func (p DeviceProfile) HostPort() string {
	port := p.Port
	if port == 0 {
		port = 80
	}
	return fmt.Sprintf("%s:%d", p.Address, port)
}

// BaseURL monta a URL base http(s):// do controlador.
func (p DeviceProfile) BaseURL() string {
	scheme := "http"
	if p.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, p.HostPort())
}

// Redacted devolve uma cópia sem credenciais, para listagem externa.
func (p DeviceProfile) Redacted() DeviceProfile {
	p.Username = ""
	p.Password = ""
	return p
}

// DeviceIdentity é a identidade reportada pelo próprio controlador
// (usada no testConnection antes de registrar o perfil).
type DeviceIdentity struct {
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
}

// DeviceUser é um usuário cadastrado NO controlador. O gateway só espelha;
// a fonte de verdade é o device.
type DeviceUser struct {
	ID      string `json:"id"` // id local do device, não é único entre devices
	Name    string `json:"name"`
	Blocked bool   `json:"blocked"`
}

// EventType é a direção de um evento de acesso.
type EventType string

const (
	EventIn  EventType = "in"
	EventOut EventType = "out"
)

// AttendanceEvent é um evento de acesso normalizado (imutável, append-only).
type AttendanceEvent struct {
	ID         string    `json:"id"`
	PersonID   string    `json:"person_id"` // id de usuário do device ou número do cartão
	PersonName string    `json:"person_name,omitempty"`
	DeviceID   string    `json:"device_id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method,omitempty"` // face, card, code...

	// URL pública do snapshot no MinIO, quando o device mandou foto.
	SnapshotURL string `json:"snapshot_url,omitempty"`

	// Bytes crus da foto em memória (NÃO vai pro JSON / MQTT).
	RawSnapshot []byte `json:"-"`
}

// DedupeKey identifica um evento para deduplicação entre pulls sobrepostos.
func (e AttendanceEvent) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.DeviceID, e.PersonID, e.Timestamp.UTC().UnixNano(), e.Type)
}

// NormalizeVendor aceita as grafias comuns ("isapi", "controlid", "control-id").
func NormalizeVendor(s string) VendorType {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "isapi", "hikvision":
		return VendorISAPI
	case "controlid", "idaccess", "idflex":
		return VendorControlID
	case "zkteco", "zk":
		return VendorZKTeco
	}
	return VendorType(s)
}
