// internal/drivers/isapi.go
package drivers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/digest"
)

// ISAPIDriver fala com controladores Hikvision (DS-K1T e afins) pela
// superfície /ISAPI/AccessControl. Buscas de usuário e de evento são
// paginadas pelo próprio firmware (searchResultPosition); aqui a gente
// agrega tudo numa sequência só.
type ISAPIDriver struct {
	profile core.DeviceProfile
	dc      *digest.Client
	creds   digest.Credentials
}

const isapiPageSize = 30 // máximo aceito pelos firmwares mais antigos

func init() {
	RegisterDriver(core.VendorISAPI, func(profile core.DeviceProfile, dc *digest.Client) (Driver, error) {
		return NewISAPIDriver(profile, dc), nil
	})
}

func NewISAPIDriver(profile core.DeviceProfile, dc *digest.Client) *ISAPIDriver {
	return &ISAPIDriver{
		profile: profile,
		dc:      dc,
		creds:   digest.Credentials{Username: profile.Username, Password: profile.Password},
	}
}

// ---------- identidade ----------

type isapiDeviceInfo struct {
	XMLName         xml.Name `xml:"DeviceInfo"`
	Model           string   `xml:"model"`
	SerialNumber    string   `xml:"serialNumber"`
	FirmwareVersion string   `xml:"firmwareVersion"`
}

func (d *ISAPIDriver) DeviceInfo(ctx context.Context) (core.DeviceIdentity, error) {
	resp, err := d.dc.Execute(ctx, http.MethodGet, d.profile.BaseURL()+"/ISAPI/System/deviceInfo", nil, d.creds, "")
	if err != nil {
		return core.DeviceIdentity{}, err
	}
	if resp.Status != http.StatusOK {
		return core.DeviceIdentity{}, fmt.Errorf("deviceInfo status %d", resp.Status)
	}

	var info isapiDeviceInfo
	if err := xml.Unmarshal(resp.Body, &info); err != nil {
		return core.DeviceIdentity{}, fmt.Errorf("deviceInfo XML inválido: %w", err)
	}
	return core.DeviceIdentity{
		Model:    info.Model,
		Serial:   info.SerialNumber,
		Firmware: info.FirmwareVersion,
	}, nil
}

// ---------- porta ----------

// OpenDoor aciona o relé da porta 1. O efeito é físico e irreversível:
// uma vez enviado, não dá pra cancelar — por isso NUNCA re-enviamos
// depois de timeout (podia disparar duas vezes).
func (d *ISAPIDriver) OpenDoor(ctx context.Context) error {
	body := []byte(`<RemoteControlDoor xmlns="http://www.isapi.org/ver20/XMLSchema"><cmd>open</cmd></RemoteControlDoor>`)

	resp, err := d.dc.Execute(ctx, http.MethodPut, d.profile.BaseURL()+"/ISAPI/AccessControl/RemoteControl/door/1", body, d.creds, "application/xml")
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("openDoor status %d: %s", resp.Status, strings.TrimSpace(string(resp.Body)))
	}
	return nil
}

// ---------- usuários ----------

type isapiUserSearch struct {
	UserInfoSearch struct {
		ResponseStatusStrg string `json:"responseStatusStrg"` // "OK" | "MORE" | "NO MATCH"
		NumOfMatches       int    `json:"numOfMatches"`
		UserInfo           []struct {
			EmployeeNo string `json:"employeeNo"`
			Name       string `json:"name"`
			Valid      struct {
				Enable bool `json:"enable"`
			} `json:"Valid"`
		} `json:"UserInfo"`
	} `json:"UserInfoSearch"`
}

func (d *ISAPIDriver) ListUsers(ctx context.Context) ([]core.DeviceUser, error) {
	searchID := uuid.NewString()
	var out []core.DeviceUser

	for pos := 0; ; {
		cond := map[string]interface{}{
			"UserInfoSearchCond": map[string]interface{}{
				"searchID":             searchID,
				"searchResultPosition": pos,
				"maxResults":           isapiPageSize,
			},
		}
		body, _ := json.Marshal(cond)

		resp, err := d.dc.Execute(ctx, http.MethodPost, d.profile.BaseURL()+"/ISAPI/AccessControl/UserInfo/Search?format=json", body, d.creds, "application/json")
		if err != nil {
			return nil, err
		}
		if resp.Status != http.StatusOK {
			return nil, fmt.Errorf("userInfo search status %d", resp.Status)
		}

		var page isapiUserSearch
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("userInfo search JSON inválido: %w", err)
		}

		for _, u := range page.UserInfoSearch.UserInfo {
			out = append(out, core.DeviceUser{
				ID:      u.EmployeeNo,
				Name:    u.Name,
				Blocked: !u.Valid.Enable,
			})
		}

		if page.UserInfoSearch.ResponseStatusStrg != "MORE" {
			return out, nil
		}
		pos += len(page.UserInfoSearch.UserInfo)
		if len(page.UserInfoSearch.UserInfo) == 0 {
			// firmware respondeu MORE sem itens; evita loop infinito
			return out, nil
		}
	}
}

// SetUserBlocked liga/desliga o flag Valid.enable do usuário. O firmware
// aceita re-aplicar o mesmo estado sem reclamar, então a idempotência
// vem de graça.
func (d *ISAPIDriver) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	payload := map[string]interface{}{
		"UserInfo": map[string]interface{}{
			"employeeNo": userID,
			"Valid": map[string]interface{}{
				"enable": !blocked,
			},
		},
	}
	body, _ := json.Marshal(payload)

	resp, err := d.dc.Execute(ctx, http.MethodPut, d.profile.BaseURL()+"/ISAPI/AccessControl/UserInfo/Modify?format=json", body, d.creds, "application/json")
	if err != nil {
		return err
	}
	switch resp.Status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusBadRequest:
		// firmware responde 400 com statusString "notFound" em alguns modelos
		if strings.Contains(strings.ToLower(string(resp.Body)), "notfound") || resp.Status == http.StatusNotFound {
			return fmt.Errorf("%w: usuário %s", core.ErrNotFound, userID)
		}
		return fmt.Errorf("userInfo modify status %d: %s", resp.Status, strings.TrimSpace(string(resp.Body)))
	default:
		return fmt.Errorf("userInfo modify status %d", resp.Status)
	}
}

// ---------- eventos ----------

type isapiAcsEventPage struct {
	AcsEvent struct {
		ResponseStatusStrg string `json:"responseStatusStrg"`
		NumOfMatches       int    `json:"numOfMatches"`
		InfoList           []struct {
			EmployeeNoString  string `json:"employeeNoString"`
			CardNo            string `json:"cardNo"`
			Name              string `json:"name"`
			Time              string `json:"time"` // RFC3339 com offset do device
			AttendanceStatus  string `json:"attendanceStatus"` // checkIn | checkOut
			CurrentVerifyMode string `json:"currentVerifyMode"`
			PictureURL        string `json:"pictureURL"`
			SerialNo          int64  `json:"serialNo"`
		} `json:"InfoList"`
	} `json:"AcsEvent"`
}

// PullEvents busca eventos de acesso desde o cursor (startTime RFC3339).
// O device devolve do mais recente pro mais antigo em alguns firmwares;
// a ordenação pra presença é sempre por timestamp, responsabilidade do
// log — aqui só normalizamos.
func (d *ISAPIDriver) PullEvents(ctx context.Context, cursor string) ([]core.AttendanceEvent, string, error) {
	searchID := uuid.NewString()
	startTime := cursor
	if startTime == "" {
		startTime = "1970-01-01T00:00:00+00:00"
	}

	var (
		out    []core.AttendanceEvent
		latest time.Time
	)

	for pos := 0; ; {
		cond := map[string]interface{}{
			"AcsEventCond": map[string]interface{}{
				"searchID":             searchID,
				"searchResultPosition": pos,
				"maxResults":           isapiPageSize,
				"major":                5, // eventos de acesso
				"minor":                0, // todos os minors
				"startTime":            startTime,
			},
		}
		body, _ := json.Marshal(cond)

		resp, err := d.dc.Execute(ctx, http.MethodPost, d.profile.BaseURL()+"/ISAPI/AccessControl/AcsEvent?format=json", body, d.creds, "application/json")
		if err != nil {
			return nil, cursor, err
		}
		if resp.Status != http.StatusOK {
			return nil, cursor, fmt.Errorf("acsEvent status %d", resp.Status)
		}

		var page isapiAcsEventPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, cursor, fmt.Errorf("acsEvent JSON inválido: %w", err)
		}

		for _, raw := range page.AcsEvent.InfoList {
			evt, ok := d.normalizeEvent(raw.EmployeeNoString, raw.CardNo, raw.Name, raw.Time,
				raw.AttendanceStatus, raw.CurrentVerifyMode, raw.PictureURL, raw.SerialNo)
			if !ok {
				continue
			}
			out = append(out, evt)
			if evt.Timestamp.After(latest) {
				latest = evt.Timestamp
			}
		}

		if page.AcsEvent.ResponseStatusStrg != "MORE" {
			break
		}
		pos += len(page.AcsEvent.InfoList)
		if len(page.AcsEvent.InfoList) == 0 {
			break
		}
	}

	next := cursor
	if !latest.IsZero() {
		// próximo pull começa no timestamp do último evento visto; a
		// sobreposição de borda é resolvida pela deduplicação no log
		next = latest.Format(time.RFC3339)
	}
	return out, next, nil
}

func (d *ISAPIDriver) normalizeEvent(employeeNo, cardNo, name, rawTime, attendance, verifyMode, pictureURL string, serialNo int64) (core.AttendanceEvent, bool) {
	personID := employeeNo
	if personID == "" {
		personID = cardNo
	}
	if personID == "" {
		// evento de sistema (porta forçada, tamper...), não é presença
		return core.AttendanceEvent{}, false
	}

	ts, err := time.Parse(time.RFC3339, rawTime)
	if err != nil {
		log.Printf("[isapi] device %s: timestamp inválido %q, ignorando evento", d.profile.ID, rawTime)
		return core.AttendanceEvent{}, false
	}

	evtType := core.EventIn
	if strings.EqualFold(attendance, "checkOut") {
		evtType = core.EventOut
	}

	id := fmt.Sprintf("%s-%d", d.profile.ID, serialNo)
	if serialNo == 0 {
		id = uuid.NewString()
	}

	return core.AttendanceEvent{
		ID:          id,
		PersonID:    personID,
		PersonName:  name,
		DeviceID:    d.profile.ID,
		Type:        evtType,
		Timestamp:   ts.UTC(),
		Method:      normalizeVerifyMode(verifyMode),
		SnapshotURL: pictureURL,
	}, true
}

func normalizeVerifyMode(mode string) string {
	m := strings.ToLower(mode)
	switch {
	case strings.Contains(m, "face"):
		return "face"
	case strings.Contains(m, "card"):
		return "card"
	case strings.Contains(m, "pw"), strings.Contains(m, "password"), strings.Contains(m, "code"):
		return "code"
	case strings.Contains(m, "finger"):
		return "fingerprint"
	}
	return mode
}

// FetchPicture baixa a foto de um evento (mesma sessão digest). O
// content-type volta junto pro snapshot store.
func (d *ISAPIDriver) FetchPicture(ctx context.Context, pictureURL string) ([]byte, string, error) {
	resp, err := d.dc.Execute(ctx, http.MethodGet, pictureURL, nil, d.creds, "")
	if err != nil {
		return nil, "", err
	}
	if resp.Status != http.StatusOK {
		return nil, "", fmt.Errorf("picture status %d", resp.Status)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	return resp.Body, ct, nil
}
