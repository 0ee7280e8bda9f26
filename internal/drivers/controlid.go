// internal/drivers/controlid.go
package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/digest"
)

// ControlIDDriver fala com iDAccess/iDFlex pela superfície CGI JSON.
// O cursor de eventos é o id sequencial do último evento lido.
type ControlIDDriver struct {
	profile core.DeviceProfile
	dc      *digest.Client
	creds   digest.Credentials
}

const controlIDPageSize = 100

func init() {
	RegisterDriver(core.VendorControlID, func(profile core.DeviceProfile, dc *digest.Client) (Driver, error) {
		return NewControlIDDriver(profile, dc), nil
	})
}

func NewControlIDDriver(profile core.DeviceProfile, dc *digest.Client) *ControlIDDriver {
	return &ControlIDDriver{
		profile: profile,
		dc:      dc,
		creds:   digest.Credentials{Username: profile.Username, Password: profile.Password},
	}
}

func (d *ControlIDDriver) url(cgi string) string {
	return d.profile.BaseURL() + "/cgi-bin/" + cgi
}

func (d *ControlIDDriver) postJSON(ctx context.Context, cgi string, payload, result interface{}) error {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}

	resp, err := d.dc.Execute(ctx, http.MethodPost, d.url(cgi), body, d.creds, "application/json")
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("%s status %d", cgi, resp.Status)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return fmt.Errorf("%s JSON inválido: %w", cgi, err)
	}
	return nil
}

func (d *ControlIDDriver) DeviceInfo(ctx context.Context) (core.DeviceIdentity, error) {
	var info struct {
		DeviceModel     string `json:"device_model"`
		SerialNumber    string `json:"serial_number"`
		FirmwareVersion string `json:"firmware_version"`
	}
	if err := d.postJSON(ctx, "system_information.fcgi", nil, &info); err != nil {
		return core.DeviceIdentity{}, err
	}
	return core.DeviceIdentity{
		Model:    info.DeviceModel,
		Serial:   info.SerialNumber,
		Firmware: info.FirmwareVersion,
	}, nil
}

// OpenDoor aciona o relé 1 (sec_box). Sem retry automático: o efeito é
// físico e já pode ter acontecido mesmo quando a resposta se perde.
func (d *ControlIDDriver) OpenDoor(ctx context.Context) error {
	payload := map[string]interface{}{
		"actions": []map[string]interface{}{
			{"action": "sec_box", "parameters": "id=65793, reason=1"},
		},
	}
	return d.postJSON(ctx, "execute_actions.fcgi", payload, nil)
}

type controlIDUserPage struct {
	Users []struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		Blocked bool   `json:"blocked"`
	} `json:"users"`
}

func (d *ControlIDDriver) ListUsers(ctx context.Context) ([]core.DeviceUser, error) {
	var out []core.DeviceUser
	for offset := 0; ; offset += controlIDPageSize {
		payload := map[string]interface{}{
			"object": "users",
			"offset": offset,
			"limit":  controlIDPageSize,
		}
		var page controlIDUserPage
		if err := d.postJSON(ctx, "load_objects.fcgi", payload, &page); err != nil {
			return nil, err
		}
		for _, u := range page.Users {
			out = append(out, core.DeviceUser{
				ID:      strconv.FormatInt(u.ID, 10),
				Name:    u.Name,
				Blocked: u.Blocked,
			})
		}
		if len(page.Users) < controlIDPageSize {
			return out, nil
		}
	}
}

func (d *ControlIDDriver) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: usuário %s", core.ErrNotFound, userID)
	}

	payload := map[string]interface{}{
		"object": "users",
		"values": map[string]interface{}{"blocked": blocked},
		"where":  map[string]interface{}{"users": map[string]interface{}{"id": id}},
	}
	var result struct {
		Changes int `json:"changes"`
	}
	if err := d.postJSON(ctx, "modify_objects.fcgi", payload, &result); err != nil {
		return err
	}
	// changes==0 com blocked já no estado pedido é idempotência, não
	// erro; o firmware só reporta 0 changes quando o id não existe E
	// nada foi tocado — não dá pra distinguir, então consultamos.
	if result.Changes == 0 {
		users, err := d.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			if u.ID == userID {
				return nil // já estava no estado pedido
			}
		}
		return fmt.Errorf("%w: usuário %s", core.ErrNotFound, userID)
	}
	return nil
}

type controlIDEventPage struct {
	AccessLogs []struct {
		ID     int64  `json:"id"`
		UserID int64  `json:"user_id"`
		Name   string `json:"name"`
		Event  string `json:"event"` // "entry" | "exit"
		Time   int64  `json:"time"` // unix seconds
		Reader string `json:"reader"`
	} `json:"access_logs"`
}

// PullEvents lê o access_logs a partir do id sequencial do cursor.
func (d *ControlIDDriver) PullEvents(ctx context.Context, cursor string) ([]core.AttendanceEvent, string, error) {
	afterID := int64(0)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, cursor, fmt.Errorf("cursor inválido %q: %w", cursor, err)
		}
		afterID = v
	}

	var (
		out    []core.AttendanceEvent
		lastID = afterID
	)

	for {
		payload := map[string]interface{}{
			"object":   "access_logs",
			"after_id": lastID,
			"limit":    controlIDPageSize,
		}
		var page controlIDEventPage
		if err := d.postJSON(ctx, "load_objects.fcgi", payload, &page); err != nil {
			return nil, strconv.FormatInt(lastID, 10), err
		}

		for _, raw := range page.AccessLogs {
			if raw.ID > lastID {
				lastID = raw.ID
			}
			if raw.UserID == 0 {
				continue // acesso negado / evento de sistema
			}
			evtType := core.EventIn
			if raw.Event == "exit" {
				evtType = core.EventOut
			}
			out = append(out, core.AttendanceEvent{
				ID:         fmt.Sprintf("%s-%d", d.profile.ID, raw.ID),
				PersonID:   strconv.FormatInt(raw.UserID, 10),
				PersonName: raw.Name,
				DeviceID:   d.profile.ID,
				Type:       evtType,
				Timestamp:  time.Unix(raw.Time, 0).UTC(),
				Method:     raw.Reader,
			})
		}

		if len(page.AccessLogs) < controlIDPageSize {
			break
		}
	}

	return out, strconv.FormatInt(lastID, 10), nil
}
