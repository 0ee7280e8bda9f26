// internal/drivers/controlid_test.go
package drivers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/digest"
)

func newControlIDServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/cgi-bin/system_information.fcgi", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"device_model":     "iDAccess Pro",
			"serial_number":    "CID-7781",
			"firmware_version": "6.12.4",
		})
	})

	mux.HandleFunc("/cgi-bin/execute_actions.fcgi", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Actions []struct {
				Action string `json:"action"`
			} `json:"actions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Actions, 1)
		assert.Equal(t, "sec_box", payload.Actions[0].Action)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/cgi-bin/load_objects.fcgi", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Object  string `json:"object"`
			AfterID int64  `json:"after_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		switch payload.Object {
		case "users":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"users": []map[string]interface{}{
					{"id": 7, "name": "Maria", "blocked": false},
					{"id": 9, "name": "João", "blocked": true},
				},
			})
		case "access_logs":
			logs := []map[string]interface{}{
				{"id": 51, "user_id": 7, "name": "Maria", "event": "entry", "time": 1790776800, "reader": "face"},
				{"id": 52, "user_id": 0, "event": "entry", "time": 1790776860}, // acesso negado, sem pessoa
				{"id": 53, "user_id": 7, "name": "Maria", "event": "exit", "time": 1790788200, "reader": "card"},
			}
			var after []map[string]interface{}
			for _, l := range logs {
				if l["id"].(int) > int(payload.AfterID) {
					after = append(after, l)
				}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"access_logs": after})
		default:
			t.Fatalf("object inesperado: %s", payload.Object)
		}
	})

	mux.HandleFunc("/cgi-bin/modify_objects.fcgi", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Where struct {
				Users struct {
					ID int64 `json:"id"`
				} `json:"users"`
			} `json:"where"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		changes := 0
		if payload.Where.Users.ID == 7 {
			changes = 1
		}
		json.NewEncoder(w).Encode(map[string]int{"changes": changes})
	})

	return httptest.NewServer(mux)
}

func TestControlIDDeviceInfo(t *testing.T) {
	srv := newControlIDServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorControlID), digest.New(time.Second, false))
	require.NoError(t, err)

	info, err := drv.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.DeviceIdentity{Model: "iDAccess Pro", Serial: "CID-7781", Firmware: "6.12.4"}, info)
}

func TestControlIDOpenDoor(t *testing.T) {
	srv := newControlIDServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorControlID), digest.New(time.Second, false))
	require.NoError(t, err)
	assert.NoError(t, drv.OpenDoor(context.Background()))
}

func TestControlIDListUsers(t *testing.T) {
	srv := newControlIDServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorControlID), digest.New(time.Second, false))
	require.NoError(t, err)

	users, err := drv.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, core.DeviceUser{ID: "7", Name: "Maria", Blocked: false}, users[0])
	assert.True(t, users[1].Blocked)
}

func TestControlIDSetUserBlocked(t *testing.T) {
	srv := newControlIDServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorControlID), digest.New(time.Second, false))
	require.NoError(t, err)

	require.NoError(t, drv.SetUserBlocked(context.Background(), "7", true))

	// changes==0 e id existente: estado já era o pedido, idempotente
	require.NoError(t, drv.SetUserBlocked(context.Background(), "9", true))

	err = drv.SetUserBlocked(context.Background(), "404", true)
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = drv.SetUserBlocked(context.Background(), "nao-numerico", true)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestControlIDPullEventsWithCursor(t *testing.T) {
	srv := newControlIDServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorControlID), digest.New(time.Second, false))
	require.NoError(t, err)

	events, cursor, err := drv.PullEvents(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, events, 2) // o log sem user_id cai fora
	assert.Equal(t, core.EventIn, events[0].Type)
	assert.Equal(t, core.EventOut, events[1].Type)
	assert.Equal(t, "dev-teste-53", events[1].ID)
	assert.Equal(t, time.Unix(1790788200, 0).UTC(), events[1].Timestamp)
	assert.Equal(t, "53", cursor)

	// pull seguinte com o cursor devolvido: nada novo
	events, cursor, err = drv.PullEvents(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "53", cursor)

	// cursor que não é número é rejeitado
	_, _, err = drv.PullEvents(context.Background(), "abc")
	assert.Error(t, err)
}
