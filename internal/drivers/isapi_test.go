// internal/drivers/isapi_test.go
package drivers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/digest"
)

// profileFor aponta um perfil pro servidor de teste.
func profileFor(t *testing.T, srv *httptest.Server, vendor core.VendorType) core.DeviceProfile {
	t.Helper()
	u := srv.Listener.Addr().String()
	host, portStr, err := net.SplitHostPort(u)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return core.DeviceProfile{
		ID:       "dev-teste",
		Name:     "Catraca Teste",
		Address:  host,
		Port:     port,
		Username: "admin",
		Password: "secret",
		Vendor:   vendor,
		Enabled:  true,
	}
}

func newISAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/ISAPI/System/deviceInfo", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<DeviceInfo><model>DS-K1T341AM</model><serialNumber>K1T0042</serialNumber><firmwareVersion>V3.2.30</firmwareVersion></DeviceInfo>`))
	})

	mux.HandleFunc("/ISAPI/AccessControl/RemoteControl/door/1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ISAPI/AccessControl/UserInfo/Search", func(w http.ResponseWriter, r *http.Request) {
		var cond struct {
			UserInfoSearchCond struct {
				SearchResultPosition int `json:"searchResultPosition"`
			} `json:"UserInfoSearchCond"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cond))

		// duas páginas: a primeira devolve MORE
		type user struct {
			EmployeeNo string `json:"employeeNo"`
			Name       string `json:"name"`
			Valid      struct {
				Enable bool `json:"enable"`
			} `json:"Valid"`
		}
		mkUser := func(id, name string, enabled bool) user {
			u := user{EmployeeNo: id, Name: name}
			u.Valid.Enable = enabled
			return u
		}

		resp := map[string]interface{}{}
		if cond.UserInfoSearchCond.SearchResultPosition == 0 {
			resp["UserInfoSearch"] = map[string]interface{}{
				"responseStatusStrg": "MORE",
				"UserInfo":           []user{mkUser("101", "Maria", true), mkUser("102", "João", true)},
			}
		} else {
			resp["UserInfoSearch"] = map[string]interface{}{
				"responseStatusStrg": "OK",
				"UserInfo":           []user{mkUser("103", "Pedro", false)},
			}
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/ISAPI/AccessControl/UserInfo/Modify", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			UserInfo struct {
				EmployeeNo string `json:"employeeNo"`
			} `json:"UserInfo"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if payload.UserInfo.EmployeeNo == "999" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ISAPI/AccessControl/AcsEvent", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]interface{}{
			"AcsEvent": map[string]interface{}{
				"responseStatusStrg": "OK",
				"InfoList": []map[string]interface{}{
					{
						"employeeNoString":  "101",
						"name":              "Maria",
						"time":              "2026-08-31T08:00:00-03:00",
						"attendanceStatus":  "checkIn",
						"currentVerifyMode": "cardReader",
						"serialNo":          41,
					},
					{
						"employeeNoString":  "101",
						"name":              "Maria",
						"time":              "2026-08-31T11:30:00-03:00",
						"attendanceStatus":  "checkOut",
						"currentVerifyMode": "face",
						"serialNo":          42,
					},
					{
						// evento de sistema, sem pessoa: tem que ser ignorado
						"time":     "2026-08-31T11:31:00-03:00",
						"serialNo": 43,
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})

	return httptest.NewServer(mux)
}

func TestISAPIDeviceInfo(t *testing.T) {
	srv := newISAPIServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorISAPI), digest.New(time.Second, false))
	require.NoError(t, err)

	info, err := drv.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.DeviceIdentity{Model: "DS-K1T341AM", Serial: "K1T0042", Firmware: "V3.2.30"}, info)
}

func TestISAPIOpenDoor(t *testing.T) {
	srv := newISAPIServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorISAPI), digest.New(time.Second, false))
	require.NoError(t, err)
	assert.NoError(t, drv.OpenDoor(context.Background()))
}

func TestISAPIListUsersAggregatesPages(t *testing.T) {
	srv := newISAPIServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorISAPI), digest.New(time.Second, false))
	require.NoError(t, err)

	users, err := drv.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, core.DeviceUser{ID: "101", Name: "Maria", Blocked: false}, users[0])
	assert.Equal(t, core.DeviceUser{ID: "103", Name: "Pedro", Blocked: true}, users[2]) // Valid.enable=false => blocked
}

func TestISAPISetUserBlocked(t *testing.T) {
	srv := newISAPIServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorISAPI), digest.New(time.Second, false))
	require.NoError(t, err)

	require.NoError(t, drv.SetUserBlocked(context.Background(), "101", true))
	// idempotente: repetir o mesmo estado não é erro
	require.NoError(t, drv.SetUserBlocked(context.Background(), "101", true))

	err = drv.SetUserBlocked(context.Background(), "999", true)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestISAPIPullEventsNormalizes(t *testing.T) {
	srv := newISAPIServer(t)
	defer srv.Close()

	drv, err := GetDriver(profileFor(t, srv, core.VendorISAPI), digest.New(time.Second, false))
	require.NoError(t, err)

	events, cursor, err := drv.PullEvents(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, events, 2) // o evento de sistema cai fora

	assert.Equal(t, "101", events[0].PersonID)
	assert.Equal(t, core.EventIn, events[0].Type)
	assert.Equal(t, "card", events[0].Method)
	assert.Equal(t, time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC), events[0].Timestamp)

	assert.Equal(t, core.EventOut, events[1].Type)
	assert.Equal(t, "face", events[1].Method)
	assert.Equal(t, "dev-teste-42", events[1].ID)

	// cursor avança pro timestamp do último evento visto
	assert.Equal(t, "2026-08-31T14:30:00Z", cursor)
}

func TestGetDriverUnknownVendor(t *testing.T) {
	profile := core.DeviceProfile{Vendor: core.VendorZKTeco}
	_, err := GetDriver(profile, digest.New(time.Second, false))
	assert.ErrorIs(t, err, ErrDriverNotFound)
}
