// internal/supervisor/supervisor.go
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/mqttclient"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/registry"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/service"
)

// ConnectionState é o estado de conectividade com um controlador,
// publicado pro consumo externo (dashboard).
type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateOnline     ConnectionState = "online"
	ConnectionStateOffline    ConnectionState = "offline"
)

// Supervisor mantém um worker de sync por device registrado: puxa
// eventos no intervalo configurado, publica no MQTT e acompanha o
// estado de conexão. Config de device chega/sai por tópico MQTT
// (tombstone = payload vazio), igual dava pra fazer à mão no registry.
type Supervisor struct {
	mqtt *mqttclient.Client
	svc  *service.Service
	reg  *registry.Registry

	baseTopic      string
	syncInterval   time.Duration
	statusInterval time.Duration

	mu      sync.Mutex
	workers map[string]*deviceWorker
	proc    *process.Process // processo do door-bus, pras métricas de status
}

type deviceWorker struct {
	profile       core.DeviceProfile
	cancel        context.CancelFunc
	lastEventAt   time.Time
	status        ConnectionState
	statusSince   time.Time
	statusReason  string
	everConnected bool
}

type workerSnapshot struct {
	Profile       core.DeviceProfile
	LastEventAt   time.Time
	Status        ConnectionState
	StatusSince   time.Time
	StatusReason  string
	EverConnected bool
}

func New(mqtt *mqttclient.Client, svc *service.Service, reg *registry.Registry, baseTopic string) *Supervisor {
	baseTopic = strings.TrimSuffix(baseTopic, "/")

	var procHandle *process.Process
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		procHandle = p
	}

	return &Supervisor{
		mqtt:           mqtt,
		svc:            svc,
		reg:            reg,
		baseTopic:      baseTopic,
		syncInterval:   envDurationSeconds("DOORBUS_SYNC_INTERVAL_SECONDS", 15*time.Second),
		statusInterval: envDurationSeconds("DOORBUS_STATUS_INTERVAL_SECONDS", 30*time.Second),
		workers:        make(map[string]*deviceWorker),
		proc:           procHandle,
	}
}

// Run assina os tópicos de config/comando, sobe workers pros devices já
// registrados e segura até o ctx cancelar.
func (s *Supervisor) Run(ctx context.Context) error {
	configTopic := fmt.Sprintf("%s/+/config", s.baseTopic)
	doorTopic := fmt.Sprintf("%s/+/door/open", s.baseTopic)

	log.Printf("[supervisor] subscribing to config topic: %s", configTopic)
	if err := s.mqtt.Subscribe(configTopic, 1, s.handleConfigMessage); err != nil {
		return fmt.Errorf("subscribe config: %w", err)
	}
	log.Printf("[supervisor] subscribing to door topic: %s", doorTopic)
	if err := s.mqtt.Subscribe(doorTopic, 1, func(topic string, payload []byte) {
		s.handleDoorMessage(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("subscribe door: %w", err)
	}

	// devices que vieram do seed (arquivo/env) já entram rodando
	for _, p := range s.reg.List() {
		s.startOrUpdateWorker(p)
	}

	if s.statusInterval > 0 {
		go s.runStatusLoop(ctx)
	}

	<-ctx.Done()
	log.Printf("[supervisor] context canceled, stopping all workers")
	s.stopAll()
	return nil
}

// ---------- tópicos ----------

func (s *Supervisor) eventTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/events", s.baseTopic, deviceID)
}

func (s *Supervisor) statusTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", s.baseTopic, deviceID)
}

func (s *Supervisor) doorResultTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/door/result", s.baseTopic, deviceID)
}

func (s *Supervisor) presenceTopic() string {
	return s.baseTopic + "/presence"
}

func (s *Supervisor) gatewayStatusTopic() string {
	return s.baseTopic + "/gateway/status"
}

// deviceIDFromTopic extrai o id de "{base}/{deviceId}/..." — o id não
// pode ter "/".
func (s *Supervisor) deviceIDFromTopic(topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, s.baseTopic+"/")
	if rest == topic {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" || id == "+" {
		return "", false
	}
	return id, true
}

// ---------- config via MQTT ----------

// handleConfigMessage registra/atualiza/remove um device a partir do
// tópico {base}/{deviceId}/config. Payload vazio ou "null" é tombstone.
func (s *Supervisor) handleConfigMessage(topic string, payload []byte) {
	deviceID, ok := s.deviceIDFromTopic(topic)
	if !ok {
		log.Printf("[supervisor] invalid config topic: %s", topic)
		return
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		log.Printf("[supervisor] device %s removed via tombstone", deviceID)
		s.stopWorker(deviceID)
		if err := s.reg.Remove(deviceID); err != nil && !errors.Is(err, core.ErrNotFound) {
			log.Printf("[supervisor] erro removendo device %s: %v", deviceID, err)
		}
		return
	}

	var profile core.DeviceProfile
	if err := json.Unmarshal(payload, &profile); err != nil {
		log.Printf("[supervisor] invalid JSON on %s: %v", topic, err)
		return
	}
	profile.ID = deviceID

	if !profile.Enabled {
		log.Printf("[supervisor] device %s disabled via config topic, stopping worker", deviceID)
		s.stopWorker(deviceID)
		if _, err := s.reg.Update(profile); err != nil && errors.Is(err, core.ErrNotFound) {
			if _, err := s.reg.Add(profile); err != nil {
				log.Printf("[supervisor] erro registrando device %s: %v", deviceID, err)
			}
		}
		return
	}

	if _, err := s.reg.Update(profile); err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			log.Printf("[supervisor] erro atualizando device %s: %v", deviceID, err)
			return
		}
		if _, err := s.reg.Add(profile); err != nil {
			log.Printf("[supervisor] erro registrando device %s: %v", deviceID, err)
			return
		}
	}

	s.startOrUpdateWorker(profile)
}

// handleDoorMessage abre a porta por comando remoto e publica o
// resultado. O comando NÃO é re-tentado em timeout (acionamento físico).
func (s *Supervisor) handleDoorMessage(ctx context.Context, topic string, _ []byte) {
	deviceID, ok := s.deviceIDFromTopic(topic)
	if !ok {
		log.Printf("[supervisor] invalid door topic: %s", topic)
		return
	}

	err := s.svc.OpenDoor(ctx, deviceID)
	result := map[string]interface{}{
		"device_id": deviceID,
		"ok":        err == nil,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		result["error"] = errKind(err)
		log.Printf("[supervisor] openDoor %s falhou: %v", deviceID, err)
	}
	if pubErr := s.mqtt.PublishJSON(s.doorResultTopic(deviceID), 1, false, result); pubErr != nil {
		log.Printf("[supervisor] erro publicando resultado de porta %s: %v", deviceID, pubErr)
	}
}

// errKind traduz o erro pro vocabulário do boundary (§ errors do core).
func errKind(err error) string {
	switch {
	case errors.Is(err, core.ErrAuthRejected):
		return "AuthenticationRejected"
	case errors.Is(err, core.ErrMalformedChallenge):
		return "MalformedChallenge"
	case errors.Is(err, core.ErrDeviceUnreachable):
		return "DeviceUnreachable"
	case errors.Is(err, core.ErrDuplicateDevice):
		return "DuplicateDevice"
	case errors.Is(err, core.ErrNotFound):
		return "NotFound"
	}
	return "DeviceUnreachable"
}

// ---------- workers ----------

// profileEqual decide se a config mudou o bastante pra reiniciar o
// worker do device.
func profileEqual(a, b core.DeviceProfile) bool {
	return a == b
}

func (s *Supervisor) startOrUpdateWorker(profile core.DeviceProfile) {
	s.mu.Lock()

	if w, ok := s.workers[profile.ID]; ok {
		if profileEqual(w.profile, profile) {
			s.mu.Unlock()
			log.Printf("[supervisor] device %s already running with same config, ignoring update", profile.ID)
			return
		}
		log.Printf("[supervisor] device %s config changed, restarting worker", profile.ID)
		w.cancel()
		delete(s.workers, profile.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	worker := &deviceWorker{
		profile:      profile,
		cancel:       cancel,
		status:       ConnectionStateConnecting,
		statusSince:  time.Now().UTC(),
		statusReason: "aguardando primeiro sync",
	}
	s.workers[profile.ID] = worker
	s.mu.Unlock()

	log.Printf("[supervisor] starting sync worker %s (%s, vendor=%s)",
		profile.ID, profile.HostPort(), profile.Vendor)

	go s.runWorker(ctx, profile.ID)
}

// runWorker puxa eventos do device no intervalo configurado. Um device
// fora do ar não atrapalha os outros: cada worker é isolado e só o
// status dele fica offline.
func (s *Supervisor) runWorker(ctx context.Context, deviceID string) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	// primeiro sync sem esperar o ticker
	s.syncOnce(ctx, deviceID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx, deviceID)
		}
	}
}

func (s *Supervisor) syncOnce(ctx context.Context, deviceID string) {
	res, err := s.svc.SyncEvents(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.setWorkerStatus(deviceID, ConnectionStateOffline, errKind(err))
		log.Printf("[worker %s] sync error: %v", deviceID, err)
		return
	}

	s.touchWorker(deviceID, res.Imported > 0)

	for _, evt := range res.Events {
		if err := s.mqtt.PublishJSON(s.eventTopic(deviceID), 1, false, evt); err != nil {
			log.Printf("[worker %s] error publishing event %s: %v", deviceID, evt.ID, err)
		}
	}

	if res.Imported > 0 {
		log.Printf("[worker %s] %d eventos novos publicados", deviceID, res.Imported)
		s.publishPresence()
	}
}

// publishPresence manda o resumo de ocupação (retained) pro dashboard.
func (s *Supervisor) publishPresence() {
	view := s.svc.GetPresence()
	if err := s.mqtt.PublishJSON(s.presenceTopic(), 1, true, view); err != nil {
		log.Printf("[supervisor] erro publicando presença: %v", err)
	}
}

func (s *Supervisor) touchWorker(deviceID string, sawEvents bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[deviceID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	if sawEvents {
		w.lastEventAt = now
	}
	if w.status != ConnectionStateOnline {
		w.status = ConnectionStateOnline
		w.statusSince = now
		w.statusReason = ""
	}
	w.everConnected = true
}

func (s *Supervisor) setWorkerStatus(deviceID string, state ConnectionState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[deviceID]
	if !ok {
		return
	}
	if w.status == state && w.statusReason == reason {
		return
	}
	w.status = state
	w.statusReason = reason
	w.statusSince = time.Now().UTC()
}

func (s *Supervisor) stopWorker(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[deviceID]
	if !ok {
		return
	}
	log.Printf("[supervisor] stopping sync worker %s", deviceID)
	w.cancel()
	delete(s.workers, deviceID)
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.stopWorker(id)
	}
}

func (s *Supervisor) snapshotWorkers() []workerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]workerSnapshot, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, workerSnapshot{
			Profile:       w.profile,
			LastEventAt:   w.lastEventAt,
			Status:        w.status,
			StatusSince:   w.statusSince,
			StatusReason:  w.statusReason,
			EverConnected: w.everConnected,
		})
	}
	return out
}

// ---------- status loop ----------

func (s *Supervisor) runStatusLoop(ctx context.Context) {
	hostname, _ := os.Hostname()
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	log.Printf("[supervisor] status loop iniciado (intervalo=%s)", s.statusInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] status loop encerrado (context canceled)")
			return
		case t := <-ticker.C:
			s.publishStatuses(hostname, t)
		}
	}
}

func (s *Supervisor) publishStatuses(hostname string, now time.Time) {
	for _, snap := range s.snapshotWorkers() {
		if err := s.publishDeviceStatus(snap, now); err != nil {
			log.Printf("[status] erro ao publicar status do device %s: %v", snap.Profile.ID, err)
		}
	}

	// métricas do processo door-bus junto com o status do gateway
	var (
		cpuPercent  float64
		memPercent  float64
		memRSSBytes uint64
	)
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			cpuPercent = cpu
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			memRSSBytes = memInfo.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			memPercent = float64(memP)
		}
	}

	payload := map[string]interface{}{
		"gateway":          "door-bus",
		"status":           "online",
		"timestamp":        now.UTC().Format(time.RFC3339),
		"hostname":         hostname,
		"devices":          s.reg.Len(),
		"occupancy":        s.svc.Engine().OccupancyCount(),
		"cpu_percent":      cpuPercent,
		"memory_percent":   memPercent,
		"memory_rss_bytes": memRSSBytes,
	}
	if err := s.mqtt.PublishJSON(s.gatewayStatusTopic(), 1, true, payload); err != nil {
		log.Printf("[status] erro ao publicar status do gateway: %v", err)
	}
}

func (s *Supervisor) publishDeviceStatus(snap workerSnapshot, now time.Time) error {
	payload := map[string]interface{}{
		"device_id":   snap.Profile.ID,
		"name":        snap.Profile.Name,
		"vendor_type": snap.Profile.Vendor,
		"status":      string(snap.Status),
		"timestamp":   now.UTC().Format(time.RFC3339),
	}
	if !snap.LastEventAt.IsZero() {
		payload["last_event_at"] = snap.LastEventAt.UTC().Format(time.RFC3339)
	}
	if !snap.StatusSince.IsZero() {
		payload["status_since"] = snap.StatusSince.UTC().Format(time.RFC3339)
	}
	if snap.StatusReason != "" {
		payload["status_reason"] = snap.StatusReason
	}
	if snap.EverConnected {
		payload["ever_connected"] = true
	}

	// retain=true: o dashboard vê o último estado mesmo reconectando
	return s.mqtt.PublishJSON(s.statusTopic(snap.Profile.ID), 1, true, payload)
}

func envDurationSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		log.Printf("[supervisor] valor inválido em %s=%q, usando default %s", key, v, def)
		return def
	}
	return time.Duration(sec) * time.Second
}
