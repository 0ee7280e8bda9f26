// cmd/door-bus/main.go
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/discovery"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/gateway"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/mqttclient"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/presence"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/registry"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/service"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/storage"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/supervisor"
)

func main() {
	// Carrega .env na raiz (se não existir, só loga aviso)
	if err := godotenv.Load(); err != nil {
		log.Printf("[main] aviso: não foi possível carregar .env: %v", err)
	} else {
		log.Printf("[main] .env carregado com sucesso")
	}

	baseTopic := getenv("DOORBUS_BASE_TOPIC", "hefelgym/access")
	deviceTimeout := getenvSeconds("DOORBUS_DEVICE_TIMEOUT_SECONDS", 5*time.Second)

	// MinIO (opcional; se falhar, seguimos sem arquivar snapshot)
	var snaps storage.SnapshotStore
	if store, err := storage.NewMinioStoreFromEnv(); err != nil {
		log.Printf("[main] aviso: MinIO não inicializado: %v", err)
	} else {
		snaps = store
	}

	mqttCli, err := mqttclient.NewClientFromEnv("door-bus", baseTopic+"/gateway/status")
	if err != nil {
		log.Fatalf("erro ao conectar no MQTT: %v", err)
	}
	defer mqttCli.Close()

	reg := registry.New()
	seedDevices(reg)

	gw := gateway.New(reg, deviceTimeout, snaps)
	scanner := discovery.New(
		getenvInt("DOORBUS_SCAN_PORT", 80),
		getenvSeconds("DOORBUS_SCAN_TIMEOUT_SECONDS", 2*time.Second),
		getenvInt("DOORBUS_SCAN_WORKERS", 32),
	)
	eventLog := presence.NewLog()
	svc := service.New(reg, gw, scanner, eventLog)
	sup := supervisor.New(mqttCli, svc, reg, baseTopic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := sup.Run(ctx); err != nil {
			log.Printf("[main] supervisor terminou com erro: %v", err)
		}
	}()

	<-sig
	log.Println("[main] sinal recebido, encerrando...")
	cancel()
	time.Sleep(1 * time.Second)
}

// seedDevices carrega perfis iniciais do JSON apontado por
// DOORBUS_DEVICES_FILE (os demais chegam pelos tópicos de config).
func seedDevices(reg *registry.Registry) {
	path := os.Getenv("DOORBUS_DEVICES_FILE")
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[main] aviso: não foi possível ler %s: %v", path, err)
		return
	}

	var profiles []core.DeviceProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		log.Printf("[main] aviso: JSON inválido em %s: %v", path, err)
		return
	}

	for _, p := range profiles {
		if _, err := reg.Add(p); err != nil {
			log.Printf("[main] aviso: seed do device %s falhou: %v", p.Name, err)
		}
	}
	log.Printf("[main] %d devices carregados de %s", reg.Len(), path)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			return x
		}
	}
	return def
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	if v := getenvInt(key, 0); v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}
