// cmd/door-probe/main.go
//
// Ferramenta de operador: testa digest auth + identidade contra um
// controlador, ou varre uma subnet atrás de candidatos.
//
//	door-probe -addr 192.168.0.50 -user admin -pass secret -vendor ISAPI
//	door-probe -scan 192.168.0.0/24
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/discovery"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/digest"
	"github.com/afonsinhobrown/hefelgym-sub000/internal/drivers"
)

func main() {
	var (
		addr    = flag.String("addr", "", "endereço do controlador")
		port    = flag.Int("port", 80, "porta do controlador")
		user    = flag.String("user", "admin", "usuário")
		pass    = flag.String("pass", "", "senha")
		vendor  = flag.String("vendor", "ISAPI", "vendor type (ISAPI, ControlID)")
		useTLS  = flag.Bool("tls", false, "usar https (cert self-signed aceito)")
		scan    = flag.String("scan", "", "subnet CIDR pra varrer (ex.: 192.168.0.0/24)")
		timeout = flag.Duration("timeout", 5*time.Second, "timeout por chamada/host")
		events  = flag.Bool("events", false, "também puxa os eventos de acesso")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *scan != "" {
		runScan(ctx, *scan, *port, *timeout)
		return
	}

	if *addr == "" {
		log.Fatal("use -addr pra testar um device ou -scan pra varrer uma subnet")
	}

	profile := core.DeviceProfile{
		ID:       "probe",
		Name:     "probe",
		Address:  *addr,
		Port:     *port,
		Username: *user,
		Password: *pass,
		Vendor:   core.NormalizeVendor(*vendor),
		UseTLS:   *useTLS,
		Enabled:  true,
	}

	dc := digest.New(*timeout, profile.UseTLS)
	drv, err := drivers.GetDriver(profile, dc)
	if err != nil {
		log.Fatalf("erro ao obter driver: %v", err)
	}

	identity, err := drv.DeviceInfo(ctx)
	if err != nil {
		log.Fatalf("testConnection falhou: %v", err)
	}
	log.Printf("device OK: model=%s serial=%s firmware=%s",
		identity.Model, identity.Serial, identity.Firmware)

	users, err := drv.ListUsers(ctx)
	if err != nil {
		log.Printf("listUsers falhou: %v", err)
	} else {
		log.Printf("%d usuários cadastrados no device", len(users))
		for _, u := range users {
			log.Printf("  id=%s name=%q blocked=%v", u.ID, u.Name, u.Blocked)
		}
	}

	if *events {
		evts, cursor, err := drv.PullEvents(ctx, "")
		if err != nil {
			log.Fatalf("pullEvents falhou: %v", err)
		}
		log.Printf("%d eventos (próximo cursor: %s)", len(evts), cursor)
		for _, e := range evts {
			log.Printf("  [%s] %s %s person=%s (%s) method=%s",
				e.Timestamp.Format(time.RFC3339), e.DeviceID, e.Type, e.PersonID, e.PersonName, e.Method)
		}
	}
}

func runScan(ctx context.Context, cidr string, port int, timeout time.Duration) {
	scanner := discovery.New(port, timeout, 32)
	candidates, err := scanner.Scan(ctx, cidr)
	if err != nil {
		log.Fatalf("scan falhou: %v", err)
	}
	if len(candidates) == 0 {
		log.Printf("nenhum host alcançável em %s", cidr)
		return
	}
	for _, c := range candidates {
		log.Printf("candidato: %s:%d (rtt=%s)", c.Address, c.Port, c.RTT)
	}
}
