// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"
)

// Candidate é um host que respondeu na porta sondada. Só reportamos
// alcançabilidade — nunca autenticamos aqui; registrar o device é
// decisão do operador.
type Candidate struct {
	Address   string        `json:"address"`
	Port      int           `json:"port"`
	Reachable bool          `json:"reachable"`
	RTT       time.Duration `json:"rtt"`
}

// Scanner sonda uma subnet atrás de controladores. Enumeração finita e
// reiniciável (não é stream): cada Scan percorre o range inteiro e
// devolve a lista.
type Scanner struct {
	port        int           // porta well-known dos controladores (default 80)
	timeout     time.Duration // timeout por host
	concurrency int           // tamanho fixo do worker pool
}

func New(port int, timeout time.Duration, concurrency int) *Scanner {
	if port <= 0 {
		port = 80
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if concurrency <= 0 {
		// limitado pra não estourar a rede local nem o budget de fds
		concurrency = 32
	}
	return &Scanner{port: port, timeout: timeout, concurrency: concurrency}
}

// Scan percorre o range de hosts da subnet (CIDR, ex. "192.168.0.0/24")
// com um pool fixo de workers. Subnet morta devolve slice vazio, sem
// erro — dentro do budget de timeout configurado.
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]Candidate, error) {
	hosts, err := hostsInCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("subnet inválida %q: %w", cidr, err)
	}

	log.Printf("[scan] varrendo %s (%d hosts, porta %d, %d workers)",
		cidr, len(hosts), s.port, s.concurrency)

	workCh := make(chan string)
	resultCh := make(chan Candidate, len(hosts))

	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)
		for _, h := range hosts {
			select {
			case <-ctx.Done():
				return
			case workCh <- h:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var out []Candidate
	for c := range resultCh {
		if c.Reachable {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	log.Printf("[scan] %s: %d hosts alcançáveis", cidr, len(out))
	return out, nil
}

func (s *Scanner) worker(ctx context.Context, workCh <-chan string, resultCh chan<- Candidate) {
	for host := range workCh {
		reachable, rtt := s.probe(ctx, host)
		select {
		case <-ctx.Done():
			return
		case resultCh <- Candidate{Address: host, Port: s.port, Reachable: reachable, RTT: rtt}:
		}
	}
}

// probe tenta UM connect TCP com timeout curto, respeitando o ctx pai.
func (s *Scanner) probe(ctx context.Context, host string) (bool, time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(probeCtx, "tcp", fmt.Sprintf("%s:%d", host, s.port))
	if err != nil {
		return false, time.Since(start)
	}
	_ = conn.Close()
	return true, time.Since(start)
}

// hostsInCIDR enumera os endereços de host da subnet, pulando network e
// broadcast quando a máscara permite.
func hostsInCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); cur = nextIP(cur) {
		hosts = append(hosts, cur.String())
	}

	// /31 e /32 não têm network/broadcast pra pular
	if len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}
