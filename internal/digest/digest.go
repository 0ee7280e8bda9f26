// internal/digest/digest.go
package digest

import (
	"bytes"
	"context"
	"crypto/md5"
	crand "crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/afonsinhobrown/hefelgym-sub000/internal/core"
)

// Credentials do device. A senha nunca aparece em log; só logamos se
// existe ou não.
type Credentials struct {
	Username string
	Password string
}

// Response é a resposta HTTP já consumida (body lido e fechado).
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Challenge é o WWW-Authenticate parseado de um 401. Vive só durante a
// chamada: consumimos pra montar UM Authorization e descartamos.
type Challenge struct {
	Realm     string
	Nonce     string
	Qop       string
	Opaque    string
	Algorithm string
}

// Client implementa o handshake Digest (RFC 2617): uma tentativa sem
// Authorization, parse do challenge, UMA retentativa autenticada. Nunca
// entra em loop: o segundo 401 é falha terminal.
type Client struct {
	httpClient *http.Client

	// cnonceFn é trocável nos testes pra ter resposta determinística.
	cnonceFn func() string
}

// New cria o client com timeout por chamada. insecureTLS segue o padrão
// da rede interna: certificado self-signed dos controladores.
func New(timeout time.Duration, insecureTLS bool) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if insecureTLS {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec - rede interna, cert do device
			},
		}
	}

	return &Client{
		httpClient: httpClient,
		cnonceFn:   func() string { return randomHex(8) },
	}
}

// SetCnonceFn injeta o gerador de cnonce (usado nos testes).
func (c *Client) SetCnonceFn(fn func() string) { c.cnonceFn = fn }

// Execute faz a chamada com handshake digest:
//
//  1. manda sem Authorization;
//  2. se não vier 401, devolve como está;
//  3. se vier 401, parseia o challenge, calcula a resposta e re-envia
//     exatamente UMA vez;
//  4. devolve a segunda resposta; 401 de novo = AuthenticationRejected.
func (c *Client) Execute(ctx context.Context, method, rawURL string, body []byte, creds Credentials, contentType string) (*Response, error) {
	resp, err := c.do(ctx, method, rawURL, body, contentType, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceUnreachable, err)
	}
	if resp.Status != http.StatusUnauthorized {
		return resp, nil
	}

	authHeader := resp.Header.Get("WWW-Authenticate")
	ch, err := ParseChallenge(authHeader)
	if err != nil {
		// header cru vai pro log (não tem credencial nossa nele)
		log.Printf("[digest] challenge inválido de %s: %q", hostOf(rawURL), authHeader)
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: url inválida: %v", core.ErrDeviceUnreachable, err)
	}

	authValue := c.Authorization(method, u.RequestURI(), creds, ch)

	resp2, err := c.do(ctx, method, rawURL, body, contentType, authValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceUnreachable, err)
	}
	if resp2.Status == http.StatusUnauthorized {
		log.Printf("[digest] %s rejeitou credenciais de %q (senha configurada: %v)",
			hostOf(rawURL), creds.Username, creds.Password != "")
		return resp2, core.ErrAuthRejected
	}
	return resp2, nil
}

// Authorization calcula o header Authorization pra um challenge.
// Exportado porque o door-probe usa pra debug.
func (c *Client) Authorization(method, uri string, creds Credentials, ch *Challenge) string {
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", creds.Username, ch.Realm, creds.Password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))

	var b strings.Builder
	if ch.Qop != "" {
		nc := "00000001"
		cnonce := c.cnonceFn()
		response := md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s",
			ha1, ch.Nonce, nc, cnonce, ch.Qop, ha2))

		fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=%s, qop=%s, nc=%s, cnonce=%q`,
			creds.Username, ch.Realm, ch.Nonce, uri, response, ch.Algorithm, ch.Qop, nc, cnonce)
	} else {
		response := md5Hex(fmt.Sprintf("%s:%s:%s", ha1, ch.Nonce, ha2))
		fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=%s`,
			creds.Username, ch.Realm, ch.Nonce, uri, response, ch.Algorithm)
	}
	if ch.Opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, ch.Opaque)
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, contentType, authorization string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

// ParseChallenge parseia o WWW-Authenticate como pares key=value
// (valores podem vir com ou sem aspas). realm e nonce são obrigatórios;
// algorithm default MD5; qop "auth,auth-int" vira "auth".
func ParseChallenge(h string) (*Challenge, error) {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(h)), "digest ") {
		return nil, fmt.Errorf("%w: WWW-Authenticate não é Digest: %q", core.ErrMalformedChallenge, h)
	}
	rest := strings.TrimSpace(h)[len("Digest "):]

	ch := &Challenge{Algorithm: "MD5"}
	for _, part := range splitChallenge(rest) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = unquote(strings.TrimSpace(v))
		switch k {
		case "realm":
			ch.Realm = v
		case "nonce":
			ch.Nonce = v
		case "qop":
			// se o device oferece mais de um, ficamos com o primeiro
			ch.Qop = strings.TrimSpace(strings.Split(v, ",")[0])
		case "opaque":
			ch.Opaque = v
		case "algorithm":
			ch.Algorithm = v
		}
	}

	if ch.Realm == "" || ch.Nonce == "" {
		return nil, fmt.Errorf("%w: realm/nonce ausentes", core.ErrMalformedChallenge)
	}
	return ch, nil
}

// splitChallenge separa por vírgula respeitando aspas.
func splitChallenge(s string) []string {
	var (
		out    []string
		start  int
		quoted bool
	)
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// unquote tira UM par de aspas da volta, se existir.
func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		// fallback fraco, mas suficiente aqui
		for i := range b {
			b[i] = byte(rand.Intn(256))
		}
	}
	return hex.EncodeToString(b)
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	return rawURL
}

// IsTerminalAuth diz se o erro é de autenticação (não adianta retry).
func IsTerminalAuth(err error) bool {
	return errors.Is(err, core.ErrAuthRejected) || errors.Is(err, core.ErrMalformedChallenge)
}
