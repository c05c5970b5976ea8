// internal/source/driver.go
package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// Handle é uma conexão aberta com o stream de uma câmera.
type Handle interface {
	// Read bloqueia até o próximo frame, erro do stream ou ctx cancelado.
	Read(ctx context.Context) (core.Frame, error)
	// Close libera o stream (mata o processo, fecha sockets). Idempotente.
	Close() error
}

// Driver abre conexões para um tipo de URI (rtsp, http, ...).
// O ctx de Open governa a vida do handle: cancelado, o handle morre junto.
type Driver interface {
	Open(ctx context.Context, uri string) (Handle, error)
}

// Options são repassadas para as factories dos drivers.
type Options struct {
	// Timeout de conexão/leitura usado pelos drivers que fazem request (http)
	Timeout time.Duration
	// Intervalo entre snapshots para fontes http(s)
	PollInterval time.Duration
	Logger       *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

type DriverFactory func(opts Options) Driver

// registry: scheme -> factory
var registry = map[string]DriverFactory{}

// RegisterDriver é chamado no init() de cada driver.
func RegisterDriver(scheme string, f DriverFactory) {
	registry[strings.ToLower(scheme)] = f
}

// DriverFor devolve o driver adequado para a URI.
func DriverFor(uri string, opts Options) (Driver, error) {
	u, err := ValidateURI(uri)
	if err != nil {
		return nil, err
	}
	return registry[u.Scheme](opts), nil
}

// ValidateURI é a checagem de configuração: URI malformada ou scheme sem driver
// é erro fatal para aquela câmera, reportado uma vez.
func ValidateURI(uri string) (*url.URL, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty uri", ErrMalformedURI)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrMalformedURI, Redact(uri))
	}
	if _, ok := registry[u.Scheme]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrMalformedURI, Redact(uri))
	}
	return u, nil
}

const unparseable = "<unparseable>"

// Redact remove a senha da URI para poder logar.
// URI que não parseia (ou opaca, ex. "user:pw@host") não sai crua no log.
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Opaque != "" {
		if scheme, _, ok := strings.Cut(uri, "://"); ok && validScheme(scheme) {
			return scheme + "://" + unparseable
		}
		return unparseable
	}
	if u.User == nil {
		return uri
	}
	return u.Redacted()
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
