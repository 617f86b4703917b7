package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/loveledger/edge/internal/log"
)

type Config struct {
	// Listener and upstream.
	HTTPPort         int
	OpsPort          int
	UpstreamURL      string
	UpstreamPassHost bool
	DrainTimeout     time.Duration

	// Admission control.
	TrustedProxyHops int
	MaxBodyBytes     int64
	GlobalRPS        float64
	GlobalBurst      int
	RedisURL         string

	// Logging.
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// Profiling and tracing.
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Register binds every config field to fs with its default inline.
func Register(fs *flag.FlagSet, c *Config) {
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen port (1..65535)")
	fs.IntVar(&c.OpsPort, "ops-port", 9000, "ops listen port for metrics/pprof (1..65535)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "base URL of the application backend this edge fronts (required)")
	fs.BoolVar(&c.UpstreamPassHost, "upstream-pass-host", false, "forward the client Host header upstream instead of the target host")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", 10*time.Second, "how long shutdown waits for in-flight requests")

	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 1, "trusted proxies in front of this edge; 0 ignores X-Forwarded-For")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 32<<20, "request body cap in bytes")
	fs.Float64Var(&c.GlobalRPS, "global-rps", 500, "instance-wide request ceiling per second; 0 turns the throttle off")
	fs.IntVar(&c.GlobalBurst, "global-burst", 1000, "burst allowance above global-rps")
	fs.StringVar(&c.RedisURL, "redis-url", "", "redis URL for shared rate limit counters; empty keeps counters in-process")

	fs.BoolVar(&c.LogJSON, "log-json", true, "emit JSON logs; false switches to logfmt")
	fs.StringVar(&c.LogLevel, "log-level", "info", "minimum level: debug, info, warn, or error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "level that attaches stack captures to log records")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "attach error cause links to log records")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "error chain depth in log records (1..64)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the ops port")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to otlp-endpoint")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "gRPC OTLP collector (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "fraction of requests traced (0..1)")
}

// envName maps flag "redis-url" under prefix "LLEDGER_" to "LLEDGER_REDIS_URL".
func envName(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// ApplyEnv applies PREFIX_FOO_BAR environment values to every flag the
// command line left untouched. Precedence: cli flag > env var > default.
func ApplyEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	fromCLI := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { fromCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		name := envName(prefix, f.Name)
		val, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if fromCLI[f.Name] {
			if logf != nil {
				logf("flag -%s: cli %q wins over env %s=%q", f.Name, f.Value.String(), name, val)
			}
			return
		}
		old := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			// a bad env value keeps the default rather than killing boot
			_ = fs.Set(f.Name, old)
			if logf != nil {
				logf("flag -%s: unusable env %s=%q: %v", f.Name, name, val, err)
			}
		}
	})
}

// urlWithScheme reports whether s parses as a URL with a host and one
// of the given schemes; no schemes accepts any scheme.
func urlWithScheme(s string, schemes ...string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || u.Scheme == "" {
		return false
	}
	return len(schemes) == 0 || slices.Contains(schemes, u.Scheme)
}

// Validate checks ranges and formats across the whole Config, reporting
// every violation at once so operators fix a bad deploy in one pass.
func Validate(c Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		fail("HTTP_PORT %d outside 1..65535", c.HTTPPort)
	}
	if c.OpsPort < 1 || c.OpsPort > 65535 {
		fail("OPS_PORT %d outside 1..65535", c.OpsPort)
	}
	if c.OpsPort == c.HTTPPort {
		fail("HTTP_PORT and OPS_PORT are both %d; they must differ", c.HTTPPort)
	}

	// The edge is useless without a target, so a missing upstream fails
	// the boot rather than starting a proxy to nowhere.
	if c.UpstreamURL == "" {
		fail("UPSTREAM_URL is required")
	} else if !urlWithScheme(c.UpstreamURL, "http", "https") {
		fail("UPSTREAM_URL %q is not an http(s) URL", c.UpstreamURL)
	}
	if c.DrainTimeout < time.Second || c.DrainTimeout > 5*time.Minute {
		fail("DRAIN_TIMEOUT %s outside 1s..5m", c.DrainTimeout)
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 10 {
		fail("TRUSTED_PROXY_HOPS %d outside 0..10", c.TrustedProxyHops)
	}
	if c.MaxBodyBytes < 1024 {
		fail("MAX_BODY_BYTES %d below the 1024 floor", c.MaxBodyBytes)
	}
	// Zero disables the throttle; negative is always a typo.
	if c.GlobalRPS < 0 {
		fail("GLOBAL_RPS %.3f is negative", c.GlobalRPS)
	}
	if c.GlobalRPS > 0 && c.GlobalBurst < 1 {
		fail("GLOBAL_BURST %d must be >= 1 when GLOBAL_RPS is set", c.GlobalBurst)
	}
	if c.RedisURL != "" && !urlWithScheme(c.RedisURL, "redis", "rediss") {
		fail("REDIS_URL %q is not a redis:// or rediss:// URL", c.RedisURL)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		fail("bad LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
		fail("bad STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
	}
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			fail("MAX_ERROR_LINKS %d outside 1..64", c.MaxErrorLinks)
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		fail("TRACE_SAMPLE %.3f outside 0..1", c.TraceSample)
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			fail("ENABLE_PYROSCOPE needs PYRO_SERVER")
		} else if !urlWithScheme(c.PyroServer) {
			fail("PYRO_SERVER %q is not a URL", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			fail("ENABLE_PYROSCOPE needs PYRO_TENANT")
		}
	}
	// The gRPC exporter wants bare host:port, no scheme.
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			fail("ENABLE_TRACING needs OTLP_ENDPOINT")
		} else if _, _, splitErr := net.SplitHostPort(c.OTLPEndpoint); splitErr != nil {
			fail("OTLP_ENDPOINT %q is not host:port: %v", c.OTLPEndpoint, splitErr)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
