package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loveledger/edge/internal/cfg"
	"github.com/loveledger/edge/internal/health"
	"github.com/loveledger/edge/internal/httpserver"
	"github.com/loveledger/edge/internal/limiterhttp"
	"github.com/loveledger/edge/internal/log"
	"github.com/loveledger/edge/internal/metrics"
	"github.com/loveledger/edge/internal/opshttp"
	"github.com/loveledger/edge/internal/otelx"
	"github.com/loveledger/edge/internal/prof"
	"github.com/loveledger/edge/internal/ratelimit"
	"github.com/loveledger/edge/internal/redisx"
	"github.com/loveledger/edge/internal/upstream"
	"github.com/loveledger/edge/internal/version"
)

const (
	appName   = "loveledger-edge"
	envPrefix = "LLEDGER_"

	// teardownTimeout bounds the forced listener shutdown after the
	// drain window has already elapsed.
	teardownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		conf        cfg.Config
		showVersion bool
	)
	flag.BoolVar(&showVersion, "V", false, "print build information and exit")
	cfg.Register(flag.CommandLine, &conf)
	flag.Parse()

	build := version.Get()
	if showVersion {
		printBuild(build)
		os.Exit(0)
	}

	cfg.ApplyEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "config: "+format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(2)
	}

	lg, err := newLogger(conf, build)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(2)
	}
	lg = lg.With("component", "server")
	defer lg.Sync()
	ctx = log.WithContext(ctx, lg)

	lg.Info(ctx, "edge starting",
		"go", build.GoVersion,
		"port", conf.HTTPPort,
		"ops_port", conf.OpsPort,
		"upstream", conf.UpstreamURL,
		"pass_host_header", conf.UpstreamPassHost,
		"proxy_hops", conf.TrustedProxyHops,
		"body_cap", conf.MaxBodyBytes,
		"throttle_rps", conf.GlobalRPS,
		"throttle_burst", conf.GlobalBurst,
		"redis", conf.RedisURL != "",
		"drain", conf.DrainTimeout,
		"pprof", conf.EnablePprof,
		"pyroscope", conf.EnablePyroscope,
		"tracing", conf.EnableTracing,
	)

	pyro := ""
	if conf.EnablePyroscope {
		pyro = conf.PyroServer
	}
	profStop, err := prof.Start(ctx, prof.Options{
		Server: pyro,
		App:    appName,
		Tenant: conf.PyroTenantID,
		Tags: map[string]string{
			"version": build.Version,
			"commit":  build.Commit,
		},
	})
	if err != nil {
		lg.Error(ctx, err, "continuous profiling unavailable", "server", conf.PyroServer)
	}
	defer profStop()

	// The collector rides the same host, so plaintext OTLP is fine.
	collector := ""
	if conf.EnableTracing {
		collector = conf.OTLPEndpoint
	}
	otelStop, err := otelx.Init(ctx, otelx.Options{
		Endpoint:    collector,
		Insecure:    true,
		SampleRatio: conf.TraceSample,
		Service:     appName,
		Version:     build.Version,
	})
	if err != nil {
		lg.Error(ctx, err, "tracing unavailable")
	}
	defer func() { _ = otelStop(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfo(build)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Budgets live in redis when configured so every edge instance
	// charges the same counters. Unreachable redis fails the boot.
	rc, err := redisx.New(ctx, redisx.Options{URL: conf.RedisURL})
	if err != nil {
		lg.Error(ctx, err, "redis connect failed")
		os.Exit(1)
	}

	var store ratelimit.Store
	if rc != nil {
		store = ratelimit.NewRedisStore(rc.Client)
		lg.Info(ctx, "rate limit store: redis")
	} else {
		mem := ratelimit.NewMemoryStore(ctx)
		m.RegisterTrackedKeys(mem.Len)
		store = mem
		lg.Info(ctx, "rate limit store: in-process memory")
	}

	limiter, err := ratelimit.New(ctx,
		ratelimit.WithStore(store),
		ratelimit.WithHooks(ratelimit.Hooks{
			Denied: func(class ratelimit.Class) {
				m.IncRateLimitDenied(string(class))
			},
			// One log line per offender per window; the counter above
			// still sees every denial.
			FirstDenied: func(class ratelimit.Class, key string) {
				m.IncRateLimitWindowExhausted()
				lg.Warn(ctx, "rate limit triggered", "class", string(class), "key", key)
			},
			Unresolvable: m.IncRateLimitUnresolvableClient,
			StoreError: func(err error) {
				m.IncRateLimitStoreError()
				lg.Error(ctx, err, "rate limit store error, admitting request")
			},
		}),
	)
	if err != nil {
		lg.Error(ctx, err, "rate limiter init failed")
		os.Exit(1)
	}

	// Process-wide ceiling ahead of per-client accounting. Zero rps
	// builds a throttle that passes everything through.
	throttle := ratelimit.NewThrottle(conf.GlobalRPS, conf.GlobalBurst, m.IncThrottled)

	proxy, err := upstream.New(upstream.Options{
		Target:         conf.UpstreamURL,
		PassHostHeader: conf.UpstreamPassHost,
		OnError:        m.IncUpstreamError,
		Logger:         lg,
	})
	if err != nil {
		lg.Error(ctx, err, "upstream proxy init failed", "upstream", conf.UpstreamURL)
		os.Exit(1)
	}

	limiterAPI := limiterhttp.NewAPI(limiter, lg)

	// Readiness needs the drain gate open, the upstream answering, and
	// redis reachable when it holds the budgets. Liveness is just the
	// process answering.
	var draining health.Gate
	checks := []health.Probe{
		draining.Probe(),
		health.CheckFunc(proxy.Ping),
	}
	if rc != nil {
		checks = append(checks, health.CheckFunc(rc.Health))
	}
	ready := health.All(checks...)

	edgeStop, err := httpserver.Start(ctx, httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Healthy,
		Readiness:    ready,
		APIRoutes:    limiterAPI.RegisterRoutes,
		Proxy:        proxy,
		Recover:      true,
		OnPanic:      m.IncHTTPPanic,
		Metrics:      m.Middleware,
		Throttle:     throttle.Middleware,
		Limiter:      limiter.Middleware,
		ProxyHops:    conf.TrustedProxyHops,
		VersionInfo:  build,
		MaxBodyBytes: conf.MaxBodyBytes,
		DrainTimeout: conf.DrainTimeout,
		Logger:       lg,
	})
	if err != nil {
		lg.Error(ctx, err, "edge listener failed")
		os.Exit(1)
	}
	defer func() { _ = edgeStop(context.Background()) }()

	// Metrics, probes, and pprof ride a second listener that stays
	// behind the internal security group. opshttp additionally refuses
	// public source addresses and forwarded requests on its own.
	opsStop, err := opshttp.Start(ctx, lg, &opshttp.Options{
		Port:        conf.OpsPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Healthy,
		Readiness:   ready,
	})
	if err != nil {
		lg.Error(ctx, err, "ops listener failed")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	lg.Info(ctx, "edge ready", "build", build.Short(), "upstream", proxy.Target())

	if err := sdNotify(); err != nil {
		lg.Warn(ctx, "systemd notify failed", "error", err)
	}

	<-ctx.Done()

	// The signal context is spent; teardown gets a fresh one.
	root := context.Background()

	// Fail readiness first so the balancer routes around this instance,
	// then sit out the drain window before listeners come down.
	draining.Fail("draining")
	lg.Info(root, "stop requested, draining", "window", conf.DrainTimeout)

	hurry := make(chan os.Signal, 1)
	signal.Notify(hurry, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainTimeout):
		lg.Info(root, "drain window elapsed")
	case <-hurry:
		lg.Warn(root, "second signal, cutting the drain short")
	}
	signal.Stop(hurry)

	stopCtx, cancel := context.WithTimeout(root, teardownTimeout)
	defer cancel()
	if err := edgeStop(stopCtx); err != nil {
		lg.Error(root, err, "edge listener shutdown")
	}
	if err := opsStop(stopCtx); err != nil {
		lg.Error(root, err, "ops listener shutdown")
	}
	if err := otelStop(stopCtx); err != nil {
		lg.Error(root, err, "trace exporter shutdown")
	}
	profStop()

	lg.Info(root, "edge stopped")
}

// printBuild renders the -V output.
func printBuild(b version.Info) {
	dirty := ""
	if b.VCSDirty != nil && *b.VCSDirty {
		dirty = " (dirty)"
	}
	fmt.Printf("%s %s%s\n", appName, b.Version, dirty)
	fmt.Printf("  commit: %s %s\n", b.Commit, b.CommitDate)
	fmt.Printf("  build:  %s %s\n", b.BuildID, b.BuildDate)
	fmt.Printf("  go:     %s\n", b.GoVersion)
}

func newLogger(conf cfg.Config, build version.Info) (log.Logger, error) {
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	stack, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return nil, fmt.Errorf("stacktrace level: %w", err)
	}
	return log.New(log.Options{
		App:               appName,
		Version:           build.Version,
		Commit:            build.Commit,
		BuildID:           build.BuildID,
		Level:             level,
		StacktraceLevel:   stack,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

// sdNotify reports readiness when running under systemd Type=notify.
// Outside systemd there is no socket and nothing to do.
func sdNotify() error {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", sock)
	if err != nil {
		return fmt.Errorf("notify dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("notify write: %w", err)
	}
	return nil
}
