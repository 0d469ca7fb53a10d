// Command fhirsmithd is the terminology server's HTTP entrypoint: it reads
// its library descriptor, builds a Provider per configured FHIR-version
// endpoint, and serves spec.md §4.8's routes until told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirkyp/fhirsmith/catalog"
	"github.com/sirkyp/fhirsmith/dispatcher"
	"github.com/sirkyp/fhirsmith/fetcher"
	"github.com/sirkyp/fhirsmith/internal/logctx"
	"github.com/sirkyp/fhirsmith/library"
	"github.com/sirkyp/fhirsmith/opcontext"
	"github.com/sirkyp/fhirsmith/ops"
	"github.com/sirkyp/fhirsmith/pkgmanager"
)

// Config is read once from the environment in main, mirroring the
// teacher's cmd/libvulnhttp Config-struct shape without carrying over its
// goconfig dependency — see DESIGN.md's cmd/fhirsmithd entry.
type Config struct {
	DataDir        string
	ListenAddr     string
	LibraryPath    string
	PackageServers []string
	Endpoints      []EndpointSpec
	VSACBaseURL    string
	VSACUsername   string
	VSACAPIKey     string
	VSACStaleness  time.Duration
	LogLevel       slog.Level
}

// EndpointSpec is one "{path}={fhirVersion}[:{corePackage}]" entry from
// FHIRSMITH_ENDPOINTS.
type EndpointSpec struct {
	Path        string
	FHIRVersion string
	CorePackage string // "packageId#version", optional
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func configFromEnv() (Config, error) {
	cfg := Config{
		DataDir:       getenv("FHIRSMITH_DATA_DIR", filepath.Join(os.TempDir(), "fhirsmith")),
		ListenAddr:    getenv("FHIRSMITH_LISTEN_ADDR", "0.0.0.0:8080"),
		LibraryPath:   getenv("FHIRSMITH_LIBRARY_PATH", ""),
		VSACBaseURL:   os.Getenv("FHIRSMITH_VSAC_BASE_URL"),
		VSACUsername:  os.Getenv("FHIRSMITH_VSAC_USERNAME"),
		VSACAPIKey:    os.Getenv("FHIRSMITH_VSAC_API_KEY"),
		VSACStaleness: catalog.DefaultVSACInterval * 2,
	}

	if servers := os.Getenv("FHIRSMITH_PACKAGE_SERVERS"); servers != "" {
		cfg.PackageServers = strings.Split(servers, ",")
	} else {
		cfg.PackageServers = []string{"https://packages.simplifier.net", "https://packages.fhir.org"}
	}

	endpoints := getenv("FHIRSMITH_ENDPOINTS", "/r4=4.0.1:hl7.fhir.r4.core#4.0.1")
	for _, tok := range strings.Split(endpoints, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			return cfg, fmt.Errorf("fhirsmithd: malformed endpoint spec %q: missing '='", tok)
		}
		spec := EndpointSpec{Path: tok[:eq]}
		rest := tok[eq+1:]
		if colon := strings.IndexByte(rest, ':'); colon >= 0 {
			spec.FHIRVersion, spec.CorePackage = rest[:colon], rest[colon+1:]
		} else {
			spec.FHIRVersion = rest
		}
		cfg.Endpoints = append(cfg.Endpoints, spec)
	}
	if len(cfg.Endpoints) == 0 {
		return cfg, errors.New("fhirsmithd: no endpoints configured")
	}

	lvl := slog.LevelInfo
	if s := os.Getenv("FHIRSMITH_LOG_LEVEL"); s != "" {
		_ = lvl.UnmarshalText([]byte(s))
	}
	cfg.LogLevel = lvl

	if s := os.Getenv("FHIRSMITH_VSAC_STALENESS"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.VSACStaleness = d
		}
	}

	return cfg, nil
}

func main() {
	bootLog := slog.New(logctx.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := configFromEnv()
	if err != nil {
		bootLog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	log := slog.New(logctx.WrapHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("fhirsmithd: creating data dir: %w", err)
	}
	cacheDir := filepath.Join(cfg.DataDir, "packages")

	library.RegisterBuiltins()

	fetch := fetcher.New()
	pm := pkgmanager.New(cacheDir, cfg.PackageServers, pkgmanager.WithFetcher(fetch), pkgmanager.WithLogger(log))

	lib := library.New(log)
	loader := &library.Loader{Library: lib, Fetch: fetch, PkgMgr: pm, CacheDir: cacheDir}

	if cfg.LibraryPath != "" {
		data, err := os.ReadFile(cfg.LibraryPath)
		if err != nil {
			return fmt.Errorf("fhirsmithd: reading library descriptor: %w", err)
		}
		d, entries, err := library.ParseDescriptor(data)
		if err != nil {
			return fmt.Errorf("fhirsmithd: parsing library descriptor: %w", err)
		}
		if err := loader.Load(ctx, d, entries); err != nil {
			return fmt.Errorf("fhirsmithd: loading library: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	var vsac *catalog.VSACCatalog
	if cfg.VSACBaseURL != "" {
		v, err := catalog.NewVSACCatalog(ctx, filepath.Join(cfg.DataDir, "vsac.valuesets.db"),
			cfg.VSACBaseURL, cfg.VSACUsername, cfg.VSACAPIKey, catalog.WithVSACLogger(log))
		if err != nil {
			return fmt.Errorf("fhirsmithd: opening VSAC catalog: %w", err)
		}
		vsac = v
		lib.AddValueSetProvider(vsac)
		go func() {
			if err := vsac.Start(ctx); err != nil && ctx.Err() == nil {
				log.ErrorContext(ctx, "VSAC catalog stopped", "error", err)
			}
		}()
	}

	baseProvider := library.NewProvider(lib)

	d := dispatcher.New(log, reg)
	endpoints := make([]*dispatcher.Endpoint, 0, len(cfg.Endpoints))
	coreLoaded := make(map[string]bool, len(cfg.Endpoints))

	for _, spec := range cfg.Endpoints {
		provider := baseProvider
		if spec.CorePackage != "" {
			core, err := loadCorePackage(ctx, loader, lib, spec.CorePackage)
			if err != nil {
				log.WarnContext(ctx, "core package load failed; endpoint will serve without it",
					"endpoint", spec.Path, "package", spec.CorePackage, "error", err)
			} else {
				provider = baseProvider.CloneWithFHIRVersion(spec.FHIRVersion, core)
				coreLoaded[spec.FHIRVersion] = true
			}
		}

		e := &dispatcher.Endpoint{
			Path:        spec.Path,
			FHIRVersion: spec.FHIRVersion,
			Provider:    provider,
			Resources:   opcontext.NewResourceCache(opcontext.DefaultResourceTimeout),
			Expansions:  opcontext.NewExpansionCache(opcontext.DefaultExpansionEntries, 64*1024*1024),
		}
		endpoints = append(endpoints, e)

		if err := registerEndpoint(d, e); err != nil {
			return fmt.Errorf("fhirsmithd: registering endpoint %s: %w", spec.Path, err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", d)
	for _, e := range endpoints {
		mux.HandleFunc(e.Path+"/metadata", dispatcher.MetadataHandler(e))
	}
	mux.HandleFunc("/$versions", dispatcher.VersionsHandler(endpoints, coreLoaded))
	hc := &dispatcher.HealthChecker{CacheDir: cacheDir, MaxVSACStaleness: cfg.VSACStaleness}
	if vsac != nil {
		hc.LastVSACRefresh = vsac.LastRefresh
	}
	mux.HandleFunc("/healthz", hc.HealthzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "starting http server", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// loadCorePackage materializes a "packageId#version" core package (e.g.
// hl7.fhir.r4.core#4.0.1) as an npm source entry so it lands in its own
// catalog.Catalog, suitable for Provider.CloneWithFHIRVersion.
func loadCorePackage(ctx context.Context, loader *library.Loader, lib *library.Library, corePackage string) (*catalog.Catalog, error) {
	entry := library.SourceEntry{Type: library.SourceNPM, Details: corePackage}
	before := len(lib.ValueSetProviders())
	if err := loader.Load(ctx, &library.Descriptor{}, []library.SourceEntry{entry}); err != nil {
		return nil, err
	}
	after := lib.ValueSetProviders()
	if len(after) <= before {
		return nil, errors.New("core package registered no value-set catalog")
	}
	cat, ok := after[len(after)-1].(*catalog.Catalog)
	if !ok {
		return nil, errors.New("core package catalog has unexpected type")
	}
	return cat, nil
}

// registerEndpoint wires the thin ops handlers for e's three resource
// families, per spec.md §4.8's routing table.
func registerEndpoint(d *dispatcher.Dispatcher, e *dispatcher.Endpoint) error {
	if err := d.Register(&dispatcher.Endpoint{Path: e.Path + "/CodeSystem", FHIRVersion: e.FHIRVersion, Provider: e.Provider, Resources: e.Resources, Expansions: e.Expansions},
		ops.Registry(ops.ReadCodeSystem, "$lookup", "$subsumes", "$validate-code", "$batch-validate-code")); err != nil {
		return err
	}
	if err := d.Register(&dispatcher.Endpoint{Path: e.Path + "/ValueSet", FHIRVersion: e.FHIRVersion, Provider: e.Provider, Resources: e.Resources, Expansions: e.Expansions},
		ops.Registry(ops.SearchValueSets, "$expand", "$validate-code", "$batch-validate-code", "$related")); err != nil {
		return err
	}
	if err := d.Register(&dispatcher.Endpoint{Path: e.Path + "/ConceptMap", FHIRVersion: e.FHIRVersion, Provider: e.Provider, Resources: e.Resources, Expansions: e.Expansions},
		ops.Registry(ops.SearchConceptMaps, "$translate", "$closure")); err != nil {
		return err
	}
	return nil
}
