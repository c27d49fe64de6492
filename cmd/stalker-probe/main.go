// Command stalker-probe: diagnostic client for Stalker middleware portals.
//
//	test     Full connection test for one MAC: preflight, endpoint resolve, handshake, authenticate, then best-effort catalog pulls
//	probe    Try each candidate API path on the portal, report per-path status and which one the resolver selects
//	batch    Test many MACs sequentially under the rate-limit policy, persist results to the local store
//	catalog  Authenticated catalog pulls (profile, genres, channels, epg, vod) for one MAC
//	history  List recent probe runs and per-MAC results from the local store
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/snapetech/stalkerprobe/internal/catalog"
	"github.com/snapetech/stalkerprobe/internal/config"
	"github.com/snapetech/stalkerprobe/internal/identity"
	"github.com/snapetech/stalkerprobe/internal/metrics"
	"github.com/snapetech/stalkerprobe/internal/portal"
	"github.com/snapetech/stalkerprobe/internal/preflight"
	"github.com/snapetech/stalkerprobe/internal/prober"
	"github.com/snapetech/stalkerprobe/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "test":
		err = cmdTest(os.Args[2:])
	case "probe":
		err = cmdProbe(os.Args[2:])
	case "batch":
		err = cmdBatch(os.Args[2:])
	case "catalog":
		err = cmdCatalog(os.Args[2:])
	case "history":
		err = cmdHistory(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <test|probe|batch|catalog|history> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  test     Full connection test for one MAC (preflight, resolve, handshake, authenticate, catalog)\n")
	fmt.Fprintf(os.Stderr, "  probe    Report each candidate API path on the portal and which one the resolver picks\n")
	fmt.Fprintf(os.Stderr, "  batch    Test many MACs sequentially with pacing and backoff; results go to the local store\n")
	fmt.Fprintf(os.Stderr, "  catalog  Authenticated catalog pulls for one MAC (-action profile|genres|channels|epg|vod)\n")
	fmt.Fprintf(os.Stderr, "  history  List recent runs (-run <id> for per-MAC results)\n")
}

// commonFlags registers the flags every subcommand shares.
type commonFlags struct {
	configPath *string
	portalURL  *string
	timezone   *string
	logLevel   *string
	debug      *bool
	saveConfig *string
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Config file path (default: ./stalker-probe.{json,yaml} if present)"),
		portalURL:  fs.String("portal", "", "Portal base URL (default: config portal_url)"),
		timezone:   fs.String("timezone", "", "Device timezone (default: config timezone)"),
		logLevel:   fs.String("log-level", "", "Log level: debug|info|warn|error (default: config log_level)"),
		debug:      fs.Bool("debug", false, "Development logging (console encoder, debug level)"),
		saveConfig: fs.String("save-config", "", "Write the active settings to this file after validation"),
	}
}

// loadConfig applies flag overrides on top of the file/env config and
// validates the result.
func (cf commonFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*cf.configPath)
	if err != nil {
		return nil, err
	}
	if *cf.portalURL != "" {
		cfg.PortalURL = *cf.portalURL
	}
	if *cf.timezone != "" {
		cfg.Timezone = *cf.timezone
	}
	if *cf.logLevel != "" {
		cfg.LogLevel = *cf.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if *cf.saveConfig != "" {
		if err := cfg.Save(*cf.saveConfig); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (cf commonFlags) buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if *cf.debug {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level %q: %w", cfg.LogLevel, err)
	}
	zc.Level = level
	return zc.Build()
}

// newSession builds a transport for the device and resolves (or pins) the
// API path, returning a ready-to-handshake session.
func newSession(ctx context.Context, cfg *config.Config, dev identity.Device, apiPath string, log *zap.Logger) (*portal.Session, string, error) {
	tr, err := portal.NewTransport(cfg.PortalURL, dev, identity.DefaultProfile(), log,
		portal.WithTimeout(cfg.Timeout))
	if err != nil {
		return nil, "", err
	}
	if apiPath == "" {
		r := &portal.Resolver{Log: log}
		apiPath, err = r.Resolve(ctx, tr)
		if err != nil {
			return nil, "", err
		}
	}
	return portal.NewSession(tr, apiPath, log), apiPath, nil
}

func cmdTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	cf := registerCommon(fs)
	macFlag := fs.String("mac", "", "Device MAC address (default: config mac_address)")
	skipPreflight := fs.Bool("skip-preflight", false, "Skip DNS/ICMP/TCP reachability checks")
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	log, err := cf.buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	mac := cfg.MAC
	if *macFlag != "" {
		mac = *macFlag
	}
	dev, err := identity.New(mac, cfg.Timezone)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Portal:  %s\n", cfg.PortalURL)
	fmt.Printf("Device:  %s (sn %s, tz %s)\n\n", dev.MAC, dev.Serial, dev.Timezone)

	if !*skipPreflight {
		checker := &preflight.Checker{Timeout: cfg.Timeout, Log: log}
		rep, err := checker.Check(ctx, cfg.PortalURL)
		if err != nil {
			return err
		}
		for _, s := range rep.Steps {
			fmt.Printf("preflight %-5s %-4s %8s  %s\n", s.Name, okFail(s.OK), s.Latency.Round(time.Millisecond), s.Detail)
		}
		fmt.Println()
		if !rep.Reachable() {
			return fmt.Errorf("host %s is not reachable; aborting before protocol traffic", rep.Host)
		}
	}

	sess, apiPath, err := newSession(ctx, cfg, dev, cfg.APIPath, log)
	if err != nil {
		return err
	}
	fmt.Printf("endpoint       ok          %s\n", apiPath)

	auth := &prober.Authenticator{Log: log}
	res, err := auth.Run(ctx, sess)
	if err != nil {
		return err
	}
	fmt.Printf("handshake      ok          token received\n")
	fmt.Printf("authenticate   %-11s %s\n", res.Status, res.Message)
	if res.Name != "" || res.Phone != "" || res.Account != "" {
		fmt.Printf("account        name=%q phone=%q account=%q\n", res.Name, res.Phone, res.Account)
	}
	if !res.Authorized() {
		fmt.Printf("\nResult: MAC %s is %s on this portal.\n", dev.MAC, res.Status)
		return nil
	}

	// Catalog pulls are best-effort once authorization succeeded.
	cat := &catalog.Client{Session: sess}
	if profile, err := cat.MainProfile(ctx); err != nil {
		fmt.Printf("profile        fail        %v\n", err)
	} else {
		fmt.Printf("profile        ok          %d bytes\n", len(profile))
	}
	if genres, err := cat.Genres(ctx); err != nil {
		fmt.Printf("genres         fail        %v\n", err)
	} else {
		fmt.Printf("genres         ok          %d genres\n", len(genres))
	}
	if channels, err := cat.Channels(ctx); err != nil {
		fmt.Printf("channels       fail        %v\n", err)
	} else {
		fmt.Printf("channels       ok          %d channels\n", len(channels))
	}

	fmt.Printf("\nResult: MAC %s is active and authorized.\n", dev.MAC)
	return nil
}

func cmdProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	cf := registerCommon(fs)
	macFlag := fs.String("mac", "", "Device MAC for mimicry cookies (default: config mac_address)")
	timeout := fs.Duration("timeout", 5*time.Second, "Timeout per candidate path")
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	log, err := cf.buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	mac := cfg.MAC
	if *macFlag != "" {
		mac = *macFlag
	}
	dev, err := identity.New(mac, cfg.Timezone)
	if err != nil {
		return err
	}
	tr, err := portal.NewTransport(cfg.PortalURL, dev, identity.DefaultProfile(), log,
		portal.WithTimeout(cfg.Timeout))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Probing %s (%d candidate paths, timeout %v per path)\n\n",
		cfg.PortalURL, len(portal.DefaultCandidatePaths), *timeout)
	r := &portal.Resolver{PerCandidateTimeout: *timeout, Log: log}
	selected, reports := r.Report(ctx, tr)
	for _, rep := range reports {
		detail := "handshake envelope"
		if rep.Err != nil {
			detail = rep.Err.Error()
		}
		fmt.Printf("  %-4s %8s  %-36s %s\n", okFail(rep.OK), rep.Latency.Round(time.Millisecond), rep.Path, detail)
	}
	fmt.Println()
	if selected == "" {
		return fmt.Errorf("no candidate path answered with a valid envelope")
	}
	fmt.Printf("Resolver selects: %s\n", selected)
	return nil
}

func cmdBatch(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	cf := registerCommon(fs)
	macsFlag := fs.String("macs", "", "Comma-separated MAC addresses to test")
	macFile := fs.String("mac-file", "", "File with one MAC per line, # comments allowed (default: config mac_file)")
	minDelay := fs.Duration("min-delay", 0, "Min delay between network steps (default: config rate_limit.min_delay)")
	maxRetries := fs.Int("max-retries", 0, "Max retries per identity on rate limiting (default: config rate_limit.max_retries)")
	outFile := fs.String("out", "", "Write authorized MACs to this file, one per line")
	metricsAddr := fs.String("metrics-addr", "", "Expose Prometheus /metrics on this address during the run (default: config metrics_addr)")
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	log, err := cf.buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	identities, err := collectIdentities(cfg, *macsFlag, *macFile)
	if err != nil {
		return err
	}
	if len(identities) == 0 {
		return fmt.Errorf("no MACs to test: pass -macs, -mac-file, or set mac_address in config")
	}

	policy := prober.Policy{
		MinDelay:    cfg.RateLimit.MinDelay,
		BackoffBase: cfg.RateLimit.BackoffBase,
		BackoffCap:  cfg.RateLimit.BackoffCap,
		MaxRetries:  cfg.RateLimit.MaxRetries,
	}
	if *minDelay > 0 {
		policy.MinDelay = *minDelay
	}
	if *maxRetries > 0 {
		policy.MaxRetries = *maxRetries
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resolve the API path once up front with the first identity; every
	// per-identity session reuses it (tokens are per-device, paths are not).
	apiPath := cfg.APIPath
	if apiPath == "" {
		tr, err := portal.NewTransport(cfg.PortalURL, identities[0], identity.DefaultProfile(), log,
			portal.WithTimeout(cfg.Timeout))
		if err != nil {
			return err
		}
		r := &portal.Resolver{Log: log}
		apiPath, err = r.Resolve(ctx, tr)
		if err != nil {
			return err
		}
	}

	m := metrics.New()
	addr := cfg.MetricsAddr
	if *metricsAddr != "" {
		addr = *metricsAddr
	}
	if addr != "" {
		go func() {
			if err := m.Serve(ctx, addr, log); err != nil {
				log.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	fmt.Printf("Testing %d MAC(s) against %s%s (min delay %v)\n\n",
		len(identities), cfg.PortalURL, "/"+apiPath, policy.MinDelay)

	p := &prober.Prober{
		NewSession: func(dev identity.Device) (*portal.Session, error) {
			tr, err := portal.NewTransport(cfg.PortalURL, dev, identity.DefaultProfile(), log,
				portal.WithTimeout(cfg.Timeout))
			if err != nil {
				return nil, err
			}
			return portal.NewSession(tr, apiPath, log), nil
		},
		Policy:  policy,
		Metrics: m,
		Log:     log,
		OnResult: func(e prober.Entry) {
			fmt.Printf("  [%d/%d] %s  %-12s %s\n",
				e.Position+1, len(identities), e.Device.MAC, e.Result.Status, e.Result.Message)
		},
	}

	started := time.Now()
	outcome, runErr := p.Run(ctx, identities)
	finished := time.Now()

	summary := outcome.Summary()
	fmt.Printf("\nSummary: %d probed: %d active, %d unauthorized, %d inactive, %d unknown\n",
		summary.Total, summary.Active, summary.Unauthorized, summary.Inactive, summary.Unknown)
	if runErr != nil {
		fmt.Printf("Run ended early: %v (partial results above)\n", runErr)
	}

	if cfg.StorePath != "" && summary.Total > 0 {
		st, err := store.New(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		// Persist with an independent context so a cancelled batch can
		// still save its partial results.
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runID, err := st.SaveRun(saveCtx, store.Run{
			PortalURL:  cfg.PortalURL,
			APIPath:    apiPath,
			StartedAt:  started,
			FinishedAt: finished,
			Summary:    summary,
		}, outcome.Entries)
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		fmt.Printf("Saved run %s to %s\n", runID, cfg.StorePath)
	}

	if *outFile != "" {
		if err := writeAuthorized(*outFile, outcome); err != nil {
			return err
		}
		fmt.Printf("Authorized MACs written to %s\n", *outFile)
	}
	return nil
}

func collectIdentities(cfg *config.Config, macsFlag, macFile string) ([]identity.Device, error) {
	if macsFlag != "" {
		parts := strings.Split(macsFlag, ",")
		out := make([]identity.Device, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			d, err := identity.New(p, cfg.Timezone)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	}
	if macFile == "" {
		macFile = cfg.MACFile
	}
	if macFile != "" {
		return identity.LoadMACList(macFile, cfg.Timezone)
	}
	if cfg.MAC != "" {
		d, err := identity.New(cfg.MAC, cfg.Timezone)
		if err != nil {
			return nil, err
		}
		return []identity.Device{d}, nil
	}
	return nil, nil
}

func writeAuthorized(path string, outcome *prober.Outcome) error {
	var b strings.Builder
	for _, e := range outcome.Entries {
		if e.Result.Authorized() {
			b.WriteString(e.Device.MAC)
			b.WriteByte('\n')
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func cmdCatalog(args []string) error {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)
	cf := registerCommon(fs)
	macFlag := fs.String("mac", "", "Device MAC address (default: config mac_address)")
	action := fs.String("action", "profile", "What to fetch: profile|genres|channels|epg|vod")
	period := fs.Int("period", 3, "EPG period in hours (epg action)")
	_ = fs.Parse(args)

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	log, err := cf.buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	mac := cfg.MAC
	if *macFlag != "" {
		mac = *macFlag
	}
	dev, err := identity.New(mac, cfg.Timezone)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, _, err := newSession(ctx, cfg, dev, cfg.APIPath, log)
	if err != nil {
		return err
	}
	auth := &prober.Authenticator{Log: log}
	res, err := auth.Run(ctx, sess)
	if err != nil {
		return err
	}
	if !res.Authorized() {
		return fmt.Errorf("MAC %s is %s on this portal: %s", dev.MAC, res.Status, res.Message)
	}

	cat := &catalog.Client{Session: sess}
	switch *action {
	case "profile":
		js, err := cat.MainProfile(ctx)
		if err != nil {
			return err
		}
		return printJSON(js)
	case "genres":
		genres, err := cat.Genres(ctx)
		if err != nil {
			return err
		}
		for _, g := range genres {
			fmt.Printf("%-6s %s\n", g.ID, g.Title)
		}
	case "channels":
		channels, err := cat.Channels(ctx)
		if err != nil {
			return err
		}
		for _, c := range channels {
			fmt.Printf("%-6s %-6s %s\n", c.Number, c.ID, c.Name)
		}
		fmt.Printf("(%d channels)\n", len(channels))
	case "epg":
		js, err := cat.EPG(ctx, *period)
		if err != nil {
			return err
		}
		return printJSON(js)
	case "vod":
		cats, err := cat.VODCategories(ctx)
		if err != nil {
			return err
		}
		for _, c := range cats {
			fmt.Printf("%-6s %s\n", c.ID, c.Title)
		}
	default:
		return fmt.Errorf("unknown -action %q; use profile|genres|channels|epg|vod", *action)
	}
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	storePath := fs.String("store", "", "Store path (default: config store_path)")
	runID := fs.String("run", "", "Show per-MAC results for this run ID")
	limit := fs.Int("limit", 20, "How many recent runs to list")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	path := cfg.StorePath
	if *storePath != "" {
		path = *storePath
	}
	st, err := store.New(path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if *runID != "" {
		results, err := st.RunResults(ctx, *runID)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return fmt.Errorf("no results for run %s", *runID)
		}
		for _, r := range results {
			fmt.Printf("%3d  %s  %-12s %s\n", r.Position+1, r.MAC, r.Status, r.Message)
		}
		return nil
	}

	runs, err := st.RecentRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %s  total=%d active=%d unauthorized=%d inactive=%d unknown=%d\n",
			r.StartedAt.Format(time.RFC3339), r.ID, r.PortalURL,
			r.Summary.Total, r.Summary.Active, r.Summary.Unauthorized, r.Summary.Inactive, r.Summary.Unknown)
	}
	return nil
}

func printJSON(js json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(js, &buf); err != nil {
		fmt.Println(string(js))
		return nil
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func okFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
