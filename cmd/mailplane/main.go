// Command mailplane drives the send/verify engine from the command line:
//
//	mailplane run-campaign --session <id> --campaign <id> --recipients <file.json>
//	mailplane probe-imap   --session <id> --account <id> [--folder INBOX]
//	mailplane check-smtp   --session <id> --account <id>
//
// Progress and results are written as JSON to stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/ignite/mailplane/internal/campaign"
	"github.com/ignite/mailplane/internal/config"
	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/health"
	"github.com/ignite/mailplane/internal/imapprobe"
	"github.com/ignite/mailplane/internal/metrics"
	"github.com/ignite/mailplane/internal/pkg/distlock"
	"github.com/ignite/mailplane/internal/pkg/logger"
	"github.com/ignite/mailplane/internal/proxypool"
	"github.com/ignite/mailplane/internal/rate"
	"github.com/ignite/mailplane/internal/selector"
	"github.com/ignite/mailplane/internal/smtpout"
	"github.com/ignite/mailplane/internal/store"
	"github.com/ignite/mailplane/internal/warmup"
)

// Exit codes consumed by callers scripting the CLI.
const (
	exitOK        = 0
	exitInternal  = 1
	exitBadConfig = 2
	exitNoProxies = 3
	exitNoAccount = 4
	exitCancelled = 5
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitBadConfig)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch cmd {
	case "run-campaign":
		code = runCampaign(ctx, args)
	case "probe-imap":
		code = probeIMAP(ctx, args)
	case "check-smtp":
		code = checkSMTP(ctx, args)
	default:
		usage()
		code = exitBadConfig
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mailplane <run-campaign|probe-imap|check-smtp> [flags]")
}

// engine bundles the shared wiring for all subcommands.
type engine struct {
	cfg    *config.Config
	store  *store.Store
	pool   *proxypool.Pool
	disp   *smtpout.Dispatcher
	tokens *smtpout.OAuthProvider
	rdb    *redis.Client
}

func buildEngine(configPath string) (*engine, error) {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	tun := proxypool.NewTunneler(cfg.Proxy.ProbeTimeout(), cfg.Proxy.LeakPrevention)
	prober := proxypool.NewProber(tun, cfg.Proxy.ProbeURLs, cfg.Proxy.ProbeTimeout())
	pool := proxypool.New(st, tun, prober, cfg.Proxy)
	if len(cfg.Proxy.BlacklistZones) > 0 {
		pool.UseBlacklistOracle(proxypool.NewDNSBLOracle(cfg.Proxy.BlacklistZones))
	}

	tokens := smtpout.NewOAuthProvider()
	disp := smtpout.NewDispatcher(pool, cfg.SMTP, tokens)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
	}

	return &engine{cfg: cfg, store: st, pool: pool, disp: disp, tokens: tokens, rdb: rdb}, nil
}

func (e *engine) close() {
	if e.rdb != nil {
		e.rdb.Close()
	}
	e.store.Close()
}

func runCampaign(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run-campaign", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config YAML")
	sessionID := fs.String("session", "", "session id")
	campaignID := fs.String("campaign", "", "campaign id")
	recipientsPath := fs.String("recipients", "", "path to recipients JSON file")
	strategy := fs.String("proxy-strategy", "random", "proxy strategy: random|fastest|round_robin")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return exitBadConfig
	}
	if *sessionID == "" || *campaignID == "" || *recipientsPath == "" {
		fmt.Fprintln(os.Stderr, "run-campaign requires --session, --campaign and --recipients")
		return exitBadConfig
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}
	defer eng.close()

	stuckAfter := time.Duration(eng.cfg.Campaign.StuckAfterSecs) * time.Second
	if n, err := eng.store.RecoverStuckCampaigns(ctx, stuckAfter); err != nil {
		logger.Warn("stuck campaign sweep failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("recovered stuck campaigns", "count", n)
	}

	if *metricsAddr != "" && eng.cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "addr", *metricsAddr, "error", err.Error())
			}
		}()
	}

	recipients, err := loadRecipients(*recipientsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}

	c, err := eng.store.GetCampaign(ctx, *sessionID, *campaignID)
	if errors.Is(err, store.ErrCampaignNotFound) {
		fmt.Fprintf(os.Stderr, "campaign %s not found in session %s\n", *campaignID, *sessionID)
		return exitBadConfig
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading campaign: %v\n", err)
		return exitBadConfig
	}
	accounts, err := eng.store.ListSendableSMTPAccounts(ctx, *sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading accounts: %v\n", err)
		return exitInternal
	}
	if len(accounts) == 0 {
		fmt.Fprintln(os.Stderr, "no sendable smtp account in session")
		return exitNoAccount
	}

	// Probe the pool up front so the orchestrator sees fresh statuses.
	if err := eng.pool.Refresh(ctx, *sessionID, false); err != nil && ctx.Err() == nil {
		logger.Warn("proxy refresh failed", "error", err.Error())
	}
	if eng.cfg.Proxy.LeakPrevention {
		if n, err := eng.pool.VerifySecurity(ctx, *sessionID); err != nil && ctx.Err() == nil {
			logger.Warn("proxy security check failed", "error", err.Error())
		} else if n > 0 {
			logger.Warn("proxies removed by ip consistency check", "count", n)
		}
	}

	wu := warmup.NewController(eng.cfg.Warmup.Enabled)
	for _, a := range accounts {
		wu.Restore(a.ID, a.WarmupDay, a.DailySent)
	}
	accGov, err := rate.NewGovernor(eng.cfg.SMTP.PerAccountPerMinute, time.Minute)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}
	domGov, err := rate.NewGovernor(eng.cfg.SMTP.PerDomainPerMinute, time.Minute)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}

	var hourly *rate.HourlyLimiter
	var pub campaign.Publisher = campaign.NopPublisher{}
	if eng.rdb != nil {
		hourly = rate.NewHourlyLimiter(eng.rdb, eng.cfg.SMTP.RateLimitPerHour)
		pub = campaign.NewRedisPublisher(eng.rdb)
	}

	sel := selector.New(wu, accGov, health.NewBook())
	deps := campaign.Deps{
		Store:    eng.store,
		Sender:   eng.disp,
		Proxies:  eng.pool,
		Selector: sel,
		Warmup:   wu,
		AccGov:   accGov,
		DomGov:   domGov,
		Hourly:   hourly,
		Pub:      pub,
		Strategy: proxypool.Strategy(*strategy),
	}
	pf := campaign.NewPreflight(eng.disp, eng.pool, *eng.cfg)
	mgr := campaign.NewManager(deps, *eng.cfg, pf)
	mgr.UseLocks(func(id string) distlock.Lock {
		return distlock.New(eng.rdb, eng.store.DB(), distlock.CampaignKey(id), 10*time.Minute)
	})

	if err := mgr.Start(ctx, c, accounts, recipients); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var pfe *campaign.PreflightError
		if errors.As(err, &pfe) {
			switch pfe.Findings[0].Step {
			case campaign.StepProxy:
				return exitNoProxies
			case campaign.StepSMTP:
				return exitNoAccount
			}
		}
		return exitBadConfig
	}

	enc := json.NewEncoder(os.Stdout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	done := make(chan error, 1)
	go func() { done <- mgr.Wait(c.ID) }()

	for {
		select {
		case <-ticker.C:
			if p, ok := mgr.Progress(c.ID); ok {
				_ = enc.Encode(p)
			}
		case <-ctx.Done():
			log.Println("cancelling campaign...")
			if err := mgr.Stop(c.ID); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			return exitCancelled
		case err := <-done:
			if p, ok := mgr.Progress(c.ID); ok {
				_ = enc.Encode(p)
			}
			switch {
			case err == nil:
				return exitOK
			case errors.Is(err, campaign.ErrNoWorkingProxies):
				fmt.Fprintln(os.Stderr, err)
				return exitNoProxies
			case errors.Is(err, campaign.ErrNoSendableAccounts):
				fmt.Fprintln(os.Stderr, err)
				return exitNoAccount
			default:
				fmt.Fprintln(os.Stderr, err)
				return exitInternal
			}
		}
	}
}

func probeIMAP(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("probe-imap", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config YAML")
	sessionID := fs.String("session", "", "session id")
	accountID := fs.String("account", "", "imap account id")
	folder := fs.String("folder", "", "also fetch message summaries from this folder")
	limit := fs.Int("limit", 20, "summary fetch limit")
	if err := fs.Parse(args); err != nil {
		return exitBadConfig
	}
	if *sessionID == "" || *accountID == "" {
		fmt.Fprintln(os.Stderr, "probe-imap requires --session and --account")
		return exitBadConfig
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}
	defer eng.close()

	account, err := eng.store.GetIMAPAccount(ctx, *sessionID, *accountID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading account: %v\n", err)
		return exitNoAccount
	}

	var proxy *domain.Proxy
	if eng.cfg.IMAP.ProxyForce {
		proxy, err = eng.pool.GetWorking(ctx, *sessionID, proxypool.StrategyFastest)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitNoProxies
		}
	}

	client, err := imapprobe.Dial(ctx, eng.pool, account, imapprobe.DialOptions{Proxy: proxy})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInternal
	}
	defer client.Close()

	if err := client.Login(ctx, account, eng.tokens); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInternal
	}
	folders, err := client.DiscoverFolders()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInternal
	}
	if eng.cfg.IMAP.CreateSystemFolders {
		prefix, _ := client.Namespace()
		folders = client.EnsureSystemFolders(folders, prefix)
	}

	out := struct {
		Folders   []imapprobe.Folder   `json:"folders"`
		Summaries []imapprobe.Summary  `json:"summaries,omitempty"`
	}{Folders: imapprobe.Selectable(folders)}

	if *folder != "" {
		if _, err := client.SelectFolder(folders, *folder); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInternal
		}
		uids, err := client.SearchAll()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInternal
		}
		summaries, err := client.FetchSummaries(*folder, uids, *limit, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInternal
		}
		out.Summaries = summaries
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return exitOK
}

func checkSMTP(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("check-smtp", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config YAML")
	sessionID := fs.String("session", "", "session id")
	accountID := fs.String("account", "", "smtp account id")
	if err := fs.Parse(args); err != nil {
		return exitBadConfig
	}
	if *sessionID == "" || *accountID == "" {
		fmt.Fprintln(os.Stderr, "check-smtp requires --session and --account")
		return exitBadConfig
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}
	defer eng.close()

	account, err := eng.store.GetSMTPAccount(ctx, *sessionID, *accountID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading account: %v\n", err)
		return exitNoAccount
	}

	result := struct {
		Status         string `json:"status"`
		Message        string `json:"message,omitempty"`
		ResponseTimeMS int64  `json:"response_time_ms"`
	}{Status: "valid"}

	rt, err := eng.disp.CheckConnection(ctx, account)
	status := domain.AccountValid
	if err != nil {
		result.Status = "invalid"
		result.Message = err.Error()
		status = domain.AccountInvalid
	}
	result.ResponseTimeMS = rt.Milliseconds()

	if uerr := eng.store.UpdateSMTPAccountCheck(ctx, account.ID, status, rt, result.Message); uerr != nil {
		logger.Warn("persisting check result", "account", account.Email, "error", uerr.Error())
	}

	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(result)
	if err != nil {
		return exitInternal
	}
	return exitOK
}

func loadRecipients(path string) ([]domain.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipients: %w", err)
	}
	var recipients []domain.Recipient
	if err := json.Unmarshal(data, &recipients); err != nil {
		return nil, fmt.Errorf("parsing recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("recipient list is empty")
	}
	return recipients, nil
}
