// emrelayd is an SMTP relay daemon: it accepts mail over SMTP/submission,
// stores it as envelope+content files, runs it through a filter pipeline,
// and forwards it to local delivery agents or remote mail servers.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.emailrelay.dev/relay/internal/auth"
	"go.emailrelay.dev/relay/internal/config"
	"go.emailrelay.dev/relay/internal/dnsbl"
	"go.emailrelay.dev/relay/internal/dovecot"
	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/filters"
	"go.emailrelay.dev/relay/internal/filters/mxfilter"
	"go.emailrelay.dev/relay/internal/filters/serverfilter"
	"go.emailrelay.dev/relay/internal/filters/splitfilter"
	"go.emailrelay.dev/relay/internal/forwarder"
	"go.emailrelay.dev/relay/internal/localdeliver"
	"go.emailrelay.dev/relay/internal/maillog"
	"go.emailrelay.dev/relay/internal/resolver"
	"go.emailrelay.dev/relay/internal/smtpclient"
	"go.emailrelay.dev/relay/internal/smtpserver"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
	"go.emailrelay.dev/relay/internal/userdb"
)

var (
	configPath = flag.String("config", "/etc/emrelayd/emrelayd.conf",
		"path to the configuration file")
	showVer = flag.Bool("version", false, "show version and exit")
)

var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("emrelayd %s\n", version)
		return
	}

	log.Infof("emrelayd starting (version %s)", version)
	rand.Seed(time.Now().UnixNano())

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	initMailLog(conf.MailLogPath)
	go signalHandler()

	if conf.Metrics.Address != "" {
		go launchMetricsServer(conf.Metrics.Address)
	}

	if err := os.MkdirAll(conf.Store.DataDir, 0770); err != nil {
		log.Fatalf("Error creating data directory %q: %v", conf.Store.DataDir, err)
	}
	st := store.NewStore(conf.Store.DataDir)

	res := resolver.New(nil, 10*time.Second)

	srv := smtpserver.NewServer(st)
	srv.Hostname = conf.Hostname
	srv.MaxDataSize = conf.Limits.MaxDataSize()
	srv.MaxReceivedHeaders = conf.Limits.MaxReceivedHeaders
	srv.HookPath = "hooks"
	srv.HAProxyEnabled = conf.HAProxyIncoming
	srv.AddCerts(conf.TLS.CertFile, conf.TLS.KeyFile)

	for _, d := range conf.LocalDomains {
		srv.AddDomain(d)
	}
	srv.AddDomain("localhost")

	if conf.UserDBPath != "" {
		db := userdb.New(conf.UserDBPath)
		if err := db.Reload(); err != nil {
			log.Errorf("Error loading user database %q: %v", conf.UserDBPath, err)
		}
		srv.Authenticator().Register(conf.Hostname, auth.WrapNoErrorBackend(db))
	}

	if conf.Dovecot.Enabled {
		dauth := dovecot.NewAuth(conf.Dovecot.UserdbPath, conf.Dovecot.ClientPath)
		if err := dauth.Check(); err != nil {
			log.Errorf("Dovecot auth backend not usable: %v", err)
		}
		srv.SetAuthFallback(dauth)
	}

	for _, dc := range conf.Filters.DNSBLs {
		zoneCfg, err := dnsbl.ParseConfig(dc.Spec)
		if err != nil {
			log.Fatalf("Invalid dnsbl spec %q: %v", dc.Spec, err)
		}
		srv.DNSBL = append(srv.DNSBL, dnsbl.New(zoneCfg, res))
	}

	pipeline := buildPipeline(st, res, conf)
	srv.OnAccepted = buildOnAccepted(pipeline)

	local := &localdeliver.Agent{
		Binary:  conf.Delivery.AgentBin,
		Args:    conf.Delivery.AgentArgs,
		Timeout: 30 * time.Second,
	}
	remote := &smtpclient.Client{
		HelloDomain: conf.Hostname,
		Resolver:    res,
	}
	fw := forwarder.New(st, local, remote)
	fw.GiveUpAfter = conf.Store.GiveUpSendAfterDuration()
	go fw.Run(nil)

	if err := srv.UseSystemdActivation(); err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}
	naddr := 0
	for _, l := range conf.Listeners {
		mode, ok := modeFromConfig(l.Mode)
		if !ok {
			log.Fatalf("unknown listener mode %q", l.Mode)
		}
		if l.Address != "systemd" {
			srv.AddAddr(l.Address, mode)
			naddr++
		}
	}
	if naddr == 0 {
		log.Infof("No directly-configured addresses; relying on systemd socket activation")
	}

	srv.ListenAndServe()
}

// buildPipeline assembles the post-acceptance filter chain from the
// configured stages. serverfilter only runs when a hook script is present
// on disk, the way the teacher's own post-data hook is opt-in.
func buildPipeline(st *store.Store, res *resolver.Resolver, conf *config.Config) *filters.Pipeline {
	var chain []filters.Filter

	hookPath := filepath.Join("hooks", "server-filter")
	if _, err := os.Stat(hookPath); err == nil {
		chain = append(chain, &serverfilter.Filter{Path: hookPath, Timeout: 30 * time.Second})
	}
	if conf.Filters.MXRouting {
		chain = append(chain, &mxfilter.Filter{Resolver: res})
	}
	if conf.Filters.SplitByDomain {
		chain = append(chain, &splitfilter.Filter{})
	}

	return &filters.Pipeline{Store: st, Filters: chain}
}

func buildOnAccepted(p *filters.Pipeline) func(tr *trace.Trace, id store.MessageID, env *envelopefile.Envelope) {
	return func(tr *trace.Trace, id store.MessageID, env *envelopefile.Envelope) {
		if err := p.Process(tr, id); err != nil {
			tr.Errorf("filter pipeline error for %s: %v", id, err)
		}
	}
}

func modeFromConfig(m config.ListenerMode) (smtpserver.SocketMode, bool) {
	switch m {
	case config.ModeSMTP:
		return smtpserver.ModeSMTP, true
	case config.ModeSubmission:
		return smtpserver.ModeSubmission, true
	case config.ModeSubmissionTLS:
		return smtpserver.ModeSubmissionTLS, true
	default:
		return smtpserver.SocketMode{}, false
	}
}

func initMailLog(path string) {
	var err error
	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}
	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)
	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}
			if err := maillog.Default.Reopen(); err != nil {
				log.Fatalf("Error reopening maillog: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

func launchMetricsServer(addr string) {
	log.Infof("Starting metrics server at %s", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server error: %v", err)
	}
}
