package main

import (
	"context"
	"crypto/tls"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"ippproxy/internal/access"
	"ippproxy/internal/accounting"
	"ippproxy/internal/config"
	"ippproxy/internal/cupsclient"
	"ippproxy/internal/jobstatus"
	"ippproxy/internal/logging"
	"ippproxy/internal/notify"
	"ippproxy/internal/pdfgen"
	"ippproxy/internal/printercache"
	"ippproxy/internal/proxyprint"
	"ippproxy/internal/scheduler"
	"ippproxy/internal/server"
	"ippproxy/internal/spool"
	"ippproxy/internal/store"
	"ippproxy/internal/tlsutil"
)

// cupsSubscriptionLease bounds the CUPS dbus subscription. It is renewed
// every half lease while the server runs.
const cupsSubscriptionLease = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}
	logging.Configure(cfg.ErrorLogPath, cfg.AccessLogPath, cfg.PageLogPath, cfg.MaxLogSize, cfg.LogLevel)
	stdlog.SetOutput(logging.ErrorWriter())
	logger := logging.New("ippproxy")
	if cfg.Source != "" {
		logger.Info("config loaded", "file", cfg.Source)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", "err", err)
	}
	if !strings.Contains(cfg.DBPath, "://") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			logger.Fatal("create db dir", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatal("open store", "err", err)
	}
	defer st.Close()
	if err := st.EnsureDefaultQueue(ctx, cfg.DefaultQueue); err != nil {
		logger.Fatal("ensure default queue", "err", err)
	}
	if err := st.EnsureAdminUser(ctx, cfg.AdminUser, cfg.AdminPass); err != nil {
		logger.Fatal("ensure admin user", "err", err)
	}

	ctrl, err := access.New(st, cfg.AllowedNets, cfg.UserCacheSize, cfg.UserCacheTTL.Duration)
	if err != nil {
		logger.Fatal("access control", "err", err)
	}

	sp := spool.New(cfg.SpoolDir, cfg.MaxRequestSize)
	if err := sp.Ensure(); err != nil {
		logger.Fatal("ensure spool dir", "err", err)
	}

	hub := notify.NewHub()
	defer hub.Close()
	events := &notify.Publisher{Store: st, Hub: hub, Logger: logging.New("events")}

	cups := cupsclient.New(cfg.Cups.Server,
		cupsclient.WithTLS(cfg.Cups.TLS),
		cupsclient.WithCredentials(cfg.Cups.User, cfg.Cups.Password),
	)

	monitor := jobstatus.New(st, events, logging.New("jobstatus"))
	monitor.Poller = jobstatus.CupsPoller{Client: cups}
	monitor.Interval = cfg.Monitor.Interval.Duration
	monitor.OrphanAge = cfg.Monitor.OrphanAge.Duration
	monitor.FindAttempts = cfg.Monitor.FindAttempts
	monitor.FindDelay = cfg.Monitor.FindDelay.Duration
	monitor.PollAge = cfg.Monitor.PollAge.Duration
	monitor.Remember = cfg.Monitor.Remember
	monitor.Start(ctx)
	defer monitor.Stop()

	if cfg.Cups.DBus {
		listener, err := jobstatus.Listen(monitor, logging.New("dbus"))
		if err != nil {
			logger.Warn("dbus listener unavailable, relying on polling", "err", err)
		} else {
			defer listener.Close()
		}
	}

	subscription := &jobstatus.DBusSubscription{Client: cups, Lease: cupsSubscriptionLease, Logger: logging.New("dbus")}
	defer subscription.Stop()

	printers := printercache.New(cups, st, logging.New("printers"))
	printers.OnFirstContact(func(ctx context.Context) {
		if cfg.Cups.DBus {
			subscription.Start(ctx)
		}
		n, err := jobstatus.Sync(ctx, st, monitor.Poller, monitor)
		if err != nil {
			logger.Warn("sync print outs", "err", err)
			return
		}
		logger.Info("print outs synced", "count", n)
	})
	printers.Start(ctx, cfg.Cups.RefreshInterval.Duration)
	defer printers.Stop()

	proxy := &proxyprint.Service{
		Printers: printers,
		Access:   ctrl,
		Accounting: &accounting.Service{
			Store:        st,
			DefaultGray:  cfg.Accounting.PriceGray,
			DefaultColor: cfg.Accounting.PriceColor,
		},
		Generator: pdfgen.New(sp.Fs),
		Submitter: cups,
		Monitor:   monitor,
		Files:     sp,
		Store:     st,
		Logger:    logging.New("proxyprint"),
	}

	sched := &scheduler.Scheduler{Store: st, Spool: sp, Logger: logging.New("scheduler")}
	sched.Start(ctx)
	defer sched.Stop()

	srv := &server.Server{
		Config:   cfg,
		Store:    st,
		Spool:    sp,
		Access:   ctrl,
		Printers: printers,
		Proxy:    proxy,
		Pages:    pdfgen.New(sp.Fs),
		Hub:      hub,
		Events:   events,
		Logger:   logging.New("ipp"),
	}
	if adv, err := server.StartDNSSDAdvertiser(ctx, srv); err != nil {
		logger.Warn("dns-sd advertiser", "err", err)
	} else if adv != nil {
		defer adv.Close()
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		certs := tlsutil.Certificates{Fs: afero.NewOsFs()}
		cert, err := certs.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, certHosts(cfg), cfg.TLS.AutoGenerate)
		if err != nil {
			logger.Fatal("tls certificate", "err", err)
		}
		tlsConfig = tlsutil.ServerConfig(cert)
	}

	base, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal("listen", "addr", cfg.ListenAddr, "err", err)
	}
	listeners := []net.Listener{base}
	if tlsConfig != nil {
		plain, secure := tlsutil.SplitListener(base, tlsConfig, logger)
		listeners = []net.Listener{plain, secure}
	}

	handler := logging.HTTPAccessMiddleware(srv.Handler())
	var servers []*http.Server
	for _, ln := range listeners {
		hs := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Documents are streamed in the request body.
			ReadTimeout: 5 * time.Minute,
			IdleTimeout: 60 * time.Second,
			ErrorLog:    stdlog.New(logging.ErrorWriter(), "http: ", 0),
		}
		servers = append(servers, hs)
		go func(ln net.Listener) {
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("serve", "err", err)
			}
		}(ln)
	}
	logger.Info("listening", "addr", cfg.ListenAddr, "tls", tlsConfig != nil, "cups", cfg.Cups.Server)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, hs := range servers {
		_ = hs.Shutdown(shutdownCtx)
	}
	_ = base.Close()
}

// certHosts lists the names a generated certificate is valid for.
func certHosts(cfg config.Config) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	for _, h := range []string{cfg.ServerName, cfg.DNSSD.HostName} {
		h = strings.TrimSuffix(strings.TrimSpace(h), ".")
		if h == "" {
			continue
		}
		hosts = append(hosts, h)
		if !strings.Contains(h, ".") {
			hosts = append(hosts, h+".local")
		}
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		hosts = append(hosts, hostname)
	}
	return hosts
}
