package server

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"

	"ippproxy/internal/config"
	"ippproxy/internal/model"
	"ippproxy/internal/store"
)

// DNSSDAdvertiser announces every enabled queue as an _ipp._tcp service
// over multicast DNS, plus _ipps._tcp when TLS is on.
//
// Failures are logged and never stop the server.
type DNSSDAdvertiser struct {
	srv    *Server
	zone   *dnssdZone
	server *mdns.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type dnssdZone struct {
	mu       sync.RWMutex
	services []*mdns.MDNSService
}

func (z *dnssdZone) SetServices(services []*mdns.MDNSService) {
	z.mu.Lock()
	z.services = services
	z.mu.Unlock()
}

func (z *dnssdZone) Records(q dns.Question) []dns.RR {
	z.mu.RLock()
	services := append([]*mdns.MDNSService(nil), z.services...)
	z.mu.RUnlock()

	var out []dns.RR
	for _, svc := range services {
		if svc == nil {
			continue
		}
		out = append(out, svc.Records(q)...)
	}
	return out
}

// StartDNSSDAdvertiser starts announcing queues. It returns (nil, nil) when
// DNS-SD is disabled by config.
func StartDNSSDAdvertiser(ctx context.Context, srv *Server) (*DNSSDAdvertiser, error) {
	if srv == nil || srv.Store == nil || !srv.Config.DNSSD.Enabled {
		return nil, nil
	}
	srv.prepare()

	zone := &dnssdZone{}
	mdnsServer, err := mdns.NewServer(&mdns.Config{
		Zone:              zone,
		LogEmptyResponses: false,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	adv := &DNSSDAdvertiser{
		srv:    srv,
		zone:   zone,
		server: mdnsServer,
		cancel: cancel,
	}
	adv.wg.Add(1)
	go adv.loop(runCtx)
	return adv, nil
}

func (a *DNSSDAdvertiser) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.server != nil {
		_ = a.server.Shutdown()
	}
}

func (a *DNSSDAdvertiser) loop(ctx context.Context) {
	defer a.wg.Done()

	// Queues and printer capabilities change at runtime.
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	a.refresh(ctx)
	for {
		select {
		case <-ticker.C:
			a.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *DNSSDAdvertiser) refresh(ctx context.Context) {
	var queues []model.Queue
	err := a.srv.Store.WithTx(ctx, true, func(tx *store.Tx) error {
		var err error
		queues, err = a.srv.Store.ListQueues(ctx, tx)
		return err
	})
	if err != nil {
		a.srv.Logger.Warn("dnssd: list queues", "err", err)
		return
	}
	a.zone.SetServices(a.services(ctx, queues))
}

func (a *DNSSDAdvertiser) services(ctx context.Context, queues []model.Queue) []*mdns.MDNSService {
	cfg := a.srv.Config
	port := dnssdPort(cfg)
	hostName := dnssdHostName(cfg)
	var services []*mdns.MDNSService
	for _, q := range queues {
		if q.Disabled {
			continue
		}
		c := a.srv.capabilitiesFor(ctx, q)
		txt := dnssdTxtRecord(a.srv, q, c)
		instance := dnssdInstanceName(cfg, c.info, q.Name)
		for _, kind := range dnssdServiceTypes(cfg) {
			svc, err := mdns.NewMDNSService(instance, kind, "local", hostName, port, nil, txt)
			if err != nil {
				a.srv.Logger.Debug("dnssd: service", "queue", q.Name, "type", kind, "err", err)
				continue
			}
			services = append(services, svc)
		}
	}
	return services
}

// dnssdServiceTypes lists _ipps._tcp too when TLS shares the port.
func dnssdServiceTypes(cfg config.Config) []string {
	if cfg.TLS.Enabled {
		return []string{"_ipp._tcp", "_ipps._tcp"}
	}
	return []string{"_ipp._tcp"}
}

func dnssdPort(cfg config.Config) int {
	addr := strings.TrimSpace(cfg.ListenAddr)
	// net.SplitHostPort requires a host for ":8631", so normalize.
	if strings.HasPrefix(addr, ":") {
		addr = "0.0.0.0" + addr
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 631
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 631
	}
	return port
}

func dnssdHostName(cfg config.Config) string {
	host := strings.TrimSpace(cfg.DNSSD.HostName)
	if host == "" {
		host = strings.TrimSpace(cfg.ServerName)
	}
	// mdns.NewMDNSService infers a hostname when blank.
	if host == "" {
		return ""
	}
	if strings.Contains(host, ".") {
		if !strings.HasSuffix(host, ".") {
			host += "."
		}
		return host
	}
	return host + ".local."
}

func dnssdInstanceName(cfg config.Config, info string, fallback string) string {
	base := strings.TrimSpace(info)
	if base == "" {
		base = strings.TrimSpace(fallback)
	}
	if base == "" {
		base = "Printer"
	}
	if name := strings.TrimSpace(cfg.ServerName); name != "" && !strings.EqualFold(name, base) {
		return base + " @ " + name
	}
	return base
}

func dnssdTxtRecord(srv *Server, q model.Queue, c capabilities) []string {
	txt := map[string]string{
		"txtvers":  "1",
		"qtotal":   "1",
		"rp":       "printers/" + q.Name,
		"ty":       c.makeModel,
		"pdl":      strings.Join(dnssdPDLFromFormats(documentFormats), ","),
		"URF":      strings.Join(urfSupported(c.color, c.duplex), ","),
		"UUID":     srv.queueUUID(q.Name),
		"note":     c.location,
		"priority": "0",
		"product":  "(ippproxy)",
		"kind":     "document",
	}
	txt["mopria-certified"] = "1.3"
	if !q.Trusted {
		txt["air"] = "username,password"
	}
	if c.color {
		txt["Color"] = "T"
	}
	if c.duplex {
		txt["Duplex"] = "T"
	}

	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := txt[k]
		if strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

// dnssdPDLFromFormats picks the advertised PDLs in a fixed order. Raw
// formats are only advertised when nothing else is accepted.
func dnssdPDLFromFormats(formats []string) []string {
	accepted := map[string]bool{}
	for _, f := range formats {
		accepted[strings.ToLower(strings.TrimSpace(f))] = true
	}
	pdl := make([]string, 0, len(formats))
	for _, mt := range []string{"application/pdf", "application/postscript", "image/jpeg", "image/png", "image/pwg-raster", "image/urf"} {
		if accepted[mt] {
			pdl = append(pdl, mt)
		}
	}
	if len(pdl) == 0 {
		pdl = []string{"application/octet-stream"}
	}
	return pdl
}
