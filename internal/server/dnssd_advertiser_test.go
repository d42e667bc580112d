package server

import (
	"context"
	"strings"
	"testing"

	"ippproxy/internal/config"
	"ippproxy/internal/model"
)

func TestDNSSDPDLFromFormatsCuratedOrder(t *testing.T) {
	formats := []string{"image/urf", "application/pdf", "image/jpeg", "application/octet-stream"}
	pdl := dnssdPDLFromFormats(formats)
	if len(pdl) != 3 {
		t.Fatalf("expected 3 curated formats, got %v", pdl)
	}
	if pdl[0] != "application/pdf" || pdl[1] != "image/jpeg" || pdl[2] != "image/urf" {
		t.Fatalf("unexpected curated order: %v", pdl)
	}
}

func TestDNSSDPDLFromFormatsRawOnlyFallback(t *testing.T) {
	pdl := dnssdPDLFromFormats([]string{"application/octet-stream", "text/plain"})
	if len(pdl) != 1 || pdl[0] != "application/octet-stream" {
		t.Fatalf("expected raw fallback pdl, got %v", pdl)
	}
}

func TestDNSSDPort(t *testing.T) {
	cases := map[string]int{
		":8631":          8631,
		"127.0.0.1:9100": 9100,
		"":               631,
		"bogus":          631,
	}
	for addr, want := range cases {
		if got := dnssdPort(config.Config{ListenAddr: addr}); got != want {
			t.Fatalf("dnssdPort(%q) = %d, want %d", addr, got, want)
		}
	}
}

func TestDNSSDHostName(t *testing.T) {
	if got := dnssdHostName(config.Config{ServerName: "print"}); got != "print.local." {
		t.Fatalf("unexpected host %q", got)
	}
	cfg := config.Config{ServerName: "print", DNSSD: config.DNSSDConfig{HostName: "proxy.example.org"}}
	if got := dnssdHostName(cfg); got != "proxy.example.org." {
		t.Fatalf("unexpected host %q", got)
	}
}

func TestDNSSDTxtRecordForGenericQueue(t *testing.T) {
	srv := &Server{Config: config.Config{ListenAddr: ":8631", ServerName: "print"}}
	srv.prepare()
	q := model.Queue{Name: "public", Trusted: true}
	txt := strings.Join(dnssdTxtRecord(srv, q, srv.capabilitiesFor(context.Background(), q)), "\n")
	for _, want := range []string{"rp=printers/public", "Color=T", "Duplex=T", "URF=V1.4,CP1,PQ4,RS300,W8,SRGB24,DM1", "UUID=" + srv.queueUUID("public")} {
		if !strings.Contains(txt, want) {
			t.Fatalf("txt record missing %q:\n%s", want, txt)
		}
	}
	if strings.Contains(txt, "air=") {
		t.Fatalf("trusted queue must not require auth:\n%s", txt)
	}
}

func TestDNSSDServiceTypesFollowTLS(t *testing.T) {
	cfg := config.Defaults()
	if got := dnssdServiceTypes(cfg); len(got) != 1 || got[0] != "_ipp._tcp" {
		t.Fatalf("plain service types = %v", got)
	}
	cfg.TLS.Enabled = true
	if got := dnssdServiceTypes(cfg); len(got) != 2 || got[1] != "_ipps._tcp" {
		t.Fatalf("tls service types = %v", got)
	}
}
