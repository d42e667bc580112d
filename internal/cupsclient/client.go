// Package cupsclient talks IPP to the CUPS scheduler.
package cupsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// StatusError is an IPP error status returned by CUPS.
type StatusError struct {
	Op      goipp.Op
	Status  goipp.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cups %s: %s (%s)", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("cups %s: %s", e.Op, e.Status)
}

type Client struct {
	Host     string
	Port     int
	UseTLS   bool
	User     string
	Password string

	http      *http.Client
	requestID atomic.Uint32
}

type ClientOption func(*Client)

func WithTLS(enable bool) ClientOption {
	return func(c *Client) {
		if enable {
			c.UseTLS = true
		}
	}
}

func WithCredentials(user, password string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(user) != "" {
			c.User = strings.TrimSpace(user)
			c.Password = password
		}
	}
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New returns a client for server, given as host, host:port or a URL.
func New(server string, opts ...ClientOption) *Client {
	host, port, useTLS := parseServer(server)
	c := &Client{Host: host, Port: port, UseTLS: useTLS}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 631
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}
	return c
}

func (c *Client) PrinterURI(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "ipp://localhost/printers/"
	}
	return "ipp://localhost/printers/" + url.PathEscape(name)
}

func (c *Client) JobURI(id int) string {
	return "ipp://localhost/jobs/" + strconv.Itoa(id)
}

func (c *Client) urlForPath(path string) string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + path
}

func (c *Client) newRequest(op goipp.Op) *goipp.Message {
	req := goipp.NewRequest(goipp.DefaultVersion, op, c.requestID.Add(1))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-us")))
	return req
}

// Send posts msg followed by the optional document data and decodes the
// response. IPP error statuses are returned as *StatusError.
func (c *Client) Send(ctx context.Context, msg *goipp.Message, data io.Reader) (*goipp.Message, error) {
	if msg == nil {
		return nil, errors.New("missing ipp message")
	}
	payload, err := msg.EncodeBytes()
	if err != nil {
		return nil, err
	}
	body := io.Reader(bytes.NewReader(payload))
	if data != nil {
		body = io.MultiReader(bytes.NewReader(payload), data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.urlForPath(pathForMessage(msg)), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", goipp.ContentType)
	req.Header.Set("Accept", goipp.ContentType)
	if c.User != "" {
		req.SetBasicAuth(c.User, c.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("cups %s: http %s", goipp.Op(msg.Code), resp.Status)
	}
	out := &goipp.Message{}
	if err := out.Decode(resp.Body); err != nil {
		return nil, err
	}
	if status := goipp.Status(out.Code); status >= goipp.StatusErrorBadRequest {
		return out, &StatusError{Op: goipp.Op(msg.Code), Status: status, Message: attrString(out.Operation, "status-message")}
	}
	return out, nil
}

func pathForMessage(msg *goipp.Message) string {
	switch goipp.Op(msg.Code) {
	case goipp.OpGetJobs, goipp.OpGetJobAttributes, goipp.OpCancelJob, goipp.OpGetNotifications:
		return "/jobs/"
	case goipp.OpCupsGetPrinters, goipp.OpCreatePrinterSubscriptions, goipp.OpCancelSubscription:
		return "/"
	}
	if p, ok := resourcePath(attrString(msg.Operation, "printer-uri")); ok {
		return p
	}
	return "/"
}

func resourcePath(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", false
	}
	if !strings.HasPrefix(u.Path, "/") {
		return "/" + u.Path, true
	}
	return u.Path, true
}

func parseServer(value string) (string, int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", 0, false
	}
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil || u.Hostname() == "" {
			return "", 0, false
		}
		port, _ := strconv.Atoi(u.Port())
		scheme := strings.ToLower(u.Scheme)
		return u.Hostname(), port, scheme == "https" || scheme == "ipps"
	}
	if host, p, err := net.SplitHostPort(value); err == nil {
		port, _ := strconv.Atoi(p)
		return host, port, false
	}
	return value, 0, false
}

func attrString(attrs goipp.Attributes, name string) string {
	for _, attr := range attrs {
		if attr.Name != name || len(attr.Values) == 0 {
			continue
		}
		return strings.TrimSpace(attr.Values[0].V.String())
	}
	return ""
}

func attrInt(attrs goipp.Attributes, name string) (int, bool) {
	for _, attr := range attrs {
		if attr.Name != name || len(attr.Values) == 0 {
			continue
		}
		if v, ok := attr.Values[0].V.(goipp.Integer); ok {
			return int(v), true
		}
	}
	return 0, false
}
