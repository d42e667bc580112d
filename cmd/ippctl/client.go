package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/OpenPrinting/goipp"
)

// session sends IPP requests to one queue of an ippproxy server.
type session struct {
	base     *url.URL
	queue    string
	user     string
	password string
	version  goipp.Version
	http     *http.Client

	requestID atomic.Uint32
}

func newSession(server, queue, user, password, version string) (*session, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", server, err)
	}
	switch u.Scheme {
	case "ipp":
		u.Scheme = "http"
	case "ipps":
		u.Scheme = "https"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("ipp version %q: %w", version, err)
	}
	return &session{
		base:     u,
		queue:    queue,
		user:     user,
		password: password,
		version:  goipp.MakeVersion(uint8(v.Major()), uint8(v.Minor())),
		http:     &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (s *session) queueURL() string {
	u := *s.base
	u.Path = "/printers/" + url.PathEscape(s.queue)
	return u.String()
}

func (s *session) printerURI() string {
	u := *s.base
	u.Scheme = "ipp"
	if s.base.Scheme == "https" {
		u.Scheme = "ipps"
	}
	u.Path = "/printers/" + url.PathEscape(s.queue)
	return u.String()
}

// newRequest returns a request carrying the mandatory operation attributes.
func (s *session) newRequest(op goipp.Op) *goipp.Message {
	req := goipp.NewRequest(s.version, op, s.requestID.Add(1))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(s.printerURI())))
	if s.user != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(s.user)))
	}
	return req
}

// do posts req followed by doc and decodes the response. IPP error statuses
// are returned as errors together with the response.
func (s *session) do(ctx context.Context, req *goipp.Message, doc io.Reader) (*goipp.Message, error) {
	payload, err := req.EncodeBytes()
	if err != nil {
		return nil, err
	}
	var body io.Reader = bytes.NewReader(payload)
	if doc != nil {
		body = io.MultiReader(body, doc)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.queueURL(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", goipp.ContentType)
	if s.password != "" {
		httpReq.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &goipp.Message{}
	if err := out.DecodeBytes(data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if status := goipp.Status(out.Code); status >= 0x0100 {
		return out, &statusError{op: goipp.Op(req.Code), status: status, message: findAttr(out.Operation, "status-message")}
	}
	return out, nil
}

// admin posts to an admin endpoint. A non-nil payload is sent as JSON.
func (s *session) admin(ctx context.Context, path string, payload any) ([]byte, error) {
	u := *s.base
	u.Path = path
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(s.user, s.password)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return data, fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

type statusError struct {
	op      goipp.Op
	status  goipp.Status
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.op, e.status, e.message)
	}
	return fmt.Sprintf("%s: %s", e.op, e.status)
}

func findAttr(attrs goipp.Attributes, name string) string {
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			return a.Values[0].V.String()
		}
	}
	return ""
}
