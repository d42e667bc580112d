// Package access decides who may print on which queue and printer.
package access

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"ippproxy/internal/model"
)

var (
	ErrUnknownUser   = errors.New("access: unknown user")
	ErrNotAuthorized = errors.New("access: not authorized")
	ErrClientDenied  = errors.New("access: client address not allowed")
)

type UserStore interface {
	LookupUser(ctx context.Context, username string) (model.User, error)
	Authenticate(ctx context.Context, username, password string) (model.User, error)
	PrinterAccessGranted(ctx context.Context, printer, username string) (bool, error)
}

type Controller struct {
	store UserStore
	users *expirable.LRU[string, model.User]
	nets  []*net.IPNet
}

// New builds a controller. allowedNets restricts every queue in addition
// to the queue's own list; an empty list allows all clients.
func New(store UserStore, allowedNets []string, cacheSize int, ttl time.Duration) (*Controller, error) {
	nets, err := parseNets(allowedNets)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	return &Controller{
		store: store,
		users: expirable.NewLRU[string, model.User](cacheSize, nil, ttl),
		nets:  nets,
	}, nil
}

// ResolveUser maps a requesting user name to an enabled user.
func (c *Controller) ResolveUser(ctx context.Context, name string) (model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "anonymous" {
		return model.User{}, ErrUnknownUser
	}
	if u, ok := c.users.Get(name); ok {
		return u, nil
	}
	u, err := c.store.LookupUser(ctx, name)
	if err != nil || u.Disabled {
		return model.User{}, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	c.users.Add(name, u)
	return u, nil
}

// Forget drops a cached user, e.g. after it was disabled.
func (c *Controller) Forget(name string) {
	c.users.Remove(strings.TrimSpace(name))
}

func (c *Controller) PrinterAccessGranted(ctx context.Context, printer, username string) (bool, error) {
	return c.store.PrinterAccessGranted(ctx, printer, username)
}

// ClientAllowed reports whether remoteAddr passes both the global and the
// queue allow-list.
func (c *Controller) ClientAllowed(remoteAddr string, q model.Queue) bool {
	ip := remoteIP(remoteAddr)
	if ip == nil {
		return false
	}
	if !matchAny(c.nets, ip) {
		return false
	}
	qnets, err := parseNets(strings.Split(q.AllowedNets, ","))
	if err != nil {
		return false
	}
	return matchAny(qnets, ip)
}

// Authenticate checks HTTP Basic credentials.
func (c *Controller) Authenticate(ctx context.Context, r *http.Request) (model.User, error) {
	name, pass, ok := r.BasicAuth()
	if !ok || name == "" {
		return model.User{}, ErrNotAuthorized
	}
	u, err := c.store.Authenticate(ctx, name, pass)
	if err != nil || u.Disabled {
		return model.User{}, ErrNotAuthorized
	}
	return u, nil
}

// AuthorizeIPP resolves the user behind an IPP request on q. Trusted
// queues accept the requesting-user-name of a known user; other queues
// require Basic authentication.
func (c *Controller) AuthorizeIPP(ctx context.Context, r *http.Request, q model.Queue, requestingUser string) (model.User, error) {
	if q.Disabled || q.Deleted {
		return model.User{}, ErrNotAuthorized
	}
	if !c.ClientAllowed(r.RemoteAddr, q) {
		return model.User{}, ErrClientDenied
	}
	if q.Trusted {
		if u, err := c.ResolveUser(ctx, requestingUser); err == nil {
			return u, nil
		}
		if _, _, ok := r.BasicAuth(); !ok {
			return model.User{}, fmt.Errorf("%w: %s", ErrUnknownUser, requestingUser)
		}
	}
	return c.Authenticate(ctx, r)
}

func parseNets(values []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			if ip := net.ParseIP(v); ip != nil && ip.To4() != nil {
				v += "/32"
			} else {
				v += "/128"
			}
		}
		_, n, err := net.ParseCIDR(v)
		if err != nil {
			return nil, fmt.Errorf("allowed net %q: %w", v, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func matchAny(nets []*net.IPNet, ip net.IP) bool {
	if len(nets) == 0 {
		return true
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) net.IP {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(strings.Trim(host, "[]"))
}
