// Package printercache keeps the CUPS printer list in memory.
package printercache

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ippproxy/internal/cupsclient"
)

type Source interface {
	Printers(ctx context.Context) ([]cupsclient.Printer, error)
}

// Registry persists printers the first time the cache sees them.
type Registry interface {
	EnsurePrinter(ctx context.Context, name string) (int64, error)
}

type Cache struct {
	src    Source
	reg    Registry
	logger *log.Logger

	// Common option groups are offered by every printer.
	Common []OptionGroup

	refreshMu sync.Mutex
	mu        sync.RWMutex
	printers  map[string]*Printer

	contacted atomic.Bool
	hooksMu   sync.Mutex
	hooks     []func(context.Context)
	hooksCtx  context.Context
	hooksWG   sync.WaitGroup

	stopChan chan struct{}
	done     chan struct{}
}

func New(src Source, reg Registry, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Cache{
		src:      src,
		reg:      reg,
		logger:   logger,
		printers: map[string]*Printer{},
		Common: []OptionGroup{
			{Name: "job", Options: []Option{
				{Keyword: "copies", Default: "1"},
				{Keyword: "number-up", Default: "1", Choices: []string{"1", "2", "4", "6", "9", "16"}},
				{Keyword: "page-ranges"},
			}},
			{Name: "page-setup", Options: []Option{
				{Keyword: "print-scaling", Default: "auto", Choices: []string{"auto", "fit", "fill", "none"}},
			}},
		},
	}
}

// OnFirstContact registers fn to run once, after the first successful
// refresh. It must be called before the cache is used. Hooks run in their
// own goroutines with the context given to Start, or a context detached
// from the refreshing request when the cache was never started.
func (c *Cache) OnFirstContact(fn func(context.Context)) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hooksMu.Unlock()
}

func (c *Cache) Contacted() bool {
	return c.contacted.Load()
}

// LazyInit refreshes only when CUPS has never been reached.
func (c *Cache) LazyInit(ctx context.Context) error {
	if c.contacted.Load() {
		return nil
	}
	return c.Refresh(ctx, false)
}

// Refresh reloads the printer list. Only one refresh runs at a time; a
// non-forced refresh that waited for another one returns without work.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if !force && c.contacted.Load() {
		return nil
	}

	list, err := c.src.Printers(ctx)
	if err != nil {
		return fmt.Errorf("refresh printers: %w", err)
	}

	c.mu.RLock()
	old := c.printers
	c.mu.RUnlock()

	next := make(map[string]*Printer, len(list))
	for _, cp := range list {
		p := fromAttrs(cp.Attrs)
		if p.Name == "" {
			p.Name = cp.Name
		}
		key := canonicalName(p.Name)
		mergeCommon(p, c.Common)
		if _, seen := old[key]; !seen {
			if c.reg != nil {
				if _, err := c.reg.EnsurePrinter(ctx, key); err != nil {
					c.logger.Warn("register printer", "printer", key, "err", err)
				}
			}
		}
		next[key] = p
	}
	for key := range old {
		if _, ok := next[key]; !ok {
			c.logger.Info("printer removed from cache", "printer", key)
		}
	}

	c.mu.Lock()
	c.printers = next
	c.mu.Unlock()

	if c.contacted.CompareAndSwap(false, true) {
		c.logger.Info("connected to CUPS", "printers", len(next))
		c.hooksMu.Lock()
		hooks := append([]func(context.Context){}, c.hooks...)
		hctx := c.hooksCtx
		c.hooksMu.Unlock()
		if hctx == nil {
			hctx = context.WithoutCancel(ctx)
		}
		for _, fn := range hooks {
			c.hooksWG.Add(1)
			go func(fn func(context.Context)) {
				defer c.hooksWG.Done()
				fn(hctx)
			}(fn)
		}
	}
	return nil
}

func (c *Cache) waitHooks() {
	c.hooksWG.Wait()
}

// Printer returns a copy of the named printer. Lookup ignores case.
func (c *Cache) Printer(name string) (*Printer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.printers[canonicalName(name)]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// Printers returns copies of all printers ordered by name.
func (c *Cache) Printers() []*Printer {
	c.mu.RLock()
	out := make([]*Printer, 0, len(c.printers))
	for _, p := range c.printers {
		out = append(out, p.clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start loads the printer list once and then refreshes it every interval
// until Stop or ctx ends. Neither load blocks the caller.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.hooksMu.Lock()
	c.hooksCtx = ctx
	c.hooksMu.Unlock()
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		if err := c.Refresh(ctx, false); err != nil {
			c.logger.Warn("initial printer refresh failed", "err", err)
		}
		for {
			select {
			case <-ticker.C:
				if err := c.Refresh(ctx, true); err != nil {
					c.logger.Warn("printer refresh failed", "err", err)
				}
			case <-c.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) Stop() {
	if c.stopChan != nil {
		close(c.stopChan)
		<-c.done
		c.stopChan = nil
	}
}
