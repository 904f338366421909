package config

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "autoposter/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

var errWatcherClosed = errors.New("fsnotify watcher closed")

// Watch follows the config file until ctx is done. Each burst of writes
// triggers one reload; a config that fails parsing or admission is logged
// and the current one stays in effect. A failed watcher is recreated.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	d := &debouncer{delay: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer d.stop()

	bo := backoff{min: watchBackoffMin, max: watchBackoffMax}
	for ctx.Err() == nil {
		started, err := m.watchDir(ctx, dir, file, d.trigger)
		if ctx.Err() != nil {
			break
		}
		if started {
			bo.reset()
		}
		wait := bo.next()
		m.logger().Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one fsnotify watcher on dir. started reports whether the
// watcher was up before it failed.
func (m *ConfigManager) watchDir(ctx context.Context, dir, file string, changed func()) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, errors.Wrap(err, "config watch init")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, errors.Wrapf(err, "config watch %s", dir)
	}
	log := m.logger()
	log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				changed()
			}
		case werr, ok := <-w.Errors:
			switch {
			case !ok:
				return true, errWatcherClosed
			case werr == nil:
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				// Events may have been missed.
				log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				changed()
			case errors.Is(werr, fsnotify.ErrClosed):
				return true, werr
			default:
				log.Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
			}
		}
	}
}

// reload parses the file and, if it differs from the current config and
// passes admission, commits and publishes it.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.logger().With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	h := fingerprint(cfg)
	if m.isCurrent(h) {
		log.Debug("config unchanged; skipping publish")
		return
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	err = m.admit(vctx, cfg)
	cancel()
	if err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.String("hash", fmt.Sprintf("%x", h)))
}

// debouncer runs fn once delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// backoff doubles from min to max and adds up to 50% jitter.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) reset() { b.cur = 0 }

func (b *backoff) next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.min
	}
	d := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, b.max)
	return d
}
