package changesource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/sirupsen/logrus"
)

var ErrNotificationStorm = errors.New("file notification storm")

const (
	defaultPollInterval   = 5 * time.Second
	defaultStormThreshold = 200
	defaultStormCooldown  = 10 * time.Second
)

// Strategy decides when targets may have changed. Watch blocks until ctx
// ends or the strategy can no longer deliver signals.
type Strategy interface {
	Name() string
	Watch(ctx context.Context, paths []string, notify func(path string)) error
}

type PollStrategy struct {
	interval time.Duration
}

func NewPollStrategy(interval time.Duration) *PollStrategy {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &PollStrategy{interval: interval}
}

func (p *PollStrategy) Name() string {
	return constant.WatchModePoll
}

func (p *PollStrategy) Watch(ctx context.Context, paths []string, notify func(path string)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		for _, path := range paths {
			notify(path)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// NotifyStrategy watches the parent directories of the targets so atomic
// rename-into-place writes are seen.
type NotifyStrategy struct {
	stormThreshold int
}

func NewNotifyStrategy(stormThreshold int) *NotifyStrategy {
	if stormThreshold <= 0 {
		stormThreshold = defaultStormThreshold
	}
	return &NotifyStrategy{stormThreshold: stormThreshold}
}

func (n *NotifyStrategy) Name() string {
	return constant.WatchModeNotify
}

func (n *NotifyStrategy) Watch(ctx context.Context, paths []string, notify func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]string, len(paths))
	dirs := make(map[string]struct{})
	for _, path := range paths {
		targets[cleanPath(path)] = path
		dirs[filepath.Dir(cleanPath(path))] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	// Pick up whatever is on disk before the first event.
	for _, path := range paths {
		notify(path)
	}

	windowStart := time.Now()
	events := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			path, ok := targets[cleanPath(event.Name)]
			if !ok {
				continue
			}

			now := time.Now()
			if now.Sub(windowStart) >= time.Second {
				windowStart, events = now, 0
			}
			events++
			if events > n.stormThreshold {
				return fmt.Errorf("%w: more than %d events per second", ErrNotificationStorm, n.stormThreshold)
			}

			notify(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			return fmt.Errorf("file watcher error: %w", err)
		}
	}
}

func cleanPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// AutoStrategy prefers notifications and falls back to polling for a
// cool-down whenever the notifier fails.
type AutoStrategy struct {
	notify   Strategy
	poll     Strategy
	cooldown time.Duration
	log      *logrus.Entry

	mode atomic.Value
}

func NewAutoStrategy(notify, poll Strategy, cooldown time.Duration) *AutoStrategy {
	if cooldown <= 0 {
		cooldown = defaultStormCooldown
	}
	a := &AutoStrategy{
		notify:   notify,
		poll:     poll,
		cooldown: cooldown,
		log:      logrus.WithField("component", "change_source"),
	}
	a.mode.Store(notify.Name())
	return a
}

func (a *AutoStrategy) Name() string {
	return constant.WatchModeAuto
}

// Mode is the strategy currently delivering signals.
func (a *AutoStrategy) Mode() string {
	return a.mode.Load().(string)
}

func (a *AutoStrategy) Watch(ctx context.Context, paths []string, notify func(path string)) error {
	for {
		a.mode.Store(a.notify.Name())
		err := a.notify.Watch(ctx, paths, notify)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("notifier stopped")
		}

		a.log.WithField("cooldown", a.cooldown.String()).Warnf("file notification unavailable, falling back to polling: %v", err)
		a.mode.Store(a.poll.Name())

		pollCtx, cancel := context.WithTimeout(ctx, a.cooldown)
		_ = a.poll.Watch(pollCtx, paths, notify)
		cancel()
		if ctx.Err() != nil {
			return nil
		}

		a.log.Info("retrying file notification")
	}
}

// NewStrategy builds the strategy named by watch mode.
func NewStrategy(mode string, pollInterval time.Duration, stormThreshold int, stormCooldown time.Duration) (Strategy, error) {
	switch mode {
	case constant.WatchModePoll:
		return NewPollStrategy(pollInterval), nil
	case constant.WatchModeNotify:
		return NewNotifyStrategy(stormThreshold), nil
	case "", constant.WatchModeAuto:
		return NewAutoStrategy(NewNotifyStrategy(stormThreshold), NewPollStrategy(pollInterval), stormCooldown), nil
	default:
		return nil, fmt.Errorf("unknown watch mode %q", mode)
	}
}
