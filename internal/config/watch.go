package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Tunables holds the subset of configuration that may be changed at
// runtime without restarting the agent. Everything else (PLC address,
// database credentials, machine_id) takes effect only on the next
// startup.
type Tunables struct {
	SyncHZ              float64
	DispatcherPollMS    int64
}

// Watcher reloads Tunables from the config file on write events and
// hands the new value to subscribers. Non-tunable keys changed on disk
// are ignored; the agent keeps running with its original PLC/DB wiring.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	current atomic.Value // holds Tunables

	mu   sync.Mutex
	subs []chan Tunables
}

// WatchTunables starts watching configPath for changes and seeds the
// watcher with the tunables already loaded into cfg. Call Close when
// the agent shuts down.
func WatchTunables(configPath string, cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: configPath, watcher: fw}
	w.current.Store(tunablesFrom(cfg))

	if configPath != "" {
		if err := fw.Add(configPath); err != nil {
			fw.Close()
			return nil, err
		}
	}

	go w.loop()
	return w, nil
}

// Current returns the most recently applied tunables.
func (w *Watcher) Current() Tunables {
	return w.current.Load().(Tunables)
}

// Subscribe returns a channel that receives every reload. The channel
// is buffered; a slow subscriber only ever sees the latest value, never
// a backlog.
func (w *Watcher) Subscribe() <-chan Tunables {
	ch := make(chan Tunables, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Reload errors are non-fatal: the agent keeps running on
			// the last good tunables until the file is fixed.
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		return
	}
	t := tunablesFrom(cfg)
	w.current.Store(t)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		ch <- t
	}
}

func tunablesFrom(cfg *Config) Tunables {
	return Tunables{
		SyncHZ:           cfg.Sync.HZ,
		DispatcherPollMS: cfg.Dispatcher.PollInterval.Milliseconds(),
	}
}
