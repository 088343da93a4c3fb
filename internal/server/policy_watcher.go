package server

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses bursts of editor writes into one reload.
const reloadDebounce = 500 * time.Millisecond

// PolicyWatcher watches the policy file for changes and triggers hot-reload.
type PolicyWatcher struct {
	policyPath string
	policy     *PolicyEngine
	watcher    *fsnotify.Watcher
	logger     *log.Logger

	mu       sync.RWMutex
	onReload []func(*PolicyEngine)

	timerMu sync.Mutex
	timer   *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup // pending reload timers
}

// NewPolicyWatcher creates a new policy file watcher.
func NewPolicyWatcher(policyPath string, policy *PolicyEngine, logger *log.Logger) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if abs, err := filepath.Abs(policyPath); err == nil {
		policyPath = abs
	}

	return &PolicyWatcher{
		policyPath: policyPath,
		policy:     policy,
		watcher:    watcher,
		logger:     logger,
	}, nil
}

// Start begins watching the policy file. The directory is watched rather
// than the file so that editors which replace the file by rename are seen.
func (pw *PolicyWatcher) Start(ctx context.Context) error {
	pw.ctx, pw.cancel = context.WithCancel(ctx)

	dir := filepath.Dir(pw.policyPath)
	if err := pw.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch policy directory: %w", err)
	}
	pw.logger.Printf("watching %s for policy changes", pw.policyPath)

	pw.loopDone = make(chan struct{})
	go func() {
		defer close(pw.loopDone)
		pw.watchLoop()
	}()

	return nil
}

// Stop shuts the watcher down and waits for a pending reload to finish.
func (pw *PolicyWatcher) Stop() error {
	if pw.cancel != nil {
		pw.cancel()
	}
	err := pw.watcher.Close()
	if pw.loopDone != nil {
		<-pw.loopDone
	}

	pw.timerMu.Lock()
	if pw.timer != nil && pw.timer.Stop() {
		pw.wg.Done()
	}
	pw.timer = nil
	pw.timerMu.Unlock()

	pw.wg.Wait()
	return err
}

// OnReload registers a callback to be invoked when the policy is reloaded.
func (pw *PolicyWatcher) OnReload(callback func(*PolicyEngine)) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.onReload = append(pw.onReload, callback)
}

// watchLoop processes file system events.
func (pw *PolicyWatcher) watchLoop() {
	for {
		select {
		case <-pw.ctx.Done():
			return

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.policyPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pw.logger.Printf("detected policy file change: %s", event.Op)
				pw.schedule()
			}

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Printf("watcher error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer. Each armed timer holds a wait
// group slot until it fires or is stopped.
func (pw *PolicyWatcher) schedule() {
	pw.timerMu.Lock()
	defer pw.timerMu.Unlock()

	if pw.timer != nil && pw.timer.Stop() {
		pw.wg.Done()
	}
	pw.wg.Add(1)
	pw.timer = time.AfterFunc(reloadDebounce, func() {
		defer pw.wg.Done()
		if pw.ctx.Err() != nil {
			return
		}
		if err := pw.handlePolicyChange(); err != nil {
			pw.logger.Printf("error handling policy change: %v (keeping previous policy)", err)
		}
	})
}

// handlePolicyChange reloads the policy.
func (pw *PolicyWatcher) handlePolicyChange() error {
	newPolicy, err := LoadPolicy(pw.policyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	pw.mu.Lock()
	pw.policy = newPolicy
	callbacks := make([]func(*PolicyEngine), len(pw.onReload))
	copy(callbacks, pw.onReload)
	pw.mu.Unlock()

	pw.logger.Printf("policy reloaded from %s", pw.policyPath)

	for _, callback := range callbacks {
		callback(newPolicy)
	}

	return nil
}

// GetPolicy returns the current policy (thread-safe).
func (pw *PolicyWatcher) GetPolicy() *PolicyEngine {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.policy
}
