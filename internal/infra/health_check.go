package infra

import (
	"context"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	checkExecInterval = 5 * time.Second
)

// ExecutableWatcher calls onChange once when the running binary is replaced on disk,
// which lets a supervisor restart the process after an upgrade.
type ExecutableWatcher struct {
	interval time.Duration
	onChange func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutableWatcher(onChange func()) *ExecutableWatcher {
	return &ExecutableWatcher{interval: checkExecInterval, onChange: onChange}
}

func (w *ExecutableWatcher) Start(ctx context.Context) error {
	exeFilename, err := os.Executable()
	if err != nil {
		log.WithError(err).Warn("cant resolve executable path for monitor")
		return nil
	}
	stat, err := os.Stat(exeFilename)
	if err != nil {
		log.WithError(err).Warn("cant stat executable for monitor")
		return nil
	}
	originalTime := stat.ModTime()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				stat, err := os.Stat(exeFilename)
				if err != nil {
					log.WithError(err).Warn("cant stat executable for monitor tick")
					continue
				}
				if !originalTime.Equal(stat.ModTime()) {
					log.WithField("executable", exeFilename).Warn("executable file was modified")
					if w.onChange != nil {
						w.onChange()
					}
					return
				}
			}
		}
	}()
	return nil
}

func (w *ExecutableWatcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
