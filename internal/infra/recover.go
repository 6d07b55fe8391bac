package infra

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f and restarts it after a panic while the panic budget lasts.
// A negative maxPanics means an unlimited budget; exhausting the budget returns an error.
func GoRecoverable(ctx context.Context, maxPanics int, id string, f func(ctx context.Context)) (err error) {
	entry := log.WithField("job", id)
	for {
		panicked, msg, location := runRecovering(ctx, f)
		if !panicked {
			return nil
		}
		entry.WithFields(log.Fields{"panic": msg, "location": location}).Error("job panicked")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if maxPanics == 0 {
			return fmt.Errorf("panics limit exceeded for job %q", id)
		}
		if maxPanics > 0 {
			maxPanics--
			entry.WithField("panics_left", maxPanics).Debug("recovering job")
		} else {
			entry.Debug("recovering job")
		}
	}
}

func runRecovering(ctx context.Context, f func(ctx context.Context)) (panicked bool, msg, location string) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			msg = fmt.Sprint(r)
			location = identifyPanic()
		}
	}()
	f(ctx)
	return false, "", ""
}

func identifyPanic() string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}

	return fmt.Sprintf("pc:%x", pc)
}
