// Package runtime provides panic-recovery helpers for background goroutines.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/douglas-dreer/manager-order/log"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use this in defer statements for handlers and workers
// where a panic must not crash the process.
//
//	func worker(ctx context.Context) {
//	    defer runtime.RecoverAndLog(ctx, logger, "outbox", "publish_cycle")
//	    // ...
//	}
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered, debug.Stack())
	}
}

// SafeGo runs fn in a new goroutine guarded by panic recovery.
func SafeGo(logger log.Logger, component, name string, fn func()) {
	go func() {
		defer RecoverAndLog(context.Background(), logger, component, name)

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("source", name),
		log.String("value", fmt.Sprint(panicValue)),
		log.String("stack_trace", string(stack)),
	)
}
