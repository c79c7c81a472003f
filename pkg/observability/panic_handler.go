package observability

import "runtime/debug"

// RecoverPanic logs a recovered panic with its stack and swallows it. Meant
// for defer at the top of scheduled jobs and other detached work, where one
// bad sweep must not take the whole process down:
//
//	defer observability.RecoverPanic(logger, "renewal sweep")
//
// The panic is not re-raised, so anything the panicking code half-did stays
// half-done. Steps needing atomicity guard it themselves.
func RecoverPanic(logger *Logger, task string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic": r,
			"task":  task,
			"stack": string(debug.Stack()),
		}).Error("panic recovered")
	}
}
