package worker

import "companionchat/internal/logger"

var log = logger.Component("worker")

// debugLog traces scheduling decisions; enable with LOG_LEVEL=debug.
func debugLog(format string, args ...interface{}) {
	log.Debugf(format, args...)
}
