package blockcache

// assertInvariant checks a condition that should be impossible to violate if
// the rest of the engine is correct (slot accounting, bitmap invariants,
// etc). In debug builds (-tags xcache_debug) a violation panics immediately.
// In release builds it only logs — the caller is still responsible for
// latching the engine-wide failure if the violation is not locally
// recoverable.
func assertInvariant(logger interface {
	Error(string, ...map[string]interface{})
}, cond bool, msg string, fields map[string]interface{}) {
	if cond {
		return
	}
	if logger != nil {
		logger.Error("internal invariant violated: "+msg, fields)
	}
	panicOnDebug(msg)
}
