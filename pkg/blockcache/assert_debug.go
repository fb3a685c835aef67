//go:build xcache_debug

package blockcache

func panicOnDebug(msg string) {
	panic("blockcache: " + msg)
}
