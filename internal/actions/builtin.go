package actions

import (
	"blockci/internal/cache"
)

// Builtin returns a registry holding checkout, setup-runtime, cache and
// coverage-upload. store may be nil to disable caching.
func Builtin(store cache.Store) *Registry {
	r := NewRegistry()
	r.Register("checkout", Checkout{})
	r.Register("setup-runtime", SetupRuntime{})
	r.Register("cache", &Cache{Store: store})
	r.Register("coverage-upload", &CoverageUpload{Uploader: HTTPUploader{}})
	return r
}
