// Package hostfunc provides the host functions exposed to page scripts.
//
// Page scripts run inside an engine with no implicit access to the server
// process. Every capability a script can reach is a named entry in a
// [Registry] that the page handler binds into the program before it runs.
//
// # Registry
//
// The [Registry] maps names to [Func] implementations. Register custom
// functions or build the standard set with [DefaultTable]:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// # Built-in Capabilities
//
// Key-value store: in-memory state shared across requests via [KV] and
// [KVConfig].
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	registry.Register("kv_get", kv.Get)
//	registry.Register("kv_set", kv.Set)
//
// Server configuration: read-only access to selected settings via
// [NewConfigGet].
//
// HTTP: outbound GET requests via [HTTP] and [HTTPConfig], disabled
// unless hosts are allow-listed.
//
//	h := hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	})
//	registry.Register("http_get", h.Get)
//
// # Security Model
//
// All host functions follow the principle of least privilege:
//   - HTTP requests are limited to explicitly allowed hosts
//   - the key-value store caps key size, value size and entry count
//   - scripts only see configuration keys the server chose to expose
//
// See the pages package for the handler that wires these capabilities
// into every program.
package hostfunc
