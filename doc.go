// Package pagevm serves web pages whose content is generated by scripts:
// PHP run through a WASI interpreter, JavaScript on QuickJS, and Starlark.
//
// # Overview
//
// Every request compiles its script from scratch, runs it once, and throws
// the program away. Nothing is cached between requests, so editing a page
// on disk changes the next response. Script errors never reach the client:
// a script that does not compile gets a fixed error page pointing at the
// server log, and a script that fails while running produces an empty page.
//
// # Basic Usage
//
//	cfg := pages.Default()
//	cfg.Webroot = "/var/www/html"
//
//	engines := engine.NewRegistry()
//	engines.Add(starlark.New())
//	engines.Add(quickjs.New())
//
//	handler := pages.New(cfg, engines)
//	http.ListenAndServe(cfg.Listen, handler)
//
// # Page Functions
//
// Scripts call back into the server through a table of native functions
// (kv_get, kv_set, kv_delete, kv_keys, time_now, config_get) fixed at
// startup. The key-value store is shared, so pages can pass state to
// later requests. Outbound HTTP via http_get stays off unless hosts are
// allow-listed in the configuration.
//
// See the [pages], [engine], and [hostfunc] packages for detailed API
// documentation.
package pagevm
