// Package pages serves web pages generated by scripts under the
// document root. Each request compiles its script from scratch,
// injects the raw request head, binds the native-function table, runs
// the program once and writes the captured output as text/html. The
// per-request model means script edits take effect immediately and no
// state leaks between requests except what scripts store through the
// kv_* functions.
//
// Script errors never reach the client: a compile error produces a
// fixed pointer to the server log, and a runtime error produces an
// empty response. Requests the handler does not serve (unknown
// extensions, missing scripts, disabled engines) fall through to a
// static file server.
package pages
