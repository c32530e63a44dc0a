package hostfunc

import (
	"context"
	"errors"
	"time"
)

// TableConfig selects the capabilities exposed to page scripts.
type TableConfig struct {
	// Config holds read-only server settings served by config_get.
	Config map[string]string

	KV KVConfig

	// HTTP controls http_get, which is only registered when
	// AllowedHosts is non-empty.
	HTTP HTTPConfig
}

// DefaultTable builds the registry bound into every page program. The
// kv_* functions share one store, so values written while serving one
// request are visible to later requests.
func DefaultTable(cfg TableConfig) *Registry {
	r := NewRegistry()

	kv := NewKV(cfg.KV)
	r.Register("kv_get", kv.Get)
	r.Register("kv_set", kv.Set)
	r.Register("kv_delete", kv.Delete)
	r.Register("kv_keys", kv.Keys)

	r.Register("time_now", TimeNow)
	r.Register("config_get", NewConfigGet(cfg.Config))

	if len(cfg.HTTP.AllowedHosts) > 0 {
		r.Register("http_get", NewHTTP(cfg.HTTP).Get)
	}

	return r
}

// TimeNow reports the host clock as unix seconds and RFC 3339 text.
func TimeNow(ctx context.Context, args map[string]any) (any, error) {
	now := time.Now()
	return map[string]any{
		"unix": now.Unix(),
		"iso":  now.Format(time.RFC3339),
	}, nil
}

// NewConfigGet serves values from the server configuration. Unknown
// keys yield nil rather than an error.
func NewConfigGet(values map[string]string) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		key, ok := args["key"].(string)
		if !ok || key == "" {
			return nil, errors.New("key required")
		}
		val, ok := values[key]
		if !ok {
			return nil, nil
		}
		return val, nil
	}
}
