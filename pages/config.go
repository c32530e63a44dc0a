package pages

import (
	"encoding/json"
	"os"
	"time"
)

// Default returns the stock configuration for a standard install.
func Default() Config {
	return Config{
		Listen:     ":8080",
		Webroot:    "/var/www/html",
		Webhome:    "/admin/",
		LogFile:    "/var/log/pagevm.log",
		PHPRuntime: "/usr/share/pagevm/php-cgi.wasm",
	}
}

// Config holds the server configuration. Defaults come from Default;
// a JSON config file and command-line flags override them.
type Config struct {
	Listen  string `json:"listen"`
	Webroot string `json:"webroot"`
	// Webhome is the admin interface subpath under Webroot, kept with
	// whatever slashes the user configured. Include paths derive from
	// it by plain concatenation.
	Webhome string `json:"webhome"`
	// LogFile is where the server log goes. Its path also appears in
	// the compilation-error page so users know where to look.
	LogFile string `json:"logFile"`
	Debug   bool   `json:"debug"`

	// PHPRuntime locates the php-cgi interpreter compiled to WASI. A
	// missing file disables the PHP engine rather than failing startup.
	PHPRuntime string `json:"phpRuntime"`
	// CacheDir persists the compiled interpreter across restarts.
	CacheDir string `json:"cacheDir"`

	// TimeoutSec bounds each page execution. 0 lets pages run to
	// completion.
	TimeoutSec int           `json:"timeoutSec"`
	Timeout    time.Duration `json:"-"`

	// AllowHosts enables the http_get page function for the listed
	// hosts. Empty leaves outbound HTTP off.
	AllowHosts []string `json:"allowHosts"`
	// Expose lists server settings readable by pages via config_get.
	Expose map[string]string `json:"expose"`
}

// Load reads a JSON config file over the defaults. A missing file is
// fine; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, nil
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	return cfg, nil
}
