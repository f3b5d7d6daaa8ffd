// Package config loads the process-wide immutable configuration (§9) from
// environment variables plus an optional .env file, validating it once at
// startup the way the teacher's main() does.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// validBrowsers lists the browser names yt-dlp's --cookies-from-browser
// accepts (§6).
var validBrowsers = map[string]bool{
	"":         true, // empty means "no browser cookie source"
	"chrome":   true,
	"firefox":  true,
	"safari":   true,
	"edge":     true,
	"chromium": true,
	"opera":    true,
	"brave":    true,
}

// Config is the immutable set of process-wide settings (§6 env vars, §9
// "process-wide state").
type Config struct {
	DBPath             string
	CookiesFromBrowser string
	AuphonicAPIToken   string
	OutputDir          string
	TempDir            string
}

// Load reads .env (if present) then environment variables, validates, and
// creates OutputDir/TempDir if missing. Any failure here is a fatal startup
// error per §7 ("Fatal conditions: ... unwritable output directory").
func Load() (Config, error) {
	// Mirrors the teacher's godotenv.Load() call: best-effort, a missing
	// .env file is not an error.
	_ = godotenv.Load()

	cfg := Config{
		DBPath:             getEnvDefault("DB_PATH", "catalog.db"),
		CookiesFromBrowser: strings.ToLower(strings.TrimSpace(os.Getenv("COOKIES_FROM_BROWSER"))),
		AuphonicAPIToken:   os.Getenv("AUPHONIC_API_TOKEN"),
		OutputDir:          getEnvDefault("OUTPUT_DIR", "output"),
		TempDir:            getEnvDefault("TEMP_DIR", "tmp"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.ensureDirs(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !validBrowsers[c.CookiesFromBrowser] {
		return fmt.Errorf("config: COOKIES_FROM_BROWSER %q is not one of chrome|firefox|safari|edge|chromium|opera|brave", c.CookiesFromBrowser)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("config: DB_PATH must not be empty")
	}
	return nil
}

func (c Config) ensureDirs() error {
	for _, dir := range []string{c.OutputDir, c.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
