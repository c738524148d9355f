package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

const (
	// EnvConfigOverride points at an explicit config file and wins over
	// all discovery locations.
	EnvConfigOverride = "AGENT_BRAIN_CONFIG"

	// ConfigFileName is the config file name searched in each location.
	ConfigFileName = "agent-brain.yaml"
)

// projectMarkers identify a project root during the walk-up search.
var projectMarkers = []string{".git", "go.mod", "pyproject.toml", "package.json"}

// Load discovers, parses, and validates configuration. Discovery order:
// explicit env override, state directory, CWD, walk-up to a project-marker
// directory, user home, XDG config. First hit wins; when nothing is found
// the built-in defaults are used. A .env file in the CWD is loaded first so
// provider API keys resolve.
func Load() (*Config, []Warning, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()
	var warnings []Warning

	path, err := discover(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, aberrors.Wrapf(aberrors.KindConfiguration, err, "read config %s", path)
		}
		w, err := Parse(data, path, &cfg)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, w...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, warnings, err
	}
	if cfg.StrictMode && len(warnings) > 0 {
		return nil, warnings, aberrors.Newf(aberrors.KindConfiguration,
			"strict_mode: %d configuration warning(s) promoted to errors", len(warnings)).
			WithDetail("first_warning", warnings[0].String())
	}
	return &cfg, warnings, nil
}

// discover returns the first existing config file path, or "" for defaults.
func discover(stateDir string) (string, error) {
	if explicit := os.Getenv(EnvConfigOverride); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", aberrors.Wrapf(aberrors.KindConfiguration, err,
				"%s points at %s", EnvConfigOverride, explicit)
		}
		return explicit, nil
	}

	var candidates []string
	candidates = append(candidates, filepath.Join(stateDir, ConfigFileName))

	cwd, err := os.Getwd()
	if err == nil {
		candidates = append(candidates, filepath.Join(cwd, ConfigFileName))
		if root := findProjectRoot(cwd); root != "" && root != cwd {
			candidates = append(candidates, filepath.Join(root, ConfigFileName))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ConfigFileName))
	}
	if xdg, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(xdg, "agent-brain", ConfigFileName))
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

// findProjectRoot walks up from dir looking for a project marker.
func findProjectRoot(dir string) string {
	for {
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
