package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

var (
	envMu     sync.Mutex
	envLoaded []string
)

// envFileCandidates lists env files in priority order: KAFMESH_ENV_FILE, the
// user config dir, then the mesh home. Earlier files win on conflicts.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("KAFMESH_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		out = append(out, filepath.Join(dir, "kafmesh", "env"))
	}
	if home, err := resolveHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ConfigDir, "env"), filepath.Join(home, ConfigDir, ".env"))
	}
	return out
}

// LoadEnvFiles exports variables from every readable env file candidate.
// Variables already set in the process are left alone. It returns the files
// that were read.
func LoadEnvFiles() []string {
	envMu.Lock()
	defer envMu.Unlock()

	seen := map[string]bool{}
	var loaded []string
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true

		vals, err := godotenv.Read(p)
		if err != nil {
			continue
		}
		for k, v := range vals {
			if _, ok := os.LookupEnv(k); !ok {
				_ = os.Setenv(k, v)
			}
		}
		loaded = append(loaded, p)
	}
	envLoaded = loaded
	return loaded
}

// LoadedEnvFiles returns the files read by the last LoadEnvFiles call.
func LoadedEnvFiles() []string {
	envMu.Lock()
	defer envMu.Unlock()
	return append([]string(nil), envLoaded...)
}
