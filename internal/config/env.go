package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. Missing files are fine.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// DotEnvFor returns the .env candidates for a config path: next to the
// config file first, then the working directory.
func DotEnvFor(configPath string) []string {
	near := filepath.Join(filepath.Dir(configPath), ".env")
	if near == ".env" {
		return []string{near}
	}
	return []string{near, ".env"}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with environment values. A bare
// "$" is left alone so tokens and templates survive untouched.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}
