package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/ledgerchat/config"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// logFilePath returns the configured log file, or <logs>/<name>.log.
func logFilePath(cfg *config.Config) string {
	if cfg.Log.File != "" {
		return expandHome(cfg.Log.File)
	}
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, cfg.Name)
	return filepath.Join(cfg.LogsDir(), name+".log")
}
