// Package dotenv locates and loads .env files. Variables already present in
// the environment are never overridden.
package dotenv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadFile loads path. A missing file is not an error.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// Find walks up from start, at most maxLevels parents, and returns the
// first .env file it sees.
func Find(start string, maxLevels int) (string, bool) {
	dir := start
	for i := 0; i <= maxLevels; i++ {
		p := filepath.Join(dir, ".env")
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// LoadNearest loads the .env file Find returns for the working directory.
// It returns the loaded path, or "" when there was none.
func LoadNearest(maxLevels int) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	p, ok := Find(cwd, maxLevels)
	if !ok {
		return "", nil
	}
	return p, LoadFile(p)
}
