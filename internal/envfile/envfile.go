// Package envfile reads and writes the .env file of a slot directory.
package envfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Name is the file name inside a slot directory.
const Name = ".env"

// DefaultKeyLimit is the number of keys Keys returns when limit <= 0.
const DefaultKeyLimit = 5

// ErrInvalidKey is returned by Write for keys that are not valid variable names.
var ErrInvalidKey = errors.New("invalid environment variable name")

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Path returns the .env path for dir.
func Path(dir string) string { return filepath.Join(dir, Name) }

// Keys returns the variable names of dir/.env in file order, at most limit.
// Blank lines, comments and lines without '=' are skipped. A missing file
// yields no keys.
func Keys(dir string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultKeyLimit
	}
	f, err := os.Open(Path(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening .env: %w", err)
	}
	defer f.Close()

	var keys []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(keys) < limit {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(strings.TrimPrefix(k, "export "))
		if k != "" {
			keys = append(keys, k)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading .env: %w", err)
	}
	return keys, nil
}

// Read parses dir/.env. A missing file yields an empty map.
func Read(dir string) (map[string]string, error) {
	env, err := godotenv.Read(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("parsing .env: %w", err)
	}
	return env, nil
}

// Write merges values into dir/.env and rewrites it with mode 0600.
func Write(dir string, values map[string]string) error {
	for k := range values {
		if !keyPattern.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
	}
	env, err := Read(dir)
	if err != nil {
		return err
	}
	for k, v := range values {
		env[k] = v
	}
	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding .env: %w", err)
	}
	if err := os.WriteFile(Path(dir), []byte(content+"\n"), 0600); err != nil {
		return fmt.Errorf("writing .env: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(Path(dir), 0600)
}
