package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var baseDir = "./data/archive"

// SaveMessage stores the message exactly as transmitted, for inspection.
func SaveMessage(id string, data []byte) error {
	dir, safeID, err := prepare(id)
	if err != nil {
		return err
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s.eml", safeID))
	payload := append([]byte(nil), data...)
	return os.WriteFile(filename, payload, 0o600)
}

// SaveReport stores v as indented JSON next to the archived message.
func SaveReport(id string, v any) error {
	dir, safeID, err := prepare(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s.json", safeID))
	return os.WriteFile(filename, append(data, '\n'), 0o600)
}

// SetBaseDir allows overriding the storage location (useful for tests or configuration).
func SetBaseDir(dir string) {
	baseDir = dir
}

func prepare(id string) (string, string, error) {
	safeID, err := sanitizeComponent(id)
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(baseDir, time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	return dir, safeID, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty identifier")
	}
	return v, nil
}
