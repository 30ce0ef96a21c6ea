package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const tokenFileName = "api.token"

func tokenFilePath(dataDir string) string {
	return filepath.Join(dataDir, tokenFileName)
}

// readToken returns the API token stored in dataDir.
func readToken(dataDir string) (string, error) {
	data, err := os.ReadFile(tokenFilePath(dataDir))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s is empty", tokenFilePath(dataDir))
	}
	return token, nil
}

// ensureToken returns the API token in dataDir, creating one on first use.
func ensureToken(dataDir string) (string, error) {
	token, err := readToken(dataDir)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	token = uuid.NewString()
	if err := os.WriteFile(tokenFilePath(dataDir), []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing API token: %w", err)
	}
	return token, nil
}
