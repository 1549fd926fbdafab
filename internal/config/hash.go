package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteChecksum writes the config file's BLAKE3 hash next to it.
func WriteChecksum(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(checksumPath(configPath), []byte(hash+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}
	return hash, nil
}

// verifyChecksumIfPresent checks the config file against its sidecar checksum.
// A missing sidecar is not an error; verification is opt-in.
func verifyChecksumIfPresent(configPath string) error {
	data, err := os.ReadFile(checksumPath(configPath))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checksum: %w", err)
	}

	expected := string(data)
	for len(expected) > 0 && (expected[len(expected)-1] == '\n' || expected[len(expected)-1] == '\r') {
		expected = expected[:len(expected)-1]
	}
	if err := VerifyFileHash(configPath, expected); err != nil {
		return fmt.Errorf("config integrity check failed: %w", err)
	}
	return nil
}

func checksumPath(configPath string) string {
	return configPath + ".b3sum"
}
