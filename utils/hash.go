package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileSHA256 computes the hex SHA-256 digest of a file, reading it in
// 4096-byte chunks so arbitrarily large recordings never load whole.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %v", path, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
