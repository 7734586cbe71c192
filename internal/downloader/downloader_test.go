// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloadIfMissing(t *testing.T) {
	content := []byte("cifar batches")
	hash := sha256.Sum256(content)
	checkHash := hex.EncodeToString(hash[:])

	var numRequests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests.Add(1)
		if r.URL.Path != "/data.bin" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	filePath := path.Join(t.TempDir(), "sub", "data.bin")
	require.NoError(t, DownloadIfMissing(server.URL+"/data.bin", filePath, checkHash))
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, int32(1), numRequests.Load())

	// Second time it is not downloaded again.
	require.NoError(t, DownloadIfMissing(server.URL+"/data.bin", filePath, checkHash))
	require.Equal(t, int32(1), numRequests.Load())

	// Wrong checksum.
	require.Error(t, DownloadIfMissing(server.URL+"/data.bin", filePath, "00"+checkHash[2:]))

	// Missing file on the server.
	_, err = Download(server.URL+"/missing.bin", path.Join(t.TempDir(), "missing.bin"), false)
	require.Error(t, err)
}

func TestValidateChecksum(t *testing.T) {
	filePath := path.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(filePath, nil, 0644))
	// SHA256 of the empty input.
	require.NoError(t, ValidateChecksum(filePath, "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"))
	require.Error(t, ValidateChecksum(filePath, "e3b0"))
	require.Error(t, ValidateChecksum(path.Join(t.TempDir(), "does_not_exist"), "e3b0"))
}
