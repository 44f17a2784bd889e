package aggregator

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/infra/config"
)

type fixedDirs struct{ base string }

func (f fixedDirs) SessionDir(sessionID string) string {
	return filepath.Join(f.base, sessionID)
}

func aggLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (*Server, string, string) {
	t.Helper()
	base := t.TempDir()
	cfg := config.AggregatorConfig{ListenAddr: "127.0.0.1:0", AcceptTimeout: 100, ReadTimeoutSec: 5}
	srv := NewServer(cfg, fixedDirs{base: base}, nil, nil, aggLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, srv.Addr().String(), base
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func upload(t *testing.T, addr string, hdr transferHeader, body []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	line, err := json.Marshal(hdr)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}

func TestUploadUnpacksArchive(t *testing.T) {
	_, addr, base := startServer(t)

	archive := buildZip(t, map[string]string{
		"video.h264":              "frames",
		"telemetry/imu.csv":       "t,ax,ay,az",
		"telemetry/metadata.json": "{}",
	})
	hdr := transferHeader{
		SessionID: "1717230000_run",
		DeviceID:  "cam-1",
		Filename:  "upload.zip",
		Size:      int64(len(archive)),
	}
	upload(t, addr, hdr, archive)

	devDir := filepath.Join(base, "1717230000_run", "cam-1")
	waitForFile(t, filepath.Join(devDir, "telemetry", "imu.csv"))

	got, err := os.ReadFile(filepath.Join(devDir, "video.h264"))
	require.NoError(t, err)
	require.Equal(t, "frames", string(got))

	// The archive itself is cleaned up after a successful unpack.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(devDir, "upload.zip"))
		return os.IsNotExist(err)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUploadWithoutDeclaredSize(t *testing.T) {
	_, addr, base := startServer(t)

	archive := buildZip(t, map[string]string{"a.txt": "hello"})
	hdr := transferHeader{SessionID: "s1", DeviceID: "cam-2", Filename: "u.zip"}
	upload(t, addr, hdr, archive) // connection close marks the end

	waitForFile(t, filepath.Join(base, "s1", "cam-2", "a.txt"))
}

func TestCorruptArchiveKeptAndServerSurvives(t *testing.T) {
	_, addr, base := startServer(t)

	junk := []byte("this is not a zip file")
	hdr := transferHeader{SessionID: "s1", DeviceID: "cam-1", Filename: "bad.zip", Size: int64(len(junk))}
	upload(t, addr, hdr, junk)

	// The corrupt archive stays on disk for manual recovery.
	waitForFile(t, filepath.Join(base, "s1", "cam-1", "bad.zip"))

	// And the server still accepts the next upload.
	archive := buildZip(t, map[string]string{"ok.txt": "fine"})
	upload(t, addr, transferHeader{SessionID: "s1", DeviceID: "cam-2", Filename: "good.zip", Size: int64(len(archive))}, archive)
	waitForFile(t, filepath.Join(base, "s1", "cam-2", "ok.txt"))
}

func TestShortReadDiscardsPartial(t *testing.T) {
	_, addr, base := startServer(t)

	archive := buildZip(t, map[string]string{"a.txt": "hello"})
	hdr := transferHeader{
		SessionID: "s1", DeviceID: "cam-1", Filename: "u.zip",
		Size: int64(len(archive)) + 1000, // declare more than we send
	}
	upload(t, addr, hdr, archive)

	// The partial file is removed; nothing appears in the device dir.
	devDir := filepath.Join(base, "s1", "cam-1")
	require.Never(t, func() bool {
		_, err := os.Stat(filepath.Join(devDir, "a.txt"))
		return err == nil
	}, 500*time.Millisecond, 50*time.Millisecond)
	_, err := os.Stat(filepath.Join(devDir, "u.zip"))
	require.True(t, os.IsNotExist(err))
}

func TestTraversalHeaderRejected(t *testing.T) {
	_, addr, base := startServer(t)

	archive := buildZip(t, map[string]string{"a.txt": "x"})
	bad := []transferHeader{
		{SessionID: "../escape", DeviceID: "cam-1", Filename: "u.zip"},
		{SessionID: "s1", DeviceID: "../..", Filename: "u.zip"},
		{SessionID: "s1", DeviceID: "cam-1", Filename: "../../u.zip"},
		{SessionID: "s1", DeviceID: "", Filename: "u.zip"},
	}
	for _, hdr := range bad {
		upload(t, addr, hdr, archive)
	}

	time.Sleep(300 * time.Millisecond)
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Empty(t, entries, "a traversal header created a directory")
}

func TestZipSlipEntryRejected(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../outside.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	archive := filepath.Join(dir, "slip.zip")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0644))

	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.MkdirAll(dest, 0755))
	err = Unpack(archive, dest)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "outside.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestStopIdempotent(t *testing.T) {
	srv, _, _ := startServer(t)
	srv.Stop()
	srv.Stop()
}
