package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motevm/motesym/internal/testutil"
)

func writeArtifact(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func newTestManager(t *testing.T, handler func(Mismatch), dirs ...string) *Manager {
	t.Helper()
	opts := []Option{WithSearchPaths(dirs...)}
	if handler != nil {
		opts = append(opts, WithMismatchHandler(handler))
	}
	return New(testutil.NewTestLogger(t), opts...)
}

func TestDeviceChecksum(t *testing.T) {
	// Standard check value for the reversed 0xEDB88320 generator.
	assert.Equal(t, uint32(0xCBF43926), DeviceChecksum([]byte("123456789")))

	a := DeviceChecksum([]byte("assembly bytes"))
	assert.Equal(t, a, DeviceChecksum([]byte("assembly bytes")), "identical bytes must checksum identically")
	assert.NotEqual(t, a, DeviceChecksum([]byte("assembly bytes!")))
	assert.Zero(t, DeviceChecksum(nil))
}

func TestScanLocalAssemblies(t *testing.T) {
	dir := t.TempDir()
	appBytes := []byte("app binary contents")
	writeArtifact(t, dir, "App.exe", appBytes)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib"), 0o755))
	writeArtifact(t, filepath.Join(dir, "lib"), "Mote.Hardware.dll", []byte("hardware library"))
	writeArtifact(t, dir, "notes.txt", []byte("not an assembly"))

	m := newTestManager(t, nil, dir)
	n, err := m.ScanLocalAssemblies()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	la, ok := m.LocalAssembly("App")
	require.True(t, ok)
	assert.Equal(t, "App.exe", la.FileName)
	assert.Equal(t, DeviceChecksum(appBytes), la.Checksum)
	assert.Equal(t, int64(len(appBytes)), la.Size)
	assert.NotZero(t, la.Fingerprint)

	// The candidate chain resolves device-style names.
	_, ok = m.LocalAssembly("App.exe")
	assert.True(t, ok)
	_, ok = m.LocalAssembly("Mote.Hardware")
	assert.True(t, ok)
	_, ok = m.LocalAssembly("Ghost")
	assert.False(t, ok)

	all := m.LocalAssemblies()
	require.Len(t, all, 2)
	assert.Equal(t, "App", all[0].Name)
	assert.Equal(t, "Mote.Hardware", all[1].Name)
}

func TestScanWithoutSearchPaths(t *testing.T) {
	m := New(testutil.NewTestLogger(t))
	_, err := m.ScanLocalAssemblies()
	assert.Error(t, err)
}

func TestScanMissingDirectory(t *testing.T) {
	m := newTestManager(t, nil, filepath.Join(t.TempDir(), "nope"))
	n, err := m.ScanLocalAssemblies()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMismatchDetection(t *testing.T) {
	dir := t.TempDir()
	appBytes := []byte("current app build")
	staleBytes := []byte("rebuilt since deployment")
	writeArtifact(t, dir, "App.exe", appBytes)
	writeArtifact(t, dir, "Stale.dll", staleBytes)

	var notified []Mismatch
	m := newTestManager(t, func(mm Mismatch) { notified = append(notified, mm) }, dir)

	// Registrations before the first scan are held back.
	m.RegisterDeviceAssembly("App.exe", "1.0.0.0", DeviceChecksum(appBytes), 1)
	m.RegisterDeviceAssembly("Stale", "1.0.0.0", 0xDEADBEEF, 2)
	m.RegisterDeviceAssembly("Ghost", "2.0.0.0", 0x12345678, 3)
	assert.Empty(t, notified)

	_, err := m.ScanLocalAssemblies()
	require.NoError(t, err)

	require.Len(t, notified, 2)
	assert.Equal(t, "Ghost", notified[0].Assembly)
	assert.Equal(t, ReasonNotFound, notified[0].Reason)
	assert.Equal(t, uint32(0x12345678), notified[0].DeviceChecksum)
	assert.Equal(t, uint16(3), notified[0].Index)
	assert.Empty(t, notified[0].Path)

	assert.Equal(t, "Stale", notified[1].Assembly)
	assert.Equal(t, ReasonChecksumMismatch, notified[1].Reason)
	assert.Equal(t, uint32(0xDEADBEEF), notified[1].DeviceChecksum)
	assert.Equal(t, DeviceChecksum(staleBytes), notified[1].LocalChecksum)
	assert.NotEmpty(t, notified[1].Path)

	mismatches := m.Mismatches()
	require.Len(t, mismatches, 2)
	assert.Equal(t, "Ghost", mismatches[0].Assembly)
	assert.Equal(t, "Stale", mismatches[1].Assembly)

	devs := m.DeviceAssemblies()
	require.Len(t, devs, 3)
	assert.Equal(t, "App.exe", devs[0].Name)
}

func TestRegisterAfterScanEvaluatesImmediately(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "App.exe", []byte("app"))

	var notified []Mismatch
	m := newTestManager(t, func(mm Mismatch) { notified = append(notified, mm) }, dir)
	_, err := m.ScanLocalAssemblies()
	require.NoError(t, err)

	m.RegisterDeviceAssembly("Ghost", "1.0.0.0", 1, 4)
	require.Len(t, notified, 1)
	assert.Equal(t, ReasonNotFound, notified[0].Reason)

	// A matching assembly stays quiet.
	m.RegisterDeviceAssembly("App", "1.0.0.0", DeviceChecksum([]byte("app")), 1)
	assert.Len(t, notified, 1)
}

func TestRescanDoesNotRepeatNotifications(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "App.exe", []byte("old build"))

	var notified []Mismatch
	m := newTestManager(t, func(mm Mismatch) { notified = append(notified, mm) }, dir)

	deviceSum := uint32(0x0BADF00D)
	m.RegisterDeviceAssembly("App", "1.0.0.0", deviceSum, 1)
	_, err := m.ScanLocalAssemblies()
	require.NoError(t, err)
	require.Len(t, notified, 1)

	// Unchanged artifacts on rescan re-notify nothing.
	for i := 0; i < 3; i++ {
		_, err = m.ScanLocalAssemblies()
		require.NoError(t, err)
	}
	assert.Len(t, notified, 1)
	assert.Len(t, m.Mismatches(), 1, "the mismatch itself persists")
}

func TestMismatchClearsAndRefires(t *testing.T) {
	dir := t.TempDir()
	oldBytes := []byte("old build")
	newBytes := []byte("new build")
	writeArtifact(t, dir, "App.exe", oldBytes)

	var notified []Mismatch
	m := newTestManager(t, func(mm Mismatch) { notified = append(notified, mm) }, dir)

	// The device runs the new build while the host still has the old one.
	m.RegisterDeviceAssembly("App", "1.0.0.0", DeviceChecksum(newBytes), 1)
	_, err := m.ScanLocalAssemblies()
	require.NoError(t, err)
	require.Len(t, notified, 1)

	// Rebuilding locally restores the match.
	writeArtifact(t, dir, "App.exe", newBytes)
	_, err = m.ScanLocalAssemblies()
	require.NoError(t, err)
	assert.Len(t, notified, 1)
	assert.Empty(t, m.Mismatches())

	// Diverging again reports again.
	writeArtifact(t, dir, "App.exe", []byte("third build"))
	_, err = m.ScanLocalAssemblies()
	require.NoError(t, err)
	require.Len(t, notified, 2)
	assert.Equal(t, ReasonChecksumMismatch, notified[1].Reason)
	assert.Equal(t, DeviceChecksum([]byte("third build")), notified[1].LocalChecksum)
}

func TestZeroChecksumNeverMismatches(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "App.exe", []byte("app"))

	var notified []Mismatch
	m := newTestManager(t, func(mm Mismatch) { notified = append(notified, mm) }, dir)
	_, err := m.ScanLocalAssemblies()
	require.NoError(t, err)

	m.RegisterDeviceAssembly("App", "1.0.0.0", 0, 1)
	assert.Empty(t, notified)
	assert.Empty(t, m.Mismatches())
}

func TestRescanPicksUpChangedArtifact(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "App.exe", []byte("first"))

	m := newTestManager(t, nil, dir)
	_, err := m.ScanLocalAssemblies()
	require.NoError(t, err)
	la, ok := m.LocalAssembly("App")
	require.True(t, ok)
	first := la.Checksum

	writeArtifact(t, dir, "App.exe", []byte("second"))
	n, err := m.ScanLocalAssemblies()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	la, ok = m.LocalAssembly("App")
	require.True(t, ok)
	assert.NotEqual(t, first, la.Checksum)
	assert.Equal(t, DeviceChecksum([]byte("second")), la.Checksum)
}

func TestArtifactNameCollision(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "App.exe", []byte("root copy"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeArtifact(t, filepath.Join(dir, "sub"), "App.dll", []byte("nested copy"))

	m := newTestManager(t, nil, dir)
	n, err := m.ScanLocalAssemblies()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Both trim to the same name; the walk's later entry wins.
	la, ok := m.LocalAssembly("App")
	require.True(t, ok)
	assert.Equal(t, "App.dll", la.FileName)
}
