package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motevm/motesym/pkg/inventory"
)

const testCrossRef = `<PdbxFile>
  <Assembly>
    <Token><CLR>0x2f7e0c11</CLR><Mote>0x00a81d42</Mote></Token>
    <FileName>App.exe</FileName>
    <Version>1.0.0.0</Version>
    <Classes>
      <Class>
        <Token><CLR>0x02000002</CLR><Mote>0x4</Mote></Token>
        <Methods>
          <Method>
            <Token><CLR>0x06000001</CLR><Mote>0x06000001</Mote></Token>
            <HasByteCode>true</HasByteCode>
            <ILMap>
              <IL><CLR>0x0</CLR><Mote>0x0</Mote></IL>
              <IL><CLR>0x5</CLR><Mote>0x5</Mote></IL>
            </ILMap>
          </Method>
        </Methods>
      </Class>
    </Classes>
  </Assembly>
</PdbxFile>`

// isolate keeps command runs away from the user's real config.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("MOTESYM_CONFIG", t.TempDir())
	t.Setenv("MOTESYM_LOG_LEVEL", "error")
}

func writeTestCrossRef(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "App.pdbx")
	require.NoError(t, os.WriteFile(path, []byte(testCrossRef), 0o644))
	return path
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestInspectCommand(t *testing.T) {
	isolate(t)
	path := writeTestCrossRef(t, t.TempDir())

	out, err := runCommand(t, newInspectCmd(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "Assembly: App (version 1.0.0.0)")
	assert.Contains(t, out, "0x06000001")
	assert.Contains(t, out, "bytecode")

	out, err = runCommand(t, newInspectCmd(), path, "--maps")
	require.NoError(t, err)
	assert.Contains(t, out, "CIL 0x0005 -> device 0x0005")
}

func TestInspectCommand_JSON(t *testing.T) {
	isolate(t)
	path := writeTestCrossRef(t, t.TempDir())

	out, err := runCommand(t, newInspectCmd(), path, "--format", "json")
	require.NoError(t, err)

	var report inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "App", report.Assembly)
	assert.Equal(t, "0x2f7e0c11", report.Token)
	require.Len(t, report.Methods, 1)
	assert.Equal(t, 2, report.Methods[0].MapEntries)
}

func TestInspectCommand_MissingFile(t *testing.T) {
	isolate(t)
	_, err := runCommand(t, newInspectCmd(), filepath.Join(t.TempDir(), "nope.pdbx"))
	assert.Error(t, err)
}

func TestSymbolsCommand(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeTestCrossRef(t, dir)

	// No .pdb alongside: the assembly loads with offset maps only.
	out, err := runCommand(t, newSymbolsCmd(), dir)
	require.NoError(t, err)
	assert.Contains(t, out, "App")
	assert.Contains(t, out, "no")
	assert.Contains(t, out, "ASSEMBLY")
}

func TestSymbolsCommand_EmptyDirectory(t *testing.T) {
	isolate(t)
	out, err := runCommand(t, newSymbolsCmd(), t.TempDir())
	require.NoError(t, err)
	assert.NotContains(t, out, "ASSEMBLY")
}

func TestBreakpointCommand_NoCrossRefs(t *testing.T) {
	isolate(t)
	_, err := runCommand(t, newBreakpointCmd(), t.TempDir(), "--file", "Program.cs", "--line", "20")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cross-reference files")
}

func TestBreakpointCommand_NoCode(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeTestCrossRef(t, dir)

	// Offset maps load, but without symbols no line information exists.
	_, err := runCommand(t, newBreakpointCmd(), dir, "--file", "Program.cs", "--line", "20")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executable code")
}

func TestScanCommand(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	appBytes := []byte("app build output")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "App.exe"), appBytes, 0o644))

	out, err := runCommand(t, newScanCmd(), "--search-path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "App")
	assert.Contains(t, out, fmt.Sprintf("0x%08x", inventory.DeviceChecksum(appBytes)))
}

func TestScanCommand_ManifestMismatch(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "App.exe"), []byte("app build output"), 0o644))

	manifest := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`assemblies:
  - name: App.exe
    version: "1.0.0.0"
    checksum: "0xdeadbeef"
    index: 1
  - name: Ghost
    version: "2.0.0.0"
    checksum: "0x12345678"
    index: 2
`), 0o644))

	out, err := runCommand(t, newScanCmd(), "--search-path", dir, "--manifest", manifest)
	require.NoError(t, err)
	assert.Contains(t, out, "checksum-mismatch")
	assert.Contains(t, out, "not-found")
	assert.Contains(t, out, "0xdeadbeef")
}

func TestScanCommand_ManifestMatch(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	appBytes := []byte("app build output")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "App.exe"), appBytes, 0o644))

	manifest := filepath.Join(t.TempDir(), "device.yaml")
	content := fmt.Sprintf(`assemblies:
  - name: App.exe
    version: "1.0.0.0"
    checksum: "0x%08x"
    index: 1
`, inventory.DeviceChecksum(appBytes))
	require.NoError(t, os.WriteFile(manifest, []byte(content), 0o644))

	out, err := runCommand(t, newScanCmd(), "--search-path", dir, "--manifest", manifest)
	require.NoError(t, err)
	assert.Contains(t, out, "All device assemblies match local artifacts.")
}

func TestScanCommand_JSON(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "App.exe"), []byte("app build output"), 0o644))

	out, err := runCommand(t, newScanCmd(), "--search-path", dir, "--format", "json")
	require.NoError(t, err)

	var report scanReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Artifacts, 1)
	assert.Equal(t, "App", report.Artifacts[0].Assembly)
	assert.Empty(t, report.Mismatches)
}

func TestScanCommand_NoSearchPaths(t *testing.T) {
	isolate(t)
	_, err := runCommand(t, newScanCmd())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no search paths")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, newVersionCmd())
	require.NoError(t, err)
	assert.Contains(t, out, "Motesym version")
}

func TestParseChecksum(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0x1c2f00ba", 0x1c2f00ba, false},
		{"0XDEADBEEF", 0xdeadbeef, false},
		{"4096", 4096, false},
		{"", 0, false},
		{"0x1ffffffff", 0, true},
		{"junk", 0, true},
	}

	for _, tt := range tests {
		got, err := parseChecksum(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
