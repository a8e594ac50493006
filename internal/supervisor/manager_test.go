// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Descriptors(t *testing.T) {
	m := NewManager("", "", "", "", 5*time.Second, time.Second)

	status := m.Status()
	require.Contains(t, status, "tagger")
	require.Contains(t, status, "wsd")
	assert.Equal(t, 1795, status["tagger"].Port)
	assert.Equal(t, 5554, status["wsd"].Port)
	assert.Equal(t, StateStopped, status["tagger"].State)
}

func TestFindJava_FallsBackWhenNothingResolves(t *testing.T) {
	m := &Manager{JavaHome: filepath.Join(t.TempDir(), "does-not-exist")}
	path := m.findJava()
	assert.NotEmpty(t, path)
}

func TestFindJava_UsesJavaHome(t *testing.T) {
	home := t.TempDir()
	binDir := filepath.Join(home, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	fakeJava := filepath.Join(binDir, "java")
	require.NoError(t, os.WriteFile(fakeJava, []byte("#!/bin/sh\n"), 0o755))

	m := &Manager{JavaHome: home}
	assert.Equal(t, fakeJava, m.findJava())
}

func TestPatchScript_RewritesBasedirAndJava(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "skrmedpostctl")
	original := "#!/bin/sh\nBASEDIR=/opt/old/public_mm\nJAVA=/opt/old/java\necho hi\n"
	require.NoError(t, os.WriteFile(script, []byte(original), 0o755))

	m := &Manager{ScriptsDir: dir, PublicMMDir: "/opt/new/public_mm", javaPath: "/opt/new/java"}
	m.patchScript(script)

	patched, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Contains(t, string(patched), "BASEDIR=/opt/new/public_mm")
	assert.Contains(t, string(patched), "JAVA=/opt/new/java")
	assert.Contains(t, string(patched), "echo hi")
}

func TestCheckPortWithRetry(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	assert.True(t, checkPortWithRetry(port, 1, 0))

	require.NoError(t, l.Close())
	assert.False(t, checkPortWithRetry(port, 2, 10*time.Millisecond))
}

func TestManager_IsRunning_UnknownService(t *testing.T) {
	m := NewManager("", "", "", "", time.Second, time.Second)
	assert.False(t, m.IsRunning("nonexistent"))
}

func TestLogDir_KnownServices(t *testing.T) {
	m := &Manager{PublicMMDir: "/opt/public_mm"}
	assert.Equal(t, filepath.Join("/opt/public_mm", "MedPost-SKR", "Tagger_server", "log"), m.logDir("tagger"))
	assert.Equal(t, filepath.Join("/opt/public_mm", "WSD_Server", "log"), m.logDir("wsd"))
	assert.Empty(t, m.logDir("unknown"))
}

func TestPidFilePath_KnownAndUnknownServices(t *testing.T) {
	m := &Manager{PublicMMDir: "/opt/public_mm"}
	assert.Equal(t, filepath.Join("/opt/public_mm", "WSD_Server", "log", "pid"), m.pidFilePath("wsd"))
	assert.Empty(t, m.pidFilePath("unknown"))
}

