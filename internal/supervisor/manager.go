// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/portguard"
)

// ServiceState is one node in a service's stopped -> starting -> running
// -> stopping -> stopped lifecycle, with a terminal failed state.
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateFailed   ServiceState = "failed"
)

// ServiceDescriptor is the on-disk/in-memory record of one backend service.
type ServiceDescriptor struct {
	Name                string
	Port                int
	PID                 int
	ExpectedBinaryName  string
	State               ServiceState
	LastProbeResult     bool
	ConsecutiveFailures int
}

// commonJavaPaths mirrors manager.py's _find_java fallback list.
var commonJavaPaths = []string{
	"/usr/bin/java",
	"/usr/local/bin/java",
	"/opt/java/bin/java",
	"/usr/lib/jvm/default/bin/java",
	"/usr/lib/jvm/java-11-openjdk-amd64/bin/java",
	"/usr/lib/jvm/java-8-openjdk-amd64/bin/java",
}

var basedirPattern = regexp.MustCompile(`(?m)^BASEDIR=.*$`)
var javaPattern = regexp.MustCompile(`(?m)^JAVA=.*$`)

// Manager owns the two required backend Service Descriptors and their
// start/stop/restart protocol.
type Manager struct {
	mu sync.RWMutex

	ScriptsDir    string
	PublicMMDir   string
	BinaryPath    string
	JavaHome      string
	StartTimeout  time.Duration
	RestartCooldown time.Duration

	javaPath string
	guard    *portguard.Guard

	descriptors map[string]*ServiceDescriptor
}

// NewManager constructs a Manager and resolves the JVM binary to use for
// launching the tagger and WSD services directly.
func NewManager(scriptsDir, publicMMDir, binaryPath, javaHome string, startTimeout, restartCooldown time.Duration) *Manager {
	m := &Manager{
		ScriptsDir:      scriptsDir,
		PublicMMDir:     publicMMDir,
		BinaryPath:      binaryPath,
		JavaHome:        javaHome,
		StartTimeout:    startTimeout,
		RestartCooldown: restartCooldown,
		guard:           portguard.New(),
		descriptors: map[string]*ServiceDescriptor{
			"tagger": {Name: "tagger", Port: 1795, ExpectedBinaryName: "taggerServer", State: StateStopped},
			"wsd":    {Name: "wsd", Port: 5554, ExpectedBinaryName: "DisambiguatorServer", State: StateStopped},
		},
	}
	m.javaPath = m.findJava()
	m.patchControlScripts()
	return m
}

// findJava resolves a JVM binary: JAVA_HOME, then common install
// locations, then whatever "java" resolves to on PATH.
func (m *Manager) findJava() string {
	javaHome := m.JavaHome
	if javaHome == "" {
		javaHome = os.Getenv("JAVA_HOME")
	}
	if javaHome != "" {
		candidate := filepath.Join(javaHome, "bin", "java")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	for _, p := range commonJavaPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if path, err := exec.LookPath("java"); err == nil {
		return path
	}

	logging.Warn().Msg("java not found on this host; backend services will fail to launch")
	return "java"
}

// patchControlScripts rewrites BASEDIR/JAVA in the skrmedpostctl/wsdserverctl
// control scripts to the current installation root; this is a mandatory
// step before either script can be trusted to launch its service.
func (m *Manager) patchControlScripts() {
	if m.ScriptsDir == "" || m.PublicMMDir == "" {
		return
	}
	for _, name := range []string{"skrmedpostctl", "wsdserverctl"} {
		path := filepath.Join(m.ScriptsDir, name)
		m.patchScript(path)
	}
}

func (m *Manager) patchScript(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		return
	}

	patched := basedirPattern.ReplaceAllString(string(content), "BASEDIR="+m.PublicMMDir)
	patched = javaPattern.ReplaceAllString(patched, "JAVA="+m.javaPath)

	if err := os.WriteFile(path, []byte(patched), 0o755); err != nil {
		logging.Warn().Err(err).Str("script", path).Msg("failed to patch control script")
		return
	}
	logging.Debug().Str("script", path).Msg("patched control script paths")
}

// checkPortWithRetry mirrors manager.py's connect-based readiness probe.
func checkPortWithRetry(port int, maxRetries int, delay time.Duration) bool {
	for i := 0; i < maxRetries; i++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err == nil {
			_ = conn.Close()
			return true
		}
		if i < maxRetries-1 {
			time.Sleep(delay)
		}
	}
	return false
}

// IsRunning reports whether the named service answers a TCP probe.
func (m *Manager) IsRunning(service string) bool {
	m.mu.RLock()
	d, ok := m.descriptors[service]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return checkPortWithRetry(d.Port, 1, 0)
}

// Status returns a snapshot of every managed ServiceDescriptor.
func (m *Manager) Status() map[string]ServiceDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceDescriptor, len(m.descriptors))
	for k, v := range m.descriptors {
		out[k] = *v
	}
	return out
}

// Start runs the full protocol for service ("tagger" or "wsd"): kill any
// occupant of the port, try the control script, fall back to a direct
// launch, and poll for the port to bind.
func (m *Manager) Start(service string) error {
	m.mu.Lock()
	d, ok := m.descriptors[service]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("supervisor: unknown service %q", service)
	}
	d.State = StateStarting
	m.mu.Unlock()

	if m.IsRunning(service) {
		m.setState(service, StateRunning)
		logging.Info().Str("service", service).Msg("already running")
		return nil
	}

	logging.Info().Str("service", service).Int("port", d.Port).Msg("starting backend service")

	if blocker, err := m.guard.FindBlocker(d.Port); err == nil && blocker != nil {
		_ = m.guard.Kill(blocker.PID, true)
		time.Sleep(2 * time.Second)
	}

	started := m.tryControlScript(service, d)
	if !started {
		started = m.startDirect(service, d)
	}
	if !started {
		m.setState(service, StateFailed)
		return fmt.Errorf("supervisor: failed to start %s", service)
	}

	if !checkPortWithRetry(d.Port, int(m.StartTimeout/time.Second), time.Second) {
		m.setState(service, StateFailed)
		return fmt.Errorf("supervisor: %s did not bind port %d within %s", service, d.Port, m.StartTimeout)
	}

	m.setState(service, StateRunning)
	logging.Info().Str("service", service).Msg("backend service started")
	return nil
}

func (m *Manager) setState(service string, s ServiceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.descriptors[service]; ok {
		d.State = s
	}
}

func (m *Manager) scriptName(service string) string {
	if service == "tagger" {
		return "skrmedpostctl"
	}
	return "wsdserverctl"
}

// tryControlScript invokes the service's control script's "start"
// subcommand, if the script exists.
func (m *Manager) tryControlScript(service string, d *ServiceDescriptor) bool {
	if m.ScriptsDir == "" {
		return false
	}
	script := filepath.Join(m.ScriptsDir, m.scriptName(service))
	if _, err := os.Stat(script); err != nil {
		return false
	}

	cmd := exec.Command(script, "start")
	cmd.Dir = m.ScriptsDir
	env := os.Environ()
	env = append(env, "PATH="+filepath.Dir(m.javaPath)+":"+os.Getenv("PATH"))
	cmd.Env = env

	if err := cmd.Run(); err != nil {
		logging.Warn().Err(err).Str("service", service).Msg("control script start failed, falling back to direct launch")
		return false
	}
	return true
}

// logDir returns the directory a service's direct-launch log and pid file
// live in, so Stop can find the pid file startDirect wrote without
// duplicating the classpath-building switch below.
func (m *Manager) logDir(service string) string {
	switch service {
	case "tagger":
		return filepath.Join(m.PublicMMDir, "MedPost-SKR", "Tagger_server", "log")
	case "wsd":
		return filepath.Join(m.PublicMMDir, "WSD_Server", "log")
	default:
		return ""
	}
}

// pidFilePath returns the path startDirect writes service's pid to.
func (m *Manager) pidFilePath(service string) string {
	dir := m.logDir(service)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "pid")
}

// startDirect launches the service's JVM process directly with the
// classpath/system-properties shape manager.py hand-builds.
func (m *Manager) startDirect(service string, d *ServiceDescriptor) bool {
	if m.PublicMMDir == "" {
		return false
	}

	var cmd *exec.Cmd
	var logDir string

	switch service {
	case "tagger":
		serverDir := filepath.Join(m.PublicMMDir, "MedPost-SKR", "Tagger_server")
		dataDir := filepath.Join(m.PublicMMDir, "MedPost-SKR", "data")
		logDir = filepath.Join(serverDir, "log")
		classpath := strings.Join([]string{
			filepath.Join(serverDir, "lib", "taggerServer.jar"),
			filepath.Join(serverDir, "lib", "mps.jar"),
		}, ":")
		args := []string{
			"-Dtaggerserver.port=" + strconv.Itoa(d.Port),
			"-DlexFile=" + filepath.Join(dataDir, "lexDB.serial"),
			"-DngramOne=" + filepath.Join(dataDir, "ngramOne.serial"),
			"-cp", classpath, "taggerServer",
		}
		cmd = exec.Command(m.javaPath, args...)
		cmd.Dir = serverDir

	case "wsd":
		serverDir := filepath.Join(m.PublicMMDir, "WSD_Server")
		logDir = filepath.Join(serverDir, "log")
		libDir := filepath.Join(serverDir, "lib")
		jars := []string{
			"metamapwsd.jar", "utils.jar", "lucene-core-3.0.1.jar",
			"monq-1.1.1.jar", "wsd.jar", "kss-api.jar",
			"thirdparty.jar", "db.jar", "log4j-1.2.8.jar",
		}
		paths := make([]string, len(jars))
		for i, j := range jars {
			paths[i] = filepath.Join(libDir, j)
		}
		classpath := strings.Join(paths, ":")
		args := []string{
			"-Xmx2g",
			"-Dserver.config.file=" + filepath.Join(serverDir, "config", "disambServer.cfg"),
			"-classpath", classpath, "wsd.server.DisambiguatorServer",
		}
		cmd = exec.Command(m.javaPath, args...)
		cmd.Dir = serverDir
		cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+libDir+":/usr/lib:"+os.Getenv("LD_LIBRARY_PATH"))

	default:
		return false
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logging.Error().Err(err).Msg("failed to create service log directory")
		return false
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, service+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logging.Error().Err(err).Msg("failed to open service log file")
		return false
	}
	defer logFile.Close()

	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logging.Error().Err(err).Str("service", service).Msg("direct launch failed")
		return false
	}

	m.mu.Lock()
	d.PID = cmd.Process.Pid
	m.mu.Unlock()

	if err := os.WriteFile(filepath.Join(logDir, "pid"), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		logging.Warn().Err(err).Msg("failed to write pid file")
	}

	logging.Info().Str("service", service).Int("pid", cmd.Process.Pid).Msg("launched backend service directly")

	// Detach: the child's own process group owns its lifecycle from here.
	go func() { _ = cmd.Wait() }()

	return true
}

// Stop runs the full shutdown protocol for service: the control script's
// "stop" subcommand if present, then a force-kill by port, then a second
// force-kill pass by process-name pattern for anything the port-based kill
// missed (a respawned or orphaned JVM no longer bound to the guarded port),
// and finally removes the PID file startDirect wrote.
func (m *Manager) Stop(service string) {
	m.setState(service, StateStopping)

	m.mu.RLock()
	d := m.descriptors[service]
	m.mu.RUnlock()

	if m.ScriptsDir != "" {
		script := filepath.Join(m.ScriptsDir, m.scriptName(service))
		if _, err := os.Stat(script); err == nil {
			cmd := exec.Command(script, "stop")
			_ = cmd.Run()
		}
	}

	if blocker, err := m.guard.FindBlocker(d.Port); err == nil && blocker != nil {
		_ = m.guard.Kill(blocker.PID, true)
	}

	if killed := m.guard.SweepByName(); len(killed) > 0 {
		logging.Info().Str("service", service).Int("count", len(killed)).Msg("killed stale processes by name pattern")
	}

	if pidFile := m.pidFilePath(service); pidFile != "" {
		if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("pid_file", pidFile).Msg("failed to remove pid file")
		}
	}

	m.setState(service, StateStopped)
	m.mu.Lock()
	d.PID = 0
	m.mu.Unlock()
}

// StopAll stops both required backend services.
func (m *Manager) StopAll() {
	logging.Info().Msg("stopping backend services")
	m.Stop("tagger")
	m.Stop("wsd")
}

// StartAll starts both required backend services, tagger first.
func (m *Manager) StartAll() error {
	if err := m.Start("tagger"); err != nil {
		return err
	}
	if err := m.Start("wsd"); err != nil {
		return err
	}
	return nil
}

// Restart stops then starts service, honoring RestartCooldown.
func (m *Manager) Restart(service string) error {
	m.Stop(service)
	time.Sleep(m.RestartCooldown)
	return m.Start(service)
}

// VerifyConnectivity runs the annotator binary against a trivial input
// with a 30s timeout; exit code 0 is treated as healthy.
func (m *Manager) VerifyConnectivity() bool {
	if m.BinaryPath == "" {
		return false
	}

	tmp, err := os.CreateTemp("", "metamapctl-connectivity-*.txt")
	if err != nil {
		return false
	}
	defer os.Remove(tmp.Name())
	_, _ = tmp.WriteString("test")
	_ = tmp.Close()

	cmd := exec.Command(m.BinaryPath, "-q", "--silent", tmp.Name())
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return false
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		return false
	}
}
