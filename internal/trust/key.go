package trust

import (
	"crypto/sha256"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
)

// versionSalt mixes a version identifier into the key so future trust
// format changes can be distinguished from tampering.
const versionSalt = "CUPCAKE_TRUST_V1"

// DeriveKey computes the deterministic HMAC key for a project: a SHA-256
// over a version salt, the current executable path, a best-effort machine
// identifier, the current username, and the canonicalized project path.
//
// When CUPCAKE_TEST_TRUST_KEY is set, its value is hashed in place of the
// machine/user/exe material so tests are reproducible across machines.
func DeriveKey(projectPath string) []byte {
	h := sha256.New()
	h.Write([]byte(versionSalt))

	if override := os.Getenv(EnvTestKey); override != "" {
		h.Write([]byte(override))
	} else {
		if exe, err := os.Executable(); err == nil {
			h.Write([]byte(exe))
		}
		h.Write([]byte(machineID()))
		if u, err := user.Current(); err == nil {
			h.Write([]byte(u.Username))
		}
	}

	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	h.Write([]byte(abs))

	return h.Sum(nil)
}

// machineID best-effort reads a platform machine identifier: systemd's
// machine-id on Linux, the IOPlatformUUID on macOS, the Cryptography
// MachineGuid on Windows. Returns "" when none can be found — a missing
// machine ID still yields a usable, merely less unique, key.
func machineID() string {
	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/etc/machine-id"); err == nil {
			return strings.TrimSpace(string(data))
		}
		if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
			return strings.TrimSpace(string(data))
		}
	case "darwin":
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return ""
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.Contains(line, "IOPlatformUUID") {
				continue
			}
			if parts := strings.Split(line, "\""); len(parts) >= 4 {
				return parts[3]
			}
		}
	case "windows":
		out, err := exec.Command("reg", "query", `HKLM\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid").Output()
		if err != nil {
			return ""
		}
		fields := strings.Fields(string(out))
		if len(fields) > 0 {
			return fields[len(fields)-1]
		}
	}
	return ""
}
