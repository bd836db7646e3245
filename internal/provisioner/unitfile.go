package provisioner

import (
	"fmt"
	"regexp"
	"strings"
)

// ServiceUnit is the parsed form of the mtproto-proxy systemd unit.
// The active-secret set lives in the -S flags of the ExecStart line;
// everything else is carried through unchanged on rewrite.
type ServiceUnit struct {
	BinaryPath string
	WorkDir    string
	Port       string
	Secrets    []string
	Tag        string
	TLSDomain  string
	Workers    string
}

var (
	execStartPattern = regexp.MustCompile(`(?m)^ExecStart=(.+)$`)
	workDirPattern   = regexp.MustCompile(`(?m)^WorkingDirectory=(.+)$`)
	portPattern      = regexp.MustCompile(`-H (\d+)`)
	secretPattern    = regexp.MustCompile(`-S ([a-f0-9]{32})`)
	tagPattern       = regexp.MustCompile(`-P ([a-f0-9]{32})`)
	domainPattern    = regexp.MustCompile(`-D (\S+)`)
	workersPattern   = regexp.MustCompile(`-M (\d+)`)
)

// ParseServiceUnit extracts the proxy configuration from a systemd
// unit file. A unit without an ExecStart line is malformed.
func ParseServiceUnit(content string) (*ServiceUnit, error) {
	execMatch := execStartPattern.FindStringSubmatch(content)
	if execMatch == nil {
		return nil, fmt.Errorf("no ExecStart line in service unit")
	}
	execLine := execMatch[1]
	fields := strings.Fields(execLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty ExecStart line in service unit")
	}

	unit := &ServiceUnit{
		BinaryPath: fields[0],
		WorkDir:    "/opt/MTProxy/objs/bin",
		Port:       "8888",
		TLSDomain:  "",
		Workers:    "1",
	}

	if m := workDirPattern.FindStringSubmatch(content); m != nil {
		unit.WorkDir = strings.TrimSpace(m[1])
	}
	if m := portPattern.FindStringSubmatch(execLine); m != nil {
		unit.Port = m[1]
	}
	unit.Secrets = nil
	for _, m := range secretPattern.FindAllStringSubmatch(execLine, -1) {
		unit.Secrets = append(unit.Secrets, m[1])
	}
	if m := tagPattern.FindStringSubmatch(execLine); m != nil {
		unit.Tag = m[1]
	}
	if m := domainPattern.FindStringSubmatch(execLine); m != nil {
		unit.TLSDomain = m[1]
	}
	if m := workersPattern.FindStringSubmatch(execLine); m != nil {
		unit.Workers = m[1]
	}

	return unit, nil
}

// HasSecret reports whether the secret is already in the active set.
func (u *ServiceUnit) HasSecret(secret string) bool {
	for _, s := range u.Secrets {
		if s == secret {
			return true
		}
	}
	return false
}

// AddSecret appends the secret to the active set. Returns false when
// the secret was already present.
func (u *ServiceUnit) AddSecret(secret string) bool {
	if u.HasSecret(secret) {
		return false
	}
	u.Secrets = append(u.Secrets, secret)
	return true
}

// RemoveSecret drops the secret from the active set. Returns false
// when the secret was already absent.
func (u *ServiceUnit) RemoveSecret(secret string) bool {
	for i, s := range u.Secrets {
		if s == secret {
			u.Secrets = append(u.Secrets[:i], u.Secrets[i+1:]...)
			return true
		}
	}
	return false
}

// Render produces the full unit file content with the current secret set.
func (u *ServiceUnit) Render() string {
	var flags strings.Builder
	fmt.Fprintf(&flags, "%s -u nobody -H %s", u.BinaryPath, u.Port)
	for _, s := range u.Secrets {
		fmt.Fprintf(&flags, " -S %s", s)
	}
	if u.Tag != "" {
		fmt.Fprintf(&flags, " -P %s", u.Tag)
	}
	if u.TLSDomain != "" {
		fmt.Fprintf(&flags, " -D %s", u.TLSDomain)
	}
	fmt.Fprintf(&flags, " -M %s --aes-pwd proxy-secret proxy-multi.conf", u.Workers)

	return fmt.Sprintf(`[Unit]
Description=MTProxy
After=network.target

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s
Restart=on-failure
StartLimitBurst=0

[Install]
WantedBy=multi-user.target
`, u.WorkDir, flags.String())
}
