package workflow

import (
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// serviceContainer describes a throwaway docker dependency for integration
// tests. readyCmd runs inside the container until it exits zero.
type serviceContainer struct {
	service     string
	image       string
	port        string
	env         []string
	readyCmd    []string
	readyWithin time.Duration
}

var (
	redisService = serviceContainer{
		service:     "redis",
		image:       "redis:7-alpine",
		port:        "6379/tcp",
		readyCmd:    []string{"redis-cli", "ping"},
		readyWithin: time.Minute,
	}
	mysqlService = serviceContainer{
		service:     "mysql",
		image:       "mysql:8.0",
		port:        "3306/tcp",
		env:         []string{"MYSQL_ROOT_PASSWORD=testpw", "MYSQL_DATABASE=repogen_test"},
		readyCmd:    []string{"mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"},
		readyWithin: 2 * time.Minute,
	}
)

// start runs the container on a random loopback port, waits for readyCmd and
// returns the host port. The container is removed when the test ends.
func (s serviceContainer) start(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("repogen-it-%s-%d", s.service, time.Now().UnixNano())
	args := []string{"run", "-d", "--name", name, "-p", "127.0.0.1:0:" + strings.TrimSuffix(s.port, "/tcp")}
	for _, kv := range s.env {
		args = append(args, "-e", kv)
	}
	if out, err := docker(append(args, s.image)...); err != nil {
		t.Fatalf("start %s: %v\n%s", s.service, err, out)
	}
	t.Cleanup(func() { _, _ = docker("rm", "-f", name) })

	out, err := docker("port", name, s.port)
	if err != nil {
		t.Fatalf("%s port: %v\n%s", s.service, err, out)
	}
	hostPort := publishedPort(out)
	if hostPort == "" {
		t.Fatalf("%s port: cannot parse %q", s.service, out)
	}

	pause := s.readyWithin / 240
	for deadline := time.Now().Add(s.readyWithin); time.Now().Before(deadline); time.Sleep(pause) {
		if _, err := docker(append([]string{"exec", name}, s.readyCmd...)...); err == nil {
			return hostPort
		}
	}
	t.Fatalf("%s not ready after %s", s.service, s.readyWithin)
	return ""
}

// publishedPort takes the port of the first "host:port" line docker prints.
func publishedPort(out string) string {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	i := strings.LastIndex(line, ":")
	if i < 0 || i == len(line)-1 {
		return ""
	}
	return line[i+1:]
}

func docker(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}

func TestPublishedPort(t *testing.T) {
	cases := []struct{ in, want string }{
		{"127.0.0.1:49154\n", "49154"},
		{"0.0.0.0:5000\n[::]:5000\n", "5000"},
		{"[::1]:6380", "6380"},
		{"", ""},
		{"no port here", ""},
		{"127.0.0.1:", ""},
	}
	for _, tc := range cases {
		if got := publishedPort(tc.in); got != tc.want {
			t.Errorf("publishedPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
