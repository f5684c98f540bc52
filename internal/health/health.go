package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const checkTimeout = 10 * time.Second

type Status struct {
	Name      string
	Target    string
	Reachable bool
	Error     string
	Latency   time.Duration
}

// OK reports whether the check passed.
func (s Status) OK() bool { return s.Reachable && s.Error == "" }

// Endpoint verifies that an HTTP service answers. Any response below 500
// other than an authentication failure counts as reachable; inference
// endpoints commonly answer GET with 405.
func Endpoint(ctx context.Context, name, url, token string) Status {
	s := Status{Name: name, Target: url}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.Error = err.Error()
		return finish(s, start)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.Error = fmt.Sprintf("cannot reach %s: %s", url, friendlyError(err))
		return finish(s, start)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.Error = "authentication failed, check the token"
	case resp.StatusCode >= 500:
		s.Error = fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)
	default:
		s.Reachable = true
	}
	return finish(s, start)
}

// Redis pings the shared rate limit store.
func Redis(ctx context.Context, url string) Status {
	s := Status{Name: "redis", Target: url}
	start := time.Now()

	opts, err := redis.ParseURL(url)
	if err != nil {
		s.Error = fmt.Sprintf("invalid redis url: %v", err)
		return finish(s, start)
	}
	// The password must not end up in doctor output.
	s.Target = opts.Addr

	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.Error = fmt.Sprintf("cannot reach %s: %s", opts.Addr, friendlyError(err))
		return finish(s, start)
	}
	s.Reachable = true
	return finish(s, start)
}

// Writable checks that the audit directory can be created and written to.
func Writable(name, dir string) Status {
	s := Status{Name: name, Target: dir}
	start := time.Now()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.Error = fmt.Sprintf("cannot create directory: %v", err)
		return finish(s, start)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		s.Error = fmt.Sprintf("directory is not writable: %v", err)
		return finish(s, start)
	}
	f.Close()
	os.Remove(f.Name())

	s.Reachable = true
	return finish(s, start)
}

func finish(s Status, start time.Time) Status {
	s.Latency = time.Since(start)
	return s
}

func friendlyError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "connection refused") {
		return "connection refused (is the service running?)"
	}
	if strings.Contains(msg, "no such host") {
		return "host not found (check the URL)"
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return "connection timed out (service may be starting up)"
	}
	return msg
}
