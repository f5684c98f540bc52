// Package audit keeps the append-only forensics trail of spawn validation
// attempts. Entries are JSON lines in one file per UTC day.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jeanpaul/spawngate/internal/redact"
)

// Result is the outcome recorded for a validation attempt.
type Result string

const (
	Success Result = "success"
	Failure Result = "failure"
)

const (
	filePrefix = "audit_"
	fileSuffix = ".json"
	dateLayout = "2006-01-02"

	// failureDescriptionLimit caps the redacted description stored for
	// rejected requests.
	failureDescriptionLimit = 500

	// fieldLimit caps the caller-supplied identity and error fields.
	fieldLimit = 500

	maxLineSize = 1 << 20
)

// ErrInvalidResult is returned when a record carries neither success nor failure.
var ErrInvalidResult = errors.New("audit result must be success or failure")

// Entry is one line of an audit file.
type Entry struct {
	Timestamp       float64 `json:"timestamp"`
	ISOTime         string  `json:"iso_time"`
	Result          Result  `json:"result"`
	AgentType       string  `json:"agent_type"`
	SpawningAgent   string  `json:"spawning_agent"`
	TaskHash        string  `json:"task_hash"`
	TaskDescription string  `json:"task_description"`
	Error           *string `json:"error"`
	Retries         int     `json:"retries"`
	LatencyMS       *int64  `json:"latency_ms"`
	TaskID          *string `json:"task_id"`
	User            string  `json:"user"`
	Hostname        string  `json:"hostname"`
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Record is the input to Log. TaskDescription is the raw, unredacted text.
// AgentType, SpawningAgent and Error may echo untrusted input; they are
// redacted and capped before they are written.
type Record struct {
	Result          Result
	AgentType       string
	TaskDescription string
	SpawningAgent   string
	Error           string
	Retries         int
	LatencyMS       *int64
	TaskID          string
}

// Options configures a Log.
type Options struct {
	Dir           string
	RetentionDays int
	Now           func() time.Time
	Logger        *slog.Logger
	// User and Hostname override the values detected from the environment.
	User     string
	Hostname string
}

// Log writes and queries audit files. It is safe for concurrent use.
type Log struct {
	mu          sync.Mutex
	dir         string
	retention   int
	now         func() time.Time
	logger      *slog.Logger
	user        string
	hostname    string
	lastCleanup string
}

// New creates a Log rooted at opts.Dir. The directory is created on first write.
func New(opts Options) *Log {
	l := &Log{
		dir:       opts.Dir,
		retention: opts.RetentionDays,
		now:       opts.Now,
		logger:    opts.Logger,
		user:      opts.User,
		hostname:  opts.Hostname,
	}
	if l.dir == "" {
		l.dir = filepath.Join("logs", "validation_audit")
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.user == "" {
		l.user = currentUser()
	}
	if l.hostname == "" {
		l.hostname, _ = os.Hostname()
	}
	return l
}

// Dir returns the directory holding the audit files.
func (l *Log) Dir() string { return l.dir }

// Log appends one entry. Filesystem errors are returned to the caller, which
// decides whether the request may proceed.
func (l *Log) Log(rec Record) (Entry, error) {
	if rec.Result != Success && rec.Result != Failure {
		return Entry{}, ErrInvalidResult
	}

	now := l.now().UTC()
	entry := Entry{
		Timestamp:       float64(now.UnixNano()) / 1e9,
		ISOTime:         now.Format("2006-01-02T15:04:05.000000") + "Z",
		Result:          rec.Result,
		AgentType:       scrub(rec.AgentType),
		SpawningAgent:   scrub(rec.SpawningAgent),
		TaskHash:        HashTask(rec.TaskDescription),
		TaskDescription: redact.Redact(rec.TaskDescription),
		Retries:         rec.Retries,
		LatencyMS:       rec.LatencyMS,
		User:            l.user,
		Hostname:        l.hostname,
	}
	if rec.Result == Failure {
		entry.TaskDescription = truncate(entry.TaskDescription, failureDescriptionLimit)
	}
	if rec.Error != "" {
		msg := scrub(rec.Error)
		entry.Error = &msg
	}
	if rec.TaskID != "" {
		id := rec.TaskID
		entry.TaskID = &id
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(l.pathFor(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("close audit file: %w", err)
	}

	day := now.Format(dateLayout)
	if l.lastCleanup != day {
		l.lastCleanup = day
		if _, err := l.cleanupLocked(now); err != nil {
			l.logger.Warn("audit retention cleanup failed", slog.String("dir", l.dir), slog.String("error", err.Error()))
		}
	}
	return entry, nil
}

// Cleanup deletes audit files older than the retention window and reports how
// many were removed. A non-positive retention keeps everything.
func (l *Log) Cleanup() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleanupLocked(l.now().UTC())
}

func (l *Log) cleanupLocked(now time.Time) (int, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	files, err := l.files()
	if err != nil {
		return 0, err
	}
	cutoff := startOfDay(now).AddDate(0, 0, -l.retention)
	removed := 0
	var errs []error
	for _, f := range files {
		if !f.day.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// RecentFailures returns up to limit failure entries from the last hours,
// newest first.
func (l *Log) RecentFailures(hours float64, limit int) ([]Entry, error) {
	entries, err := l.since(l.now().UTC().Add(-hoursDuration(hours)))
	if err != nil {
		return nil, err
	}
	var failures []Entry
	for _, e := range entries {
		if e.Result == Failure {
			failures = append(failures, e)
		}
	}
	sort.SliceStable(failures, func(i, j int) bool {
		return failures[i].Timestamp > failures[j].Timestamp
	})
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}
	return failures, nil
}

// AgentCounts is the per-agent slice of Stats.
type AgentCounts struct {
	Total     int `json:"total"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Stats aggregates the entries of a time window.
type Stats struct {
	Hours       float64                `json:"hours"`
	Total       int                    `json:"total"`
	Successes   int                    `json:"successes"`
	Failures    int                    `json:"failures"`
	SuccessRate float64                `json:"success_rate"`
	AvgRetries  float64                `json:"avg_retries"`
	ByAgent     map[string]AgentCounts `json:"by_agent"`
	ByError     map[string]int         `json:"by_error"`
}

// Stats summarises the entries written in the last hours.
func (l *Log) Stats(hours float64) (Stats, error) {
	entries, err := l.since(l.now().UTC().Add(-hoursDuration(hours)))
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Hours:   hours,
		ByAgent: make(map[string]AgentCounts),
		ByError: make(map[string]int),
	}
	retries := 0
	for _, e := range entries {
		st.Total++
		retries += e.Retries
		ac := st.ByAgent[e.AgentType]
		ac.Total++
		if e.Result == Success {
			st.Successes++
			ac.Successes++
		} else {
			st.Failures++
			ac.Failures++
			if e.Error != nil {
				st.ByError[*e.Error]++
			}
		}
		st.ByAgent[e.AgentType] = ac
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Total) * 100
		st.AvgRetries = float64(retries) / float64(st.Total)
	}
	return st, nil
}

// HashTask returns the hex SHA-256 of a raw task description.
func HashTask(desc string) string {
	sum := sha256.Sum256([]byte(desc))
	return hex.EncodeToString(sum[:])
}

type auditFile struct {
	path string
	day  time.Time
}

// files lists audit files sorted by date, oldest first.
func (l *Log) files() ([]auditFile, error) {
	dirents, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	var out []auditFile
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.Parse(dateLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		out = append(out, auditFile{path: filepath.Join(l.dir, name), day: day})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out, nil
}

// since reads every entry at or after cutoff, in file then line order.
func (l *Log) since(cutoff time.Time) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.files()
	if err != nil {
		return nil, err
	}
	cutoffDay := startOfDay(cutoff)
	cutoffTS := float64(cutoff.UnixNano()) / 1e9

	var entries []Entry
	for _, f := range files {
		if f.day.Before(cutoffDay) {
			continue
		}
		fileEntries, err := l.readFile(f.path)
		if err != nil {
			return nil, err
		}
		for _, e := range fileEntries {
			if e.Timestamp >= cutoffTS {
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

func (l *Log) readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	br := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		raw, oversize, err := readLine(br, maxLineSize)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read audit file: %w", err)
		}
		if err == io.EOF && len(raw) == 0 && !oversize {
			break
		}
		lineNo++
		switch line := bytes.TrimSpace(raw); {
		case oversize:
			l.logger.Warn("skipping oversize audit line",
				slog.String("file", path),
				slog.Int("line", lineNo),
				slog.Int("max_bytes", maxLineSize))
		case len(line) == 0:
		default:
			var e Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				l.logger.Warn("skipping malformed audit line",
					slog.String("file", path),
					slog.Int("line", lineNo),
					slog.String("error", jerr.Error()))
				break
			}
			entries = append(entries, e)
		}
		if err == io.EOF {
			break
		}
	}
	return entries, nil
}

// readLine returns the next line of r. A line longer than limit is consumed
// up to its newline and reported as oversize without its contents.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var (
		line     []byte
		oversize bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversize {
			if len(line)+len(chunk) > limit+1 {
				oversize, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, oversize, err
	}
}

func (l *Log) pathFor(t time.Time) string {
	return filepath.Join(l.dir, filePrefix+t.Format(dateLayout)+fileSuffix)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func hoursDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func scrub(s string) string {
	return truncate(redact.Redact(s), fieldLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
