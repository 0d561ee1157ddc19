// Package audit records vault operations in an HMAC-chained JSONL log.
//
// Each record carries the HMAC of the previous one, so deleting, reordering
// or editing a record breaks the chain. Secret names are stored only as an
// HMAC, never in clear.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/lockerr"
)

// MinAuditDiskSpace is the free space required before a record is appended.
const MinAuditDiskSpace = 1024 * 1024

// EventVersion is the record schema version.
const EventVersion = 1

// Operation types
const (
	OpVaultInit       = "vault.init"
	OpSecretCreate    = "secret.create"
	OpSecretOpen      = "secret.open"
	OpSecretRenew     = "secret.renew"
	OpSecretRemove    = "secret.remove"
	OpSecretReconcile = "secret.reconcile"
	OpSecretExport    = "secret.export"
)

// Results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

const (
	genesis       = "genesis"
	stateFileName = "audit.meta"
	lockFileName  = "audit.lock"
	logExt        = ".jsonl"
	hkdfInfo      = "locker/audit/v1"
)

// ErrKeyNotSet is returned when logging or verifying before SetHMACKey.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is a single audit record.
type Event struct {
	Version   int        `json:"v"`
	ID        string     `json:"id"` // UUIDv7, time-ordered
	Timestamp string     `json:"ts"` // RFC 3339, nanosecond precision
	Operation string     `json:"op"`
	Key       string     `json:"key,omitempty"` // HMAC of the secret name
	Source    string     `json:"source"`
	Result    string     `json:"result"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Chain     Chain      `json:"chain"`
}

// ErrorInfo describes a failed operation.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is persisted in audit.meta so the chain survives restarts.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends records to monthly files under a directory.
type Logger struct {
	path   string
	source string
	now    func() time.Time

	warn   io.Writer

	mu      sync.Mutex
	hmacKey []byte
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets the time source used for timestamps and file names.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithSource sets the source recorded on every event. The default is "cli".
func WithSource(source string) Option {
	return func(l *Logger) { l.source = source }
}

// WithWarnings sets where non-fatal problems are reported. The default is
// os.Stderr; nil discards them.
func WithWarnings(w io.Writer) Option {
	return func(l *Logger) {
		if w == nil {
			w = io.Discard
		}
		l.warn = w
	}
}

// NewLogger returns a logger writing under path.
func NewLogger(path string, opts ...Option) *Logger {
	l := &Logger{
		path:   path,
		source: "cli",
		now:    time.Now,
		warn:   os.Stderr,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the log directory.
func (l *Logger) Path() string {
	return l.path
}

// Keyed reports whether SetHMACKey has been called.
func (l *Logger) Keyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hmacKey != nil
}

// SetHMACKey derives the chain key from the vault key with HKDF-SHA256.
func (l *Logger) SetHMACKey(vaultKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := hkdf.New(sha256.New, vaultKey, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key
	return nil
}

// Log appends one record. The chain state is re-read under an advisory
// lock on audit.lock, so loggers in other processes extend the same chain.
func (l *Logger) Log(op, result, name string, errInfo *ErrorInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.path, fsutil.DirMode); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	return fsutil.WithFileLock(filepath.Join(l.path, lockFileName), func() error {
		if err := l.checkDiskSpace(); err != nil {
			return err
		}
		return l.append(op, result, name, errInfo)
	})
}

func (l *Logger) append(op, result, name string, errInfo *ErrorInfo) error {
	state := l.loadChainState()

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	now := l.now().UTC()
	event := Event{
		Version:   EventVersion,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    l.source,
		Result:    result,
		Error:     errInfo,
	}
	if name != "" {
		event.Key = l.sign([]byte(name))
	}

	event.Chain.Sequence = state.Sequence + 1
	event.Chain.PrevHash = state.PrevHash
	event.Chain.HMAC = l.sign(recordData(&event))

	if err := l.writeEvent(now, &event); err != nil {
		return err
	}
	return l.saveChainState(chainState{Sequence: event.Chain.Sequence, PrevHash: event.Chain.HMAC})
}

// Record logs the outcome of op on name. A nil opErr is a success.
func (l *Logger) Record(op, name string, opErr error) error {
	if opErr == nil {
		return l.Log(op, ResultSuccess, name, nil)
	}
	return l.Log(op, ResultError, name, &ErrorInfo{
		Code:    errorCode(opErr),
		Message: opErr.Error(),
	})
}

// Rotate moves the current log aside so a new chain can start, as needed
// after the vault key is replaced. It returns the archive location, or ""
// when there was nothing to move.
func (l *Logger) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := fsutil.Exists(l.path)
	if err != nil {
		return "", fmt.Errorf("audit: failed to stat log directory: %w", err)
	}
	l.hmacKey = nil
	if !exists {
		return "", nil
	}

	archive := fmt.Sprintf("%s.%d", l.path, l.now().Unix())
	if err := os.Rename(l.path, archive); err != nil {
		return "", fmt.Errorf("audit: failed to archive log: %w", err)
	}
	return archive, nil
}

func errorCode(err error) string {
	switch lockerr.KindOf(err) {
	case lockerr.KindFileSystem:
		return "filesystem"
	case lockerr.KindEncryption:
		return "encryption"
	case lockerr.KindDecryption:
		return "decryption"
	case lockerr.KindInitialization:
		return "initialization"
	default:
		return "internal"
	}
}

func (l *Logger) sign(data []byte) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData builds the bytes covered by a record's HMAC. Every field
// except the HMAC itself is included.
func recordData(e *Event) []byte {
	errorData := ""
	if e.Error != nil {
		errorData = e.Error.Code + "|" + e.Error.Message
	}
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version,
		e.ID,
		e.Timestamp,
		e.Operation,
		e.Key,
		e.Source,
		e.Result,
		errorData,
		e.Chain.Sequence,
		e.Chain.PrevHash,
	))
}

// writeEvent appends to the file of the event's month.
func (l *Logger) writeEvent(now time.Time, event *Event) error {
	file := filepath.Join(l.path, now.Format("2006-01")+logExt)

	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fsutil.FileMode)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// loadChainState returns the persisted chain head. A missing or
// unreadable state file starts a new chain.
func (l *Logger) loadChainState() chainState {
	data, err := os.ReadFile(filepath.Join(l.path, stateFileName))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.warnf("failed to read audit chain state, starting a new chain: %v", err)
		}
		return chainState{PrevHash: genesis}
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil || state.PrevHash == "" {
		l.warnf("corrupted audit chain state, starting a new chain")
		return chainState{PrevHash: genesis}
	}
	return state
}

func (l *Logger) warnf(format string, args ...any) {
	fmt.Fprintf(l.warn, "warning: "+format+"\n", args...)
}

func (l *Logger) saveChainState(state chainState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(l.path, stateFileName), data, fsutil.FileMode); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult is the outcome of a chain walk.
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	RecordsTotal int      `json:"records_total"`
	FirstBroken  string   `json:"first_broken,omitempty"` // ID of the first bad record
	Errors       []string `json:"errors,omitempty"`
}

// Verify walks every record in order and checks sequence, linkage and HMAC.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	fail := func(e *Event, format string, args ...any) {
		if result.Valid {
			result.FirstBroken = e.ID
		}
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	for i := range events {
		e := &events[i]
		result.RecordsTotal++

		if e.Chain.Sequence != expectedSeq {
			fail(e, "sequence gap at record %s: expected %d, got %d", e.ID, expectedSeq, e.Chain.Sequence)
		}
		if e.Chain.PrevHash != expectedPrev {
			fail(e, "chain broken at record %s: expected prev %s, got %s", e.ID, expectedPrev, e.Chain.PrevHash)
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.sign(recordData(e)))) {
			fail(e, "HMAC mismatch at record %s: possible tampering", e.ID)
		}

		expectedPrev = e.Chain.HMAC
		expectedSeq = e.Chain.Sequence + 1
	}
	return result, nil
}

// ListEvents returns the most recent events, oldest first. A zero limit
// returns everything; a non-zero since drops older events.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
			filtered = append(filtered, e)
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readAll returns every record. Monthly file names sort chronologically.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*"+logExt))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		fileEvents, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
