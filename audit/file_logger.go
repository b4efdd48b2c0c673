package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type FileLogger struct {
	basePath   string
	scope      string
	file       *os.File
	mu         sync.RWMutex
	config     *Config
	eventCache []Event // Recent events cache for faster queries
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath  string `json:"file_path"`
	CacheSize int    `json:"cache_size,omitempty"` // Newest events kept in memory for queries (default 1000)
}

// NewFileLogger creates a new file-based audit logger writing JSONL events
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	logger := &FileLogger{
		basePath:   filepath.Dir(fileOpts.FilePath),
		scope:      config.Scope,
		file:       file,
		config:     config,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  1000,
	}
	if fileOpts.CacheSize > 0 {
		logger.cacheSize = fileOpts.CacheSize
	}

	return logger, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Scope:     fl.scope,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}

	// Promote well-known metadata to first-class fields so queries can filter on them
	if metadata != nil {
		if name, ok := metadata["secret_name"].(string); ok {
			event.SecretName = name
		}
		if version, ok := metadata["key_version"].(uint32); ok {
			event.KeyVersion = version
		}
		if errStr, ok := metadata["error"].(string); ok {
			event.Error = errStr
		}
	}

	return fl.writeEvent(event)
}

// writeEvent writes an event to the log file in JSONL format and updates cache
func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.WriteString(string(eventJSON) + "\n"); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(event)

	return nil
}

// ensures the file is open in case it has been closed by a previous owner of this logger
func (fl *FileLogger) ensureFileOpen() error {
	if fl.file != nil {
		return nil
	}
	file, err := os.OpenFile(fl.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log file: %w", err)
	}
	fl.file = file
	return nil
}

// updateCache adds event to cache and maintains size limit
func (fl *FileLogger) updateCache(event Event) {
	fl.eventCache = append(fl.eventCache, event)

	if len(fl.eventCache) > fl.cacheSize {
		// Remove oldest events, keep newest
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
}

// Query implements the Logger interface. Queries whose time window lies
// entirely inside the in-memory cache are answered from it; anything reaching
// further back scans the JSONL log file.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if result, ok := fl.queryCacheLocked(options); ok {
		return result, nil
	}

	file, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return QueryResult{}, nil
		}
		return QueryResult{}, fmt.Errorf("failed to open audit log for query: %w", err)
	}
	defer file.Close()

	var matched []Event
	total := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		total++

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// Skip malformed lines rather than failing the whole query
			continue
		}

		if eventMatches(event, options) {
			matched = append(matched, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to scan audit log: %w", err)
	}

	return paginate(matched, total, options), nil
}

// queryCacheLocked answers a query from the cache when the cache is known to
// hold every event the query can match: the cache keeps only the newest
// events this logger wrote, so the query's Since bound must not reach before
// the oldest cached event.
func (fl *FileLogger) queryCacheLocked(options QueryOptions) (QueryResult, bool) {
	if len(fl.eventCache) == 0 || options.Since == nil {
		return QueryResult{}, false
	}
	if options.Since.Before(fl.eventCache[0].Timestamp) {
		return QueryResult{}, false
	}

	var matched []Event
	for _, event := range fl.eventCache {
		if eventMatches(event, options) {
			matched = append(matched, event)
		}
	}
	return paginate(matched, len(fl.eventCache), options), true
}

func paginate(matched []Event, total int, options QueryOptions) QueryResult {
	filtered := len(matched)

	if options.Offset > 0 {
		if options.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[options.Offset:]
		}
	}
	hasMore := false
	if options.Limit > 0 && len(matched) > options.Limit {
		matched = matched[:options.Limit]
		hasMore = true
	}

	return QueryResult{
		Events:     matched,
		TotalCount: total,
		Filtered:   filtered,
		HasMore:    hasMore,
	}
}

func eventMatches(event Event, options QueryOptions) bool {
	if options.Scope != "" && event.Scope != options.Scope {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.SecretName != "" && event.SecretName != options.SecretName {
		return false
	}
	if options.KeyVersion != 0 && event.KeyVersion != options.KeyVersion {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	return true
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	if err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	return nil
}
