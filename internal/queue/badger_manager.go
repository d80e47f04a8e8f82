package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
)

// BadgerManager implements named persistent job queues on a shared BadgerDB.
//
// Keys:
//
//	queue:{name}:msg:{id}               -> JSON Message (every non-completed job)
//	queue:{name}:index:{visibleAt}:{id} -> empty (waiting, delayed and leased jobs)
//	queue:{name}:stats:completed        -> uint64 completed counter
//
// Failed jobs keep their message key but leave the index, so they are counted
// and inspectable but never delivered again.
type BadgerManager struct {
	db     *badger.DB
	config Config
	logger arbor.ILogger
	mu     sync.Mutex // Serializes write transactions to avoid badger conflicts between workers

	hooksMu   sync.RWMutex
	exhausted map[string]func(msg *Message)
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, config Config, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	defaults := NewDefaultConfig()
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.Attempts <= 0 {
		config.Attempts = defaults.Attempts
	}
	if config.Backoff < 0 {
		config.Backoff = 0
	}
	if config.DeferDelay <= 0 {
		config.DeferDelay = defaults.DeferDelay
	}

	return &BadgerManager{
		db:        db,
		config:    config,
		logger:    logger,
		exhausted: make(map[string]func(msg *Message)),
	}, nil
}

// SetExhaustedHandler registers fn to be called when a job of queueName fails
// because its lease expired on the final attempt. Such jobs never reach a
// worker again, so this is the only place their failure is observable.
func (m *BadgerManager) SetExhaustedHandler(queueName string, fn func(msg *Message)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.exhausted[queueName] = fn
}

// Config returns the effective queue configuration
func (m *BadgerManager) Config() Config {
	return m.config
}

// Enqueue adds a job to the named queue and returns its id
func (m *BadgerManager) Enqueue(ctx context.Context, queueName, jobType string, payload interface{}, opts models.EnqueueOptions) (string, error) {
	if err := validateQueueName(queueName); err != nil {
		return "", err
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal job payload: %w", err)
		}
		raw = data
	}

	now := time.Now()
	msg := Message{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     raw,
		State:       models.JobWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		Exponential: opts.Exponential || m.config.Exponential,
		EnqueuedAt:  now,
		VisibleAt:   now,
		UpdatedAt:   now,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = m.config.Attempts
	}
	if msg.Backoff <= 0 {
		msg.Backoff = m.config.Backoff
	}
	if opts.Delay > 0 {
		msg.State = models.JobDelayed
		msg.VisibleAt = now.Add(opts.Delay)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(queueName, msg.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(queueName, msg.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return msg.ID, nil
}

// Receive leases the next visible job. A leased job whose visibility timeout
// lapses (crashed worker) is delivered again until its attempts are spent.
func (m *BadgerManager) Receive(ctx context.Context, queueName string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()

	var claimed *Message
	var exhausted []Message

	err := m.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		due, err := dueIndexKeys(txn, queueName, now)
		if err != nil {
			return err
		}

		for _, entry := range due {
			var msg Message
			item, err := txn.Get(msgKey(queueName, entry.id))
			if err == badger.ErrKeyNotFound {
				// Index without data, clean up
				if err := txn.Delete(entry.key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			if err := txn.Delete(entry.key); err != nil {
				return err
			}

			if msg.State == models.JobActive && msg.Attempts >= msg.MaxAttempts {
				// Lease expired on the final attempt
				msg.State = models.JobFailed
				msg.LastError = fmt.Errorf("%w: lease expired after %d attempts", models.ErrQueueExhausted, msg.Attempts).Error()
				msg.UpdatedAt = now
				if err := putMessage(txn, &msg); err != nil {
					return err
				}
				exhausted = append(exhausted, msg)
				continue
			}

			msg.Attempts++
			msg.State = models.JobActive
			msg.VisibleAt = now.Add(m.config.VisibilityTimeout)
			msg.UpdatedAt = now
			if err := putMessage(txn, &msg); err != nil {
				return err
			}
			if err := txn.Set(indexKey(queueName, msg.VisibleAt, msg.ID), []byte{}); err != nil {
				return err
			}
			claimed = &msg
			return nil
		}

		// Commit even when nothing was claimed so expired jobs stay failed
		return nil
	})
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	m.hooksMu.RLock()
	handler := m.exhausted[queueName]
	m.hooksMu.RUnlock()

	for i := range exhausted {
		msg := exhausted[i]
		m.logger.Warn().
			Str("queue", queueName).
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Int("attempts", msg.Attempts).
			Msg("Job lease expired on final attempt - marked failed")
		if handler != nil {
			handler(&msg)
		}
	}

	if claimed == nil {
		return nil, ErrNoMessage
	}
	return claimed, nil
}

// Complete acknowledges a leased job and removes it from the queue
func (m *BadgerManager) Complete(ctx context.Context, msg *Message) error {
	return m.transition(msg, func(stored *Message, now time.Time) {
		stored.State = models.JobCompleted
	})
}

// Fail marks a leased job failed without further attempts
func (m *BadgerManager) Fail(ctx context.Context, msg *Message, cause error) error {
	return m.transition(msg, func(stored *Message, now time.Time) {
		stored.State = models.JobFailed
		stored.LastError = errorText(cause)
	})
}

// Retry schedules another attempt after the job's backoff, or fails the job
// with models.ErrQueueExhausted when its attempts are spent. msg reflects the
// resulting state on return.
func (m *BadgerManager) Retry(ctx context.Context, msg *Message, cause error) error {
	return m.transition(msg, func(stored *Message, now time.Time) {
		if stored.Attempts >= stored.MaxAttempts {
			stored.State = models.JobFailed
			stored.LastError = fmt.Errorf("%w after %d attempts: %s", models.ErrQueueExhausted, stored.Attempts, errorText(cause)).Error()
			return
		}
		stored.State = models.JobDelayed
		stored.LastError = errorText(cause)
		stored.VisibleAt = now.Add(backoffFor(stored))
	})
}

// Defer reschedules a leased job without consuming an attempt. Once the job has
// been deferred MaxDeferrals times it fails instead.
func (m *BadgerManager) Defer(ctx context.Context, msg *Message, delay time.Duration, cause error) error {
	if delay <= 0 {
		delay = m.config.DeferDelay
	}
	return m.transition(msg, func(stored *Message, now time.Time) {
		if stored.Deferrals >= m.config.MaxDeferrals {
			stored.State = models.JobFailed
			stored.LastError = fmt.Errorf("%w after %d deferrals: %s", models.ErrQueueExhausted, stored.Deferrals, errorText(cause)).Error()
			return
		}
		stored.Deferrals++
		if stored.Attempts > 0 {
			stored.Attempts--
		}
		stored.State = models.JobDelayed
		stored.LastError = errorText(cause)
		stored.VisibleAt = now.Add(delay)
	})
}

// Extend pushes out the lease of a job that is still being worked on
func (m *BadgerManager) Extend(ctx context.Context, msg *Message, duration time.Duration) error {
	return m.transition(msg, func(stored *Message, now time.Time) {
		stored.VisibleAt = now.Add(duration)
	})
}

// Get returns the stored job, including failed ones
func (m *BadgerManager) Get(ctx context.Context, queueName, id string) (*Message, error) {
	var msg Message
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(queueName, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Stats counts jobs by state for the named queue
func (m *BadgerManager) Stats(ctx context.Context, queueName string) (models.QueueStats, error) {
	var stats models.QueueStats
	now := time.Now()

	err := m.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get(completedKey(queueName)); err == nil {
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					stats.Completed = int(binary.BigEndian.Uint64(val))
				}
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		prefix := []byte(fmt.Sprintf("queue:%s:msg:", queueName))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				continue
			}
			switch {
			case msg.State == models.JobFailed:
				stats.Failed++
			case msg.State == models.JobActive:
				stats.Active++
			case msg.VisibleAt.After(now):
				stats.Delayed++
			default:
				stats.Waiting++
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

// Close closes the queue manager (no-op as the DB is managed by storage)
func (m *BadgerManager) Close() error {
	return nil
}

// transition applies fn to the stored copy of a leased job and re-indexes it.
func (m *BadgerManager) transition(msg *Message, fn func(stored *Message, now time.Time)) error {
	if msg == nil {
		return errors.New("queue message is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result Message
	err := m.db.Update(func(txn *badger.Txn) error {
		key := msgKey(msg.Queue, msg.ID)
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrLeaseLost
			}
			return err
		}

		var stored Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if stored.State != models.JobActive || stored.Attempts != msg.Attempts {
			return ErrLeaseLost
		}

		if err := txn.Delete(indexKey(stored.Queue, stored.VisibleAt, stored.ID)); err != nil {
			return err
		}

		now := time.Now()
		fn(&stored, now)
		stored.UpdatedAt = now
		result = stored

		switch stored.State {
		case models.JobCompleted:
			if err := txn.Delete(key); err != nil {
				return err
			}
			return incrementCounter(txn, completedKey(stored.Queue))
		case models.JobFailed:
			return putMessage(txn, &stored)
		default:
			if err := putMessage(txn, &stored); err != nil {
				return err
			}
			return txn.Set(indexKey(stored.Queue, stored.VisibleAt, stored.ID), []byte{})
		}
	})
	if err != nil {
		return err
	}

	*msg = result
	return nil
}

// Helpers

type indexEntry struct {
	key []byte
	id  string
}

// dueIndexKeys collects index entries visible at now, oldest first.
// Keys are copied so the iterator can be closed before the caller writes.
func dueIndexKeys(txn *badger.Txn, queueName string, now time.Time) ([]indexEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := []byte(fmt.Sprintf("queue:%s:index:", queueName))
	it := txn.NewIterator(opts)
	defer it.Close()

	var due []indexEntry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		ts, id, err := parseIndexKey(queueName, key)
		if err != nil {
			continue
		}
		// Keys are sorted by timestamp, nothing after a future one is ready
		if ts.After(now) {
			break
		}
		due = append(due, indexEntry{key: key, id: id})
	}
	return due, nil
}

func putMessage(txn *badger.Txn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return txn.Set(msgKey(msg.Queue, msg.ID), data)
}

func incrementCounter(txn *badger.Txn, key []byte) error {
	var current uint64
	item, err := txn.Get(key)
	if err == nil {
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				current = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return err
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current+1)
	return txn.Set(key, buf)
}

func backoffFor(msg *Message) time.Duration {
	backoff := msg.Backoff
	if !msg.Exponential || msg.Attempts <= 1 {
		return backoff
	}
	for i := 1; i < msg.Attempts; i++ {
		backoff *= 2
	}
	return backoff
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func validateQueueName(name string) error {
	if name == "" {
		return errors.New("queue name is required")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("queue name %q must not contain ':'", name)
	}
	return nil
}

func msgKey(queueName, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queueName, id))
}

func completedKey(queueName string) []byte {
	return []byte(fmt.Sprintf("queue:%s:stats:completed", queueName))
}

func indexKey(queueName string, visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queueName, visibleAt.UnixNano(), id))
}

func parseIndexKey(queueName string, key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", queueName)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
