package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
)

// jobEntry represents a registered housekeeping job
type jobEntry struct {
	name        string
	schedule    string
	description string
	handler     func() error
	cronID      cron.EntryID
	lastRun     *time.Time
	isRunning   bool
	lastError   string
}

// JobStatus is the reported state of a registered job
type JobStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
}

// Service runs housekeeping jobs on cron schedules
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	jobMu   sync.Mutex // Protects jobs map
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates a new scheduler service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

// RegisterJob adds a job under a standard 5-field cron schedule
func (s *Service) RegisterJob(name, schedule, description string, handler func() error) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return err
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
	}
	cronID, err := s.cron.AddFunc(schedule, func() { s.executeJob(name) })
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job", name).
		Str("schedule", schedule).
		Msg("Scheduled job registered")
	return nil
}

// Start begins running registered jobs
func (s *Service) Start() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts the scheduler and waits for running jobs
func (s *Service) Stop() {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return
	}
	s.running = false
	s.jobMu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// TriggerJob runs a registered job now, outside its schedule
func (s *Service) TriggerJob(name string) error {
	s.jobMu.Lock()
	_, ok := s.jobs[name]
	s.jobMu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.executeJob(name)
}

// executeJob runs one job, skipping it when the previous run is still going
func (s *Service) executeJob(name string) error {
	defer common.RecoverPanic(s.logger, "scheduler-"+name)

	s.jobMu.Lock()
	entry, ok := s.jobs[name]
	if !ok {
		s.jobMu.Unlock()
		return nil
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Debug().Str("job", name).Msg("Job still running, skipping this run")
		return nil
	}
	entry.isRunning = true
	s.jobMu.Unlock()

	start := time.Now()
	err := entry.handler()

	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &start
	entry.lastError = ""
	if err != nil {
		entry.lastError = err.Error()
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job failed")
		return err
	}
	s.logger.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job completed")
	return nil
}

// GetJobStatuses returns the state of every registered job
func (s *Service) GetJobStatuses() []JobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{
			Name:        entry.name,
			Schedule:    entry.schedule,
			Description: entry.description,
			LastRun:     entry.lastRun,
			IsRunning:   entry.isRunning,
			LastError:   entry.lastError,
		}
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
		statuses = append(statuses, status)
	}
	return statuses
}
