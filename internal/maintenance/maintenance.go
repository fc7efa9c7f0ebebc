// Package maintenance turns cron schedules into coordinator commands:
// expiring stale pending items, reconnecting configured relays and
// re-saving settings.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaydeck/internal/comms"
	logx "relaydeck/pkg/logx"
)

// Job names.
const (
	JobPrunePending = "prune_pending"
	JobReconnect    = "reconnect"
	JobSaveSettings = "save_settings"
)

var jobCommands = map[string]func() comms.Command{
	JobPrunePending: func() comms.Command { return comms.PruneExpired{} },
	JobReconnect:    func() comms.Command { return comms.ReconnectAll{} },
	JobSaveSettings: func() comms.Command { return comms.SaveSettings{} },
}

// DefaultJobs is used when Config.Jobs is empty.
func DefaultJobs() map[string]string {
	return map[string]string{
		JobPrunePending: "@every 1m",
		JobReconnect:    "@every 5m",
	}
}

type Config struct {
	Enabled  bool
	Timezone string            // IANA name; empty means local
	Jobs     map[string]string // job name -> schedule
}

type CommandSender interface {
	SendCommand(comms.Command) error
}

// JobStats describes one registered job.
type JobStats struct {
	Name    string
	Spec    string
	Next    time.Time
	Runs    uint64
	LastRun time.Time
	LastErr string
}

type job struct {
	name    string
	spec    string
	entry   cron.EntryID
	runs    uint64
	lastRun time.Time
	lastErr string
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	sender CommandSender
	parser cron.Parser

	c    *cron.Cron
	jobs map[string]*job
	now  func() time.Time
}

func New(cfg Config, sender CommandSender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
		now:    time.Now,
	}
}

// Validate checks job names and schedules without starting anything.
func (s *Service) Validate(cfg Config) error {
	_, err := s.resolve(cfg)
	return err
}

func (s *Service) resolve(cfg Config) (map[string]string, error) {
	jobs := cfg.Jobs
	if len(jobs) == 0 {
		jobs = DefaultJobs()
	}
	out := make(map[string]string, len(jobs))
	var errs []error
	for name, raw := range jobs {
		if _, ok := jobCommands[name]; !ok {
			errs = append(errs, fmt.Errorf("unknown job %q", name))
			continue
		}
		// "off" disables a default job.
		if strings.EqualFold(strings.TrimSpace(raw), "off") {
			continue
		}
		p, err := ParseSchedule(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		if _, err := s.parser.Parse(p.CronSpec()); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		out[name] = p.CronSpec()
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start registers every configured job and starts the cron runner. It is a
// no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	specs, err := s.resolve(s.cfg)
	if err != nil {
		return err
	}
	loc, _ := loadLocation(s.cfg.Timezone)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.jobs = map[string]*job{}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		j := &job{name: name, spec: specs[name]}
		id, err := s.c.AddFunc(j.spec, func() { s.run(j) })
		if err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
		j.entry = id
		s.jobs[name] = j
		s.log.Debug("job registered", logx.String("name", name), logx.String("spec", j.spec))
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", len(s.jobs)), logx.String("tz", loc.String()))
	return nil
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// Apply swaps in cfg, restarting the runner when it is running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.Stop(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !cfg.Enabled {
		s.jobs = map[string]*job{}
		return nil
	}
	return s.startLocked()
}

// RunNow sends the job's command immediately.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		if _, known := jobCommands[name]; !known {
			return fmt.Errorf("unknown job %q", name)
		}
		j = &job{name: name}
	}
	return s.run(j)
}

func (s *Service) run(j *job) error {
	cmd := jobCommands[j.name]()
	err := s.sender.SendCommand(cmd)

	s.mu.Lock()
	j.runs++
	j.lastRun = s.now()
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("name", j.name), logx.Err(err))
		return err
	}
	s.log.Trace("job ran", logx.String("name", j.name), logx.String("cmd", comms.CommandName(cmd)))
	return nil
}

// Jobs lists registered jobs sorted by name.
func (s *Service) Jobs() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStats{Name: j.name, Spec: j.spec, Runs: j.runs, LastRun: j.lastRun, LastErr: j.lastErr}
		if s.c != nil {
			st.Next = s.c.Entry(j.entry).Next
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b JobStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}
