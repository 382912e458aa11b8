package app

import (
	"context"
	"errors"
	"time"

	"rwa-exposure-bundle/internal/bundle"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// job is one scheduled bundle operation.
type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

type scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

func newScheduler(log *zap.Logger) *scheduler {
	logger := cronLogger{log: log.Sugar()}
	return &scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		log:  log.With(zap.String("component", "scheduler")),
	}
}

func (s *scheduler) add(ctx context.Context, j job) error {
	_, err := s.cron.AddFunc(j.schedule, func() {
		start := time.Now()
		err := j.run(ctx)
		switch {
		case err == nil:
			s.log.Debug("job completed", zap.String("job", j.name), zap.Duration("took", time.Since(start)))
		case errors.Is(err, bundle.ErrReentrant):
			s.log.Debug("job skipped: bundle busy", zap.String("job", j.name))
		case errors.Is(err, context.Canceled):
		default:
			s.log.Warn("job failed", zap.String("job", j.name), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.log.Info("job registered", zap.String("job", j.name), zap.String("schedule", j.schedule))
	return nil
}

func (s *scheduler) start() {
	s.cron.Start()
}

// stop waits for running jobs.
func (s *scheduler) stop() {
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
