package engine

import "sync"

// Logger defines the logging interface used by the engine.
// This is compatible with slog.Logger and the logging package's Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// logSink is a swappable logger shared by the engine's parts.
type logSink struct {
	mu     sync.RWMutex
	logger Logger
}

func (s *logSink) set(l Logger) {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

func (s *logSink) get() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *logSink) debug(msg string, args ...any) {
	if l := s.get(); l != nil {
		l.Debug(msg, args...)
	}
}

func (s *logSink) info(msg string, args ...any) {
	if l := s.get(); l != nil {
		l.Info(msg, args...)
	}
}

func (s *logSink) warn(msg string, args ...any) {
	if l := s.get(); l != nil {
		l.Warn(msg, args...)
	}
}

func (s *logSink) error(msg string, err error, args ...any) {
	if l := s.get(); l != nil {
		l.Error(msg, append([]any{"error", err}, args...)...)
	}
}

// Error satisfies scheduler.Logger so recovered panics reach the same sink.
func (s *logSink) Error(msg string, args ...any) {
	if l := s.get(); l != nil {
		l.Error(msg, args...)
	}
}
