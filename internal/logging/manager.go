package logging

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// LoggerManager кэш логгеров по имени компонента
type LoggerManager struct {
	mu      sync.Mutex
	loggers map[string]*Logger
}

var globalManager = &LoggerManager{loggers: make(map[string]*Logger)}

// GetLoggerManager возвращает менеджер процесса
func GetLoggerManager() *LoggerManager { return globalManager }

// GetLogger возвращает логгер компонента, создавая его при первом обращении
func (lm *LoggerManager) GetLogger(component string) (*Logger, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if l, ok := lm.loggers[component]; ok {
		return l, nil
	}
	l, err := NewLogger(component)
	if err != nil {
		return nil, fmt.Errorf("логгер %s: %w", component, err)
	}
	lm.loggers[component] = l
	return l, nil
}

// MustGetLogger как GetLogger, но при ошибке файла возвращает консольный логгер
func (lm *LoggerManager) MustGetLogger(component string) *Logger {
	l, err := lm.GetLogger(component)
	if err == nil {
		return l
	}
	opts := options()
	return &Logger{
		component:       component,
		consoleLogger:   defaultLogger.consoleLogger,
		minConsoleLevel: opts.ConsoleLevel,
		minFileLevel:    ERROR + 1,
	}
}

// applyLevels переносит уровни из Configure на уже созданные логгеры.
// Логгеры пакетов часто создаются раньше, чем процесс прочитает конфиг.
func (lm *LoggerManager) applyLevels(console, file LogLevel) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, l := range lm.loggers {
		l.setLevels(console, file)
	}
}

// CloseAll закрывает файлы всех логгеров и очищает кэш
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs []error
	for component, l := range lm.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("логгер %s: %w", component, err))
		}
	}
	clear(lm.loggers)
	return errors.Join(errs...)
}

// ListComponents имена созданных логгеров, по алфавиту
func (lm *LoggerManager) ListComponents() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	names := make([]string, 0, len(lm.loggers))
	for name := range lm.loggers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetLogLevel меняет уровни одного компонента
func (lm *LoggerManager) SetLogLevel(component string, consoleLevel, fileLevel LogLevel) error {
	lm.mu.Lock()
	l, ok := lm.loggers[component]
	lm.mu.Unlock()
	if !ok {
		return fmt.Errorf("логгер %s не создан", component)
	}
	l.setLevels(consoleLevel, fileLevel)
	return nil
}

// GetComponentLogger логгер компонента из менеджера процесса
func GetComponentLogger(component string) *Logger {
	return globalManager.MustGetLogger(component)
}

func GetNetworkLogger() *Logger     { return GetComponentLogger("network") }
func GetSessionLogger() *Logger     { return GetComponentLogger("session") }
func GetReplicationLogger() *Logger { return GetComponentLogger("replication") }
func GetAuthorityLogger() *Logger   { return GetComponentLogger("authority") }
func GetEventsLogger() *Logger      { return GetComponentLogger("events") }
