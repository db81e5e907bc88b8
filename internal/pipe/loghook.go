package pipe

import "github.com/sirupsen/logrus"

// LogHook mirrors log entries to the companion.
type LogHook struct {
	m *Manager
}

func NewLogHook(m *Manager) *LogHook {
	return &LogHook{m: m}
}

func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *LogHook) Fire(entry *logrus.Entry) error {
	return h.m.WriteMessage(messageType(entry.Level), entry.Message)
}

func messageType(l logrus.Level) MessageType {
	switch {
	case l <= logrus.ErrorLevel:
		return ErrorText
	case l >= logrus.DebugLevel:
		return DebugText
	default:
		return NormalText
	}
}
