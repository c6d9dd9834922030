package logger

import "testing"

func TestNewLoggerDoesNotPanic(t *testing.T) {
	l := New(LevelDebug)
	l.Debugf("debug %s", "message")
	l.Infof("info %d", 1)
	l.Warnf("warn")
	l.Errorf("error %v", "x")
	l.Successf("success")
}

func TestNamedAddsChildLogger(t *testing.T) {
	l := New(LevelInfo)
	child := l.Named("subsystem", "key", "value")
	if child == nil {
		t.Fatal("Named returned nil")
	}
	child.Infof("hello from child")
}

func TestRawExposesZapLogger(t *testing.T) {
	l := New(LevelInfo)
	if l.Raw() == nil {
		t.Error("Raw() should never return nil")
	}
}

func TestPackageLevelConvenienceFunctionsDoNotPanic(t *testing.T) {
	SetLevel(LevelDebug)
	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
	Success("success")
}
