package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestLoggerRecords(t *testing.T) {
	l := NewTestLogger()
	l.Info("hello %s", "world")
	l.With(map[string]interface{}{"tag": "content-sync"}).Warn("retry")

	logs := l.Logs()
	assert.Len(t, logs, 2)
	assert.Equal(t, "INFO", logs[0].Severity)
	assert.Equal(t, "hello world", logs[0].Text())
	assert.Equal(t, "content-sync", logs[1].Metadata["tag"])
	assert.True(t, l.Contains("WARNING", "retry"))
	assert.False(t, l.Contains("ERROR", "retry"))
}

func TestTestLoggerConcurrent(t *testing.T) {
	l := NewTestLogger()
	child := l.With(map[string]interface{}{"worker": true})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child.Debug("entry %d", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, l.Logs(), 50)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("TRACE"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelNone, ParseLevel("off"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, "ERROR", LevelError.String())
}

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, "debug")
	assert.Equal(t, LevelDebug, GetLevelFromEnv())
}

func TestConsoleLoggerFormat(t *testing.T) {
	l := NewConsoleLogger(LevelInfo).WithPrefix("[sync]").With(map[string]interface{}{"tag": "x"}).(*consoleLogger)
	out := ansiColorStripper.ReplaceAllString(l.format(LevelWarn, "failed %d", 2), "")
	assert.Equal(t, `[WARN]  [sync] failed 2 {"tag":"x"}`, out)
}
