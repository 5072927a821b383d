package logging

import (
	"context"
	"sync"
)

// Entry 捕获到的一条日志
type Entry struct {
	Level  Level
	Msg    string
	Fields []Field
}

// CaptureLogger 记录所有日志的实现（用于测试）
//
// 并发安全，可在多个 goroutine 同时写入的场景下断言日志输出。
type CaptureLogger struct {
	mu      sync.Mutex
	entries []Entry
	fields  []Field
}

// NewCaptureLogger 创建捕获 Logger
func NewCaptureLogger() *CaptureLogger {
	return &CaptureLogger{}
}

func (l *CaptureLogger) record(level Level, msg string, fields []Field) {
	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)
	l.mu.Lock()
	l.entries = append(l.entries, Entry{Level: level, Msg: msg, Fields: all})
	l.mu.Unlock()
}

func (l *CaptureLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.record(DebugLevel, msg, fields)
}

func (l *CaptureLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.record(InfoLevel, msg, fields)
}

func (l *CaptureLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.record(WarnLevel, msg, fields)
}

func (l *CaptureLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.record(ErrorLevel, msg, fields)
}

func (l *CaptureLogger) WithFields(fields ...Field) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)
	// 子 Logger 共享条目切片，便于统一断言
	return &captureChild{parent: l, fields: newFields}
}

// Entries 返回已捕获的日志副本
func (l *CaptureLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Contains 检查是否捕获过指定消息
func (l *CaptureLogger) Contains(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Msg == msg {
			return true
		}
	}
	return false
}

// Clear 清空已捕获的日志（测试用）
func (l *CaptureLogger) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

type captureChild struct {
	parent *CaptureLogger
	fields []Field
}

func (c *captureChild) record(level Level, msg string, fields []Field) {
	all := make([]Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)
	c.parent.mu.Lock()
	c.parent.entries = append(c.parent.entries, Entry{Level: level, Msg: msg, Fields: all})
	c.parent.mu.Unlock()
}

func (c *captureChild) Debug(ctx context.Context, msg string, fields ...Field) {
	c.record(DebugLevel, msg, fields)
}

func (c *captureChild) Info(ctx context.Context, msg string, fields ...Field) {
	c.record(InfoLevel, msg, fields)
}

func (c *captureChild) Warn(ctx context.Context, msg string, fields ...Field) {
	c.record(WarnLevel, msg, fields)
}

func (c *captureChild) Error(ctx context.Context, msg string, fields ...Field) {
	c.record(ErrorLevel, msg, fields)
}

func (c *captureChild) WithFields(fields ...Field) Logger {
	newFields := make([]Field, len(c.fields)+len(fields))
	copy(newFields, c.fields)
	copy(newFields[len(c.fields):], fields)
	return &captureChild{parent: c.parent, fields: newFields}
}
