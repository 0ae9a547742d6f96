package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
)

// Color codes for console output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorGreen  = "\033[32m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

// ColorHandler 自定义带颜色的处理器
type ColorHandler struct {
	slog.Handler
	w io.Writer
}

func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	return &ColorHandler{
		Handler: slog.NewTextHandler(w, opts),
		w:       w,
	}
}

func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	// 获取级别并着色
	level := r.Level.String()
	var coloredLevel string
	switch level {
	case "DEBUG":
		coloredLevel = fmt.Sprintf("%s%-7s%s", ColorPurple, level, ColorReset)
	case "INFO":
		coloredLevel = fmt.Sprintf("%s%-7s%s", ColorGreen, level, ColorReset)
	case "WARN":
		coloredLevel = fmt.Sprintf("%s%-7s%s", ColorYellow, level, ColorReset)
	case "ERROR":
		coloredLevel = fmt.Sprintf("%s%-7s%s", ColorRed, level, ColorReset)
	default:
		coloredLevel = fmt.Sprintf("%-7s", level)
	}

	// 获取时间
	t := r.Time.Format("2006-01-02 15:04:05")

	// 获取源码信息 - 优先使用自定义caller信息
	var source string
	callerInfo := ""

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "caller" {
			callerInfo = a.Value.String()
		}
		return true
	})

	if callerInfo != "" {
		source = fmt.Sprintf("%s[%s]%s", ColorGray, callerInfo, ColorReset)
	} else if fs := sourceFromPC(r.PC); fs != "" {
		source = fmt.Sprintf("%s[%s]%s", ColorGray, fs, ColorReset)
	}

	// 构建日志消息
	var b strings.Builder

	// 带颜色的时间和级别
	fmt.Fprintf(&b, "%s%s%s %s ", ColorCyan, t, ColorReset, coloredLevel)

	// 消息内容
	b.WriteString(r.Message)

	// 添加属性（跳过内部使用的caller属性）
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "caller" {
			return true
		}
		if a.Key == "relay_id" {
			// relay_id 特殊格式
			fmt.Fprintf(&b, " %s[relay-%s]%s", ColorBlue, a.Value.String(), ColorReset)
		} else if a.Key == "prefix" {
			// prefix 特殊格式
			fmt.Fprintf(&b, " %s", a.Value.String())
		} else {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
		return true
	})

	if source != "" {
		fmt.Fprintf(&b, " %s", source)
	}

	fmt.Fprintln(h.w, b.String())
	return nil
}

// sourceFromPC 从 PC 获取源码信息
func sourceFromPC(pc uintptr) string {
	fs := runtime.CallersFrames([]uintptr{pc})
	frame, _ := fs.Next()
	if frame.File != "" {
		// 只显示文件名，不显示完整路径
		if idx := strings.LastIndex(frame.File, "/"); idx >= 0 {
			frame.File = frame.File[idx+1:]
		}
		return fmt.Sprintf("%s:%d", frame.File, frame.Line)
	}
	return ""
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{
		Handler: h.Handler.WithAttrs(attrs),
		w:       h.w,
	}
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{
		Handler: h.Handler.WithGroup(name),
		w:       h.w,
	}
}

// SlogLogger wraps slog.Logger for compatibility
type SlogLogger struct {
	logger *slog.Logger
	attrs  []slog.Attr
	mu     sync.RWMutex
}

// defaultLogger 默认日志器
var defaultLogger *SlogLogger

func init() {
	defaultLogger = NewLogger()
	defaultLogger.SetLevel("info")
}

// NewLogger creates a new logger with slog
func NewLogger() *SlogLogger {
	return NewLoggerWithOutput(os.Stdout, slog.LevelInfo)
}

// NewLoggerWithOutput creates a logger with specific output
func NewLoggerWithOutput(output io.Writer, level slog.Level) *SlogLogger {
	var handler slog.Handler
	if isTerminal(output) && supportsColor() {
		// Terminal: Always use our color handler
		handler = NewColorHandler(output, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})
	} else {
		// File or non-terminal: the same ColorHandler without slog source capture;
		// its output still carries the ANSI color codes
		handler = &ColorHandler{
			Handler: slog.NewTextHandler(output, &slog.HandlerOptions{
				Level:     level,
				AddSource: false, // 我们会手动处理源码信息
			}),
			w: output,
		}
	}

	return &SlogLogger{
		logger: slog.New(handler),
		attrs:  make([]slog.Attr, 0),
	}
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if w == os.Stdout || w == os.Stderr {
		if f, ok := w.(*os.File); ok {
			stat, err := f.Stat()
			if err != nil {
				return false
			}
			return (stat.Mode() & os.ModeCharDevice) != 0
		}
	}
	return false
}

// supportsColor checks if the terminal supports colors
func supportsColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	term := os.Getenv("TERM")
	if term == "" || term == "dumb" {
		return false
	}

	colorTerms := []string{
		"xterm", "xterm-256color", "screen", "tmux", "rxvt",
		"vt100", "ansi", "cygwin", "linux", "konsole",
	}

	for _, ct := range colorTerms {
		if strings.Contains(strings.ToLower(term), ct) {
			return true
		}
	}

	return false
}

// Format logging methods - compatible with existing interface
func (l *SlogLogger) Debug(format string, args ...interface{}) {
	if len(args) == 0 {
		l.log(slog.LevelDebug, format)
	} else {
		l.logf(slog.LevelDebug, format, args...)
	}
}

func (l *SlogLogger) Info(format string, args ...interface{}) {
	if len(args) == 0 {
		l.log(slog.LevelInfo, format)
	} else {
		l.logf(slog.LevelInfo, format, args...)
	}
}

func (l *SlogLogger) Warn(format string, args ...interface{}) {
	if len(args) == 0 {
		l.log(slog.LevelWarn, format)
	} else {
		l.logf(slog.LevelWarn, format, args...)
	}
}

func (l *SlogLogger) Error(format string, args ...interface{}) {
	if len(args) == 0 {
		l.log(slog.LevelError, format)
	} else {
		l.logf(slog.LevelError, format, args...)
	}
}

func (l *SlogLogger) Fatal(format string, args ...interface{}) {
	if len(args) == 0 {
		l.log(slog.LevelError, format)
	} else {
		l.logf(slog.LevelError, format, args...)
	}
	os.Exit(1)
}

// With fields support
func (l *SlogLogger) WithField(key string, value interface{}) *SlogLogger {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &SlogLogger{
		logger: l.logger.With(key, value),
		attrs:  append(l.attrs, slog.Any(key, value)),
	}
}

func (l *SlogLogger) WithFields(fields map[string]interface{}) *SlogLogger {
	l.mu.Lock()
	defer l.mu.Unlock()

	var args []any
	for k, v := range fields {
		args = append(args, k, v)
	}

	var attrs []slog.Attr
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}

	return &SlogLogger{
		logger: l.logger.With(args...),
		attrs:  append(l.attrs, attrs...),
	}
}

// SetLevel sets the log level
func (l *SlogLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var slogLevel slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		slogLevel = slog.LevelDebug
	case "INFO":
		slogLevel = slog.LevelInfo
	case "WARN":
		slogLevel = slog.LevelWarn
	case "ERROR":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	var handler slog.Handler
	if isTerminal(os.Stdout) && supportsColor() {
		handler = NewColorHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slogLevel,
			AddSource: true,
		})
	} else {
		handler = &ColorHandler{
			Handler: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slogLevel,
			}),
			w: os.Stdout,
		}
	}

	l.logger = slog.New(handler)
}

// Helper methods
func (l *SlogLogger) log(level slog.Level, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.logger.Enabled(context.Background(), level) {
		return
	}

	msg := fmt.Sprint(args...)
	if callerInfo := callerOutsideLogger(); callerInfo != "" {
		l.logger.Log(context.Background(), level, msg, slog.String("caller", callerInfo))
	} else {
		l.logger.Log(context.Background(), level, msg)
	}
}

func (l *SlogLogger) logf(level slog.Level, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.logger.Enabled(context.Background(), level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if callerInfo := callerOutsideLogger(); callerInfo != "" {
		l.logger.Log(context.Background(), level, msg, slog.String("caller", callerInfo))
	} else {
		l.logger.Log(context.Background(), level, msg)
	}
}

// callerOutsideLogger 获取logger包之外的第一个调用者信息
func callerOutsideLogger() string {
	pcs := make([]uintptr, 6)
	n := runtime.Callers(4, pcs)
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "logger/") {
			filename := frame.File
			if idx := strings.LastIndex(filename, "/"); idx >= 0 {
				filename = filename[idx+1:]
			}
			return fmt.Sprintf("%s:%d", filename, frame.Line)
		}
		if !more {
			break
		}
	}
	return ""
}

// Global functions for backward compatibility
func SetLevel(level string) {
	defaultLogger.SetLevel(level)
}

func Debug(format string, args ...interface{}) {
	defaultLogger.Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.Fatal(format, args...)
}

// WithPrefix 创建带有前缀的日志器
func WithPrefix(prefix string) *SlogLogger {
	return defaultLogger.WithField("prefix", prefix)
}

// WithField 创建带有一个字段的日志器
func WithField(key string, value interface{}) *SlogLogger {
	return defaultLogger.WithField(key, value)
}
