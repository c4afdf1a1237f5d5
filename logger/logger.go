package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息（正常运行信息）
	WARN                  // 警告信息（需要注意但不影响运行）
	ERROR                 // 错误信息（需要关注的问题）
	FATAL                 // 致命错误（程序无法继续）
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	level = strings.ToUpper(strings.TrimSpace(level))
	switch level {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO // 默认INFO级别
	}
}

// Logger 日志实例
// 每个连接器/组件在构造时注入一个 Logger 句柄，不使用全局可变单例
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	prefix string
	out    *log.Logger

	// 文件日志相关（仅 DEBUG 级别启用）
	logDir      string
	fileLogger  *log.Logger
	logFile     *os.File
	currentDate string

	// 时区
	location *time.Location
}

// New 创建日志实例
func New(level LogLevel) *Logger {
	return &Logger{
		level:    level,
		out:      log.New(os.Stdout, "", log.LstdFlags),
		location: time.Local,
	}
}

// NewWithFile 创建带文件输出的日志实例（DEBUG 级别时按日期写入文件）
func NewWithFile(level LogLevel, logDir string) *Logger {
	l := New(level)
	l.logDir = logDir
	return l
}

// Named 返回带组件前缀的子日志器，与父日志器共享输出和级别
func (l *Logger) Named(name string) *Logger {
	child := &Logger{
		level:    l.level,
		prefix:   name,
		out:      l.out,
		logDir:   l.logDir,
		location: l.location,
	}
	return child
}

// SetLevel 设置日志级别
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel 获取日志级别
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLocation 设置日志时区
func (l *Logger) SetLocation(loc *time.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if loc != nil {
		l.location = loc
	}
}

// Close 关闭文件日志（程序退出时调用）
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.logFile.Close()
		l.logFile = nil
		l.fileLogger = nil
		l.currentDate = ""
	}
}

// checkAndRotateLog 检查并轮转日志文件（如果需要）
// 注意：调用此函数前必须已持有 mu 锁
func (l *Logger) checkAndRotateLog() {
	today := time.Now().In(l.location).Format("2006-01-02")
	if l.fileLogger != nil && l.currentDate == today {
		return
	}

	// 关闭旧文件
	if l.logFile != nil {
		l.logFile.Close()
		l.logFile = nil
	}

	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		// 创建失败时只输出到控制台
		return
	}

	logFileName := filepath.Join(l.logDir, fmt.Sprintf("app-perpmesh-%s.log", today))
	file, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}

	l.logFile = file
	l.currentDate = today
	l.fileLogger = log.New(file, "", 0)
}

// logf 内部日志输出函数
func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	prefix := fmt.Sprintf("[%s] ", level.String())
	if l.prefix != "" {
		prefix = fmt.Sprintf("[%s] [%s] ", level.String(), l.prefix)
	}
	message := fmt.Sprintf(prefix+format, args...)

	l.out.Print(message)

	// DEBUG 级别同时写入文件
	if l.level == DEBUG && l.logDir != "" {
		l.checkAndRotateLog()
		if l.fileLogger != nil {
			l.fileLogger.Printf("%s %s", time.Now().In(l.location).Format("2006/01/02 15:04:05"), message)
		}
	}
}

// Debug 输出调试日志
func (l *Logger) Debug(format string, args ...interface{}) {
	l.logf(DEBUG, format, args...)
}

// Info 输出一般信息日志
func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(INFO, format, args...)
}

// Warn 输出警告日志
func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf(WARN, format, args...)
}

// Error 输出错误日志
func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(ERROR, format, args...)
}

// Fatal 输出致命错误日志并退出程序
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.logf(FATAL, format, args...)
	os.Exit(1)
}
