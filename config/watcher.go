package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher 配置文件监控器
// 监控配置文件变更并将重新加载的配置推送到 Updates channel
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	isWatching  bool
	lastModTime time.Time
	updateChan  chan *Config
	errorChan   chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %v", err)
	}

	configDir := filepath.Dir(configPath)
	if configDir == "" || configDir == "." {
		configDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("获取当前目录失败: %v", err)
		}
		configPath = filepath.Join(configDir, filepath.Base(configPath))
	}

	var lastModTime time.Time
	if info, err := os.Stat(configPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:  configPath,
		watcher:     watcher,
		lastModTime: lastModTime,
		updateChan:  make(chan *Config, 1),
		errorChan:   make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}

	// 监控配置文件所在目录，编辑器保存常用重命名替换，监控文件本身会丢事件
	configDir := filepath.Dir(cw.configPath)
	if err := cw.watcher.Add(configDir); err != nil {
		return fmt.Errorf("添加监控目录失败: %v", err)
	}

	cw.isWatching = true
	go cw.watchLoop(ctx)

	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return nil
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

// Updates 返回配置更新 channel
func (cw *ConfigWatcher) Updates() <-chan *Config {
	return cw.updateChan
}

// Errors 返回错误 channel
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errorChan
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != filepath.Clean(cw.configPath) {
				continue
			}
			if !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
				continue
			}
			cw.handleChange()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.pushError(fmt.Errorf("文件监控错误: %v", err))
		}
	}
}

// handleChange 配置文件变更后重新加载
func (cw *ConfigWatcher) handleChange() {
	// 编辑器保存可能触发多个事件，用修改时间去重
	info, err := os.Stat(cw.configPath)
	if err != nil {
		cw.pushError(fmt.Errorf("读取配置文件信息失败: %v", err))
		return
	}

	cw.mu.Lock()
	if !info.ModTime().After(cw.lastModTime) {
		cw.mu.Unlock()
		return
	}
	cw.lastModTime = info.ModTime()
	cw.mu.Unlock()

	// 写入可能尚未完成，稍等再读
	time.Sleep(100 * time.Millisecond)

	cfg, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.pushError(fmt.Errorf("重新加载配置失败: %v", err))
		return
	}

	// 只保留最新的配置
	select {
	case cw.updateChan <- cfg:
	default:
		select {
		case <-cw.updateChan:
		default:
		}
		cw.updateChan <- cfg
	}
}

func (cw *ConfigWatcher) pushError(err error) {
	select {
	case cw.errorChan <- err:
	default:
	}
}
