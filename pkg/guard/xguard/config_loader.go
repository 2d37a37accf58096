package xguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// ConfigProvider 配置来源抽象。
// Load 返回当前配置，Watch 返回配置变更流；不支持监听的来源
// 返回 (nil, nil)。
type ConfigProvider interface {
	Load(ctx context.Context) (Config, error)
	Watch(ctx context.Context) (<-chan Config, error)
	Close() error
}

// ErrUnsupportedFormat 表示配置文件格式无法识别
var ErrUnsupportedFormat = errors.New("xguard: unsupported config format")

// watchDebounce 文件变更的防抖时间。
// 编辑器保存一个文件通常产生多个事件，合并为一次重载。
const watchDebounce = 100 * time.Millisecond

// parseConfig 按格式解析配置字节
func parseConfig(data []byte, format string) (Config, error) {
	var parser koanf.Parser
	switch strings.ToLower(format) {
	case "yaml", "yml":
		parser = kyaml.Parser()
	case "json":
		parser = kjson.Parser()
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return Config{}, fmt.Errorf("xguard: parse config: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("xguard: unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// =============================================================================
// 文件来源
// =============================================================================

// FileProvider 从 YAML/JSON 文件加载配置，支持变更监听。
// 格式由扩展名决定。
type FileProvider struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	closed  bool
}

var _ ConfigProvider = (*FileProvider)(nil)

// NewFileProvider 创建文件配置来源
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Load 读取并解析配置文件
func (p *FileProvider) Load(_ context.Context) (Config, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return Config{}, fmt.Errorf("xguard: read config: %w", err)
	}
	ext := strings.TrimPrefix(filepath.Ext(p.path), ".")
	return parseConfig(data, ext)
}

// Watch 监听配置文件变更并推送解析成功的新配置。
// 监视文件所在目录而非文件本身：编辑器保存时可能先删除再创建，
// 直接监视文件会丢失事件。解析失败的变更被丢弃，通道只送有效配置。
func (p *FileProvider) Watch(ctx context.Context) (<-chan Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("xguard: create watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		closeErr := watcher.Close()
		return nil, errors.Join(fmt.Errorf("xguard: watch %s: %w", dir, err), closeErr)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	changes := make(chan Config, 1)
	go p.run(ctx, watcher, changes)
	return changes, nil
}

func (p *FileProvider) run(ctx context.Context, watcher *fsnotify.Watcher, changes chan Config) {
	filename := filepath.Base(p.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			p.handleEvent(ctx, event, filename, changes)

		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *FileProvider) handleEvent(ctx context.Context, event fsnotify.Event, filename string, changes chan Config) {
	if filepath.Base(event.Name) != filename {
		return
	}
	// Write 直接修改；Create 部分编辑器新建；Rename 原子写入后替换
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	// 防抖：重置计时器，合并连续事件
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(watchDebounce, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cfg, err := p.Load(ctx)
		if err != nil {
			return
		}
		p.publish(cfg, changes)
	})
}

// publish 只保留最新一份配置，消费方落后时丢弃旧的。
// 通道从不关闭，发送前检查 closed 避免停止后仍推送。
func (p *FileProvider) publish(cfg Config, changes chan Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case changes <- cfg:
	default:
		select {
		case <-changes:
		default:
		}
		select {
		case changes <- cfg:
		default:
		}
	}
}

// Close 停止监听并释放资源，幂等
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// =============================================================================
// 字节来源
// =============================================================================

// BytesProvider 从内存字节加载配置，不支持监听。
// 适合把配置嵌入二进制或由上层系统下发的场景。
type BytesProvider struct {
	data   []byte
	format string
}

var _ ConfigProvider = (*BytesProvider)(nil)

// NewBytesProvider 创建内存配置来源，format 取 "yaml" 或 "json"
func NewBytesProvider(data []byte, format string) *BytesProvider {
	return &BytesProvider{data: append([]byte(nil), data...), format: format}
}

func (p *BytesProvider) Load(_ context.Context) (Config, error) {
	return parseConfig(p.data, p.format)
}

func (p *BytesProvider) Watch(_ context.Context) (<-chan Config, error) {
	return nil, nil
}

func (p *BytesProvider) Close() error { return nil }
