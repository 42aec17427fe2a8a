package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds the operator-facing bootstrap and shutdown strings.
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ShutdownComplete   string
	ConfigLoadFailed   string
	LoggerConfigFailed string
	DBInitFailed       string
	StateLoadFailed    string
	APIServerError     string
	ProfilingEnabled   string
	ProfilingFailed    string
	AdminAuthDisabled  string

	// Venue
	VenueMock        string
	VenueConnecting  string
	VenueConnectFail string

	// Feeds
	FeedsLoaded     string
	FeedsLoadFailed string
	FeedStartFailed string
	BarRecording    string

	// Reconciliation
	BridgeStartFailed string
	BridgeStarted     string
}

var (
	mu          sync.RWMutex
	currentLang Language = LangEN
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "xtp bridge starting",
	ConfigLoaded:       "config loaded, api port %s",
	UsingDBPath:        "using database %s",
	ServerListening:    "admin api listening on %s",
	ShuttingDown:       "shutting down",
	ShutdownComplete:   "shutdown complete",
	ConfigLoadFailed:   "failed to load config: %v",
	LoggerConfigFailed: "failed to configure logger: %v",
	DBInitFailed:       "failed to open database: %v",
	StateLoadFailed:    "failed to load positions: %v",
	APIServerError:     "admin api stopped: %v",
	ProfilingEnabled:   "continuous profiling to %s",
	ProfilingFailed:    "profiler not started: %v",
	AdminAuthDisabled:  "ADMIN_API_KEY not set; api token issuance disabled",

	// Venue
	VenueMock:        "using synthetic venue",
	VenueConnecting:  "connecting to venue %s",
	VenueConnectFail: "venue connection failed: %v",

	// Feeds
	FeedsLoaded:     "loaded %d feeds from %s",
	FeedsLoadFailed: "failed to load feeds file: %v",
	FeedStartFailed: "feed %s not started: %v",
	BarRecording:    "recording delivered bars (batch %d)",

	// Reconciliation
	BridgeStartFailed: "bridge start failed: %v",
	BridgeStarted:     "bridge started, reconcile every %s",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "XTP 桥接服务启动中",
	ConfigLoaded:       "配置已加载, API 端口 %s",
	UsingDBPath:        "使用数据库 %s",
	ServerListening:    "管理 API 监听于 %s",
	ShuttingDown:       "正在关闭",
	ShutdownComplete:   "关闭完成",
	ConfigLoadFailed:   "加载配置失败: %v",
	LoggerConfigFailed: "配置日志失败: %v",
	DBInitFailed:       "打开数据库失败: %v",
	StateLoadFailed:    "加载持仓失败: %v",
	APIServerError:     "管理 API 已停止: %v",
	ProfilingEnabled:   "持续性能分析上报至 %s",
	ProfilingFailed:    "性能分析未启动: %v",
	AdminAuthDisabled:  "未设置 ADMIN_API_KEY, 已禁用 API 令牌签发",

	// Venue
	VenueMock:        "使用模拟柜台",
	VenueConnecting:  "正在连接柜台 %s",
	VenueConnectFail: "柜台连接失败: %v",

	// Feeds
	FeedsLoaded:     "已从 %[2]s 加载 %[1]d 个行情订阅",
	FeedsLoadFailed: "加载行情订阅文件失败: %v",
	FeedStartFailed: "行情订阅 %s 启动失败: %v",
	BarRecording:    "记录已推送的K线 (批量 %d)",

	// Reconciliation
	BridgeStartFailed: "桥接服务启动失败: %v",
	BridgeStarted:     "桥接服务已启动, 每 %s 对账一次",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
