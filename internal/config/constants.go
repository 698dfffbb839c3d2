// Package config provides configuration constants and runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Version information
const Version = "1.0.0"

// Cloud Code API endpoints (in fallback order)
const (
	AntigravityEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	AntigravityEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// AntigravityEndpointFallbacks is the endpoint fallback order (daily → prod)
var AntigravityEndpointFallbacks = []string{
	AntigravityEndpointDaily,
	AntigravityEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist (prod first).
// loadCodeAssist works better on prod for fresh/unprovisioned accounts.
var LoadCodeAssistEndpoints = []string{
	AntigravityEndpointProd,
	AntigravityEndpointDaily,
}

// DefaultProjectID is the default project ID if none can be discovered
const DefaultProjectID = "rising-fact-p41fc"

// AntigravityHeaders are the required headers for Antigravity API requests
func AntigravityHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        getPlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   getClientMetadata(),
	}
}

func getPlatformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// IDE Type enum (numeric values as expected by the Cloud Code API)
const (
	IdeTypeUnspecified = 0
	IdeTypeAntigravity = 6
)

// Platform enum
const (
	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3
)

func getPlatformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func getClientMetadata() string {
	metadata := map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   getPlatformEnum(),
		"pluginType": 2,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants
const (
	// TokenSafetyMargin is subtracted from the upstream expiry when caching
	// access tokens, so a token is never handed out moments before it dies.
	TokenSafetyMargin = 60 * time.Second
	// TokenExchangeTimeout bounds a refresh-token → access-token exchange.
	TokenExchangeTimeout = 30 * time.Second
	// NonStreamTimeout bounds a non-streaming upstream call.
	NonStreamTimeout = 120 * time.Second
	// StreamIdleTimeout is the per-chunk idle deadline for streams.
	StreamIdleTimeout = 60 * time.Second
	// TriggerTimeout bounds a quota-reset trigger probe.
	TriggerTimeout = 15 * time.Second
	// AutoRefreshInterval is the period of the quota-reset auto-refresh task.
	AutoRefreshInterval = 5 * time.Hour
	// SnapshotRetention is how long quota snapshots are kept.
	SnapshotRetention = 24 * time.Hour
	// SnapshotPruneInterval is the janitor period for the snapshot store.
	SnapshotPruneInterval = time.Hour
	// RequestBodyLimit is the max request body size (50MB in bytes)
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// DefaultPort is the default server port
	DefaultPort = 8080
)

// Retry constants
const (
	// DefaultMaxAttempts caps plan attempts per caller-visible request.
	DefaultMaxAttempts = 4
	// DefaultMaxEmptyRetries caps empty-response retries (MAX_EMPTY_RETRIES).
	DefaultMaxEmptyRetries = 2
	// Max5xxRetriesSameAccount is how often a 5xx is retried on the same
	// account before the plan advances.
	Max5xxRetriesSameAccount = 1
	// DefaultCooldownMs is the rate-limit cooldown applied when the upstream
	// response carries no usable reset time.
	DefaultCooldownMs int64 = 10 * 1000
)

// Config file locations
var (
	// AccountConfigPath is the accounts configuration file written by the
	// external onboarding flow and watched by the pool.
	AccountConfigPath = filepath.Join(getHomeDir(), ".antigravity-pool", "accounts.json")
	// SnapshotDBPath is the quota snapshot store file.
	SnapshotDBPath = filepath.Join(getHomeDir(), ".antigravity-pool", "quota-history.db")
)

// Scheduling modes
const (
	ModeSticky          = "sticky"
	ModeRefreshPriority = "refresh-priority"
	ModeDrainHighest    = "drain-highest"
	ModeRoundRobin      = "round-robin"
)

// SchedulingModes enumerates the valid scheduler policy names.
var SchedulingModes = []string{ModeSticky, ModeRefreshPriority, ModeDrainHighest, ModeRoundRobin}

// DefaultSchedulingMode is used when none is configured.
const DefaultSchedulingMode = ModeSticky

// IsValidSchedulingMode reports whether name is a known policy.
func IsValidSchedulingMode(name string) bool {
	for _, m := range SchedulingModes {
		if m == name {
			return true
		}
	}
	return false
}

// OAuth configuration (public Antigravity desktop client)
type OAuthConfigType struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

var OAuthConfig = OAuthConfigType{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	TokenURL:     "https://oauth2.googleapis.com/token",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

// AntigravitySystemInstruction is the minimal system instruction
const AntigravitySystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// Gemini-specific limits
const (
	GeminiMaxOutputTokens = 16384
	GeminiSkipSignature   = "skip_thought_signature_validator"
	MinSignatureLength    = 50
	SignatureCacheTTL     = 60 * time.Minute
)

// ModelFallbackMap maps primary model to fallback when quota exhausted
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// GetFallbackModel returns the fallback model for the given model
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

// ModelFamily represents the model family type
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from model name
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

// ModelPool identifies a set of models sharing one upstream reset timer.
type ModelPool string

const (
	PoolClaude      ModelPool = "claude"
	PoolGeminiPro   ModelPool = "geminiPro"
	PoolGeminiFlash ModelPool = "geminiFlash"
	PoolUnknown     ModelPool = "unknown"
)

// AllPools lists the known pools in display order.
var AllPools = []ModelPool{PoolClaude, PoolGeminiPro, PoolGeminiFlash}

// PoolForModel partitions a model name into exactly one pool: Anthropic
// models → claude; Gemini models containing "pro" → geminiPro, containing
// "flash" → geminiFlash.
func PoolForModel(modelName string) ModelPool {
	lower := strings.ToLower(modelName)
	switch GetModelFamily(modelName) {
	case ModelFamilyClaude:
		return PoolClaude
	case ModelFamilyGemini:
		if strings.Contains(lower, "pro") {
			return PoolGeminiPro
		}
		if strings.Contains(lower, "flash") {
			return PoolGeminiFlash
		}
	}
	return PoolUnknown
}

// QuotaGroup describes the models that share a reset timer upstream and the
// model used to send the reset-trigger probe for the group.
type QuotaGroup struct {
	Key          ModelPool
	Models       []string
	TriggerModel string
}

// QuotaGroups is the static group table used by the reset trigger and the
// ledger's group sweep.
var QuotaGroups = []QuotaGroup{
	{
		Key: PoolClaude,
		Models: []string{
			"claude-opus-4-6-thinking",
			"claude-sonnet-4-5-thinking",
			"claude-sonnet-4-5",
		},
		TriggerModel: "claude-sonnet-4-5",
	},
	{
		Key: PoolGeminiPro,
		Models: []string{
			"gemini-3-pro-high",
			"gemini-3-pro-low",
		},
		TriggerModel: "gemini-3-pro-low",
	},
	{
		Key: PoolGeminiFlash,
		Models: []string{
			"gemini-3-flash",
		},
		TriggerModel: "gemini-3-flash",
	},
}

// GroupByKey returns the quota group for the given key.
func GroupByKey(key ModelPool) (QuotaGroup, bool) {
	for _, g := range QuotaGroups {
		if g.Key == key {
			return g, true
		}
	}
	return QuotaGroup{}, false
}

// KnownModels lists every model ID in the group table, in table order.
func KnownModels() []string {
	var models []string
	for _, g := range QuotaGroups {
		models = append(models, g.Models...)
	}
	return models
}

// IsThinkingModel checks if a model supports thinking/reasoning output
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		// gemini-3 and later think by default
		re := regexp.MustCompile(`gemini-(\d+)`)
		matches := re.FindStringSubmatch(lower)
		if len(matches) >= 2 {
			version, err := strconv.Atoi(matches[1])
			if err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
