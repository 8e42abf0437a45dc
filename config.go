// Package imagegateway implements an OpenAI-compatible image-generation
// gateway: it terminates the OpenAI images and chat endpoints, classifies the
// caller's credential, selects an upstream provider, executes the call with
// prompt optimization, credential rotation and fail-over, persists the
// artifact, and shapes the response the way the client asked for.
//
// This package holds the shared runtime-document types and their loading
// and sanitization rules; the pipeline itself lives in internal/gateway.
// Runtime behavior is driven by a single persisted Runtime document owned by
// internal/configstore and hot-updatable through the admin API.
package imagegateway

// Runtime is the persisted runtime document: the single source of truth for
// system flags, provider settings, credential pools, the prompt optimizer,
// and storage mirrors. It lives at data/runtime-config.json.
type Runtime struct {
	System          SystemSettings              `json:"system"`
	Providers       map[string]ProviderSettings `json:"providers"`
	KeyPools        map[string][]KeyItem        `json:"keyPools"`
	PromptOptimizer OptimizerSettings           `json:"promptOptimizer"`
	Storage         StorageSettings             `json:"storage"`
}

// SystemSettings holds global gateway flags.
type SystemSettings struct {
	GlobalAccessKey string `json:"globalAccessKey,omitempty"`
	Modes           Modes  `json:"modes"`
	Port            int    `json:"port"`
	APITimeoutMs    int    `json:"apiTimeoutMs"`
	MaxBodySize     int64  `json:"maxBodySize"`
	CORS            bool   `json:"cors"`
	RequestLogging  bool   `json:"requestLogging"`
	HealthCheck     bool   `json:"healthCheck"`
}

// Modes enables the two authorization paths. Relay forwards the caller's own
// provider credential; backend selects a provider and a pooled credential.
type Modes struct {
	Relay   bool `json:"relay"`
	Backend bool `json:"backend"`
}

// ProviderSettings is the operator overlay for one provider.
type ProviderSettings struct {
	Enabled      *bool         `json:"enabled,omitempty"`
	Text         *TaskDefaults `json:"text,omitempty"`
	Edit         *TaskDefaults `json:"edit,omitempty"`
	Blend        *TaskDefaults `json:"blend,omitempty"`
	DefaultSteps int           `json:"defaultSteps,omitempty"`
}

// TaskDefaults carries per-task defaults for one provider.
type TaskDefaults struct {
	Model           string            `json:"model,omitempty"`
	Size            string            `json:"size,omitempty"`
	Quality         string            `json:"quality,omitempty"`
	N               int               `json:"n,omitempty"`
	Steps           int               `json:"steps,omitempty"`
	Weight          float64           `json:"weight,omitempty"`
	PromptOptimizer *OptimizerSwitches `json:"promptOptimizer,omitempty"`
}

// OptimizerSwitches toggles the two optimizer operations for one task.
type OptimizerSwitches struct {
	Translate bool `json:"translate,omitempty"`
	Expand    bool `json:"expand,omitempty"`
}

// KeyItem is one upstream credential in a provider's pool.
type KeyItem struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Name         string `json:"name,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
	Status       string `json:"status"`
	ErrorCount   int    `json:"errorCount"`
	SuccessCount int    `json:"successCount"`
	TotalCalls   int    `json:"totalCalls"`
	LastUsed     int64  `json:"lastUsed"`
	AddedAt      int64  `json:"addedAt"`
	Provider     string `json:"provider,omitempty"`
}

// Key status values. A disabled item is excluded from rotation; error
// accounting forces the transition once errorCount exceeds 5.
const (
	KeyStatusActive      = "active"
	KeyStatusDisabled    = "disabled"
	KeyStatusRateLimited = "rate_limited"
)

// IsSelectable reports whether the item may be returned by pool rotation.
func (k KeyItem) IsSelectable() bool {
	if k.Enabled != nil && !*k.Enabled {
		return false
	}
	return k.Status == KeyStatusActive
}

// OptimizerSettings configures the LLM used to translate/expand prompts.
type OptimizerSettings struct {
	BaseURL            string `json:"baseUrl,omitempty"`
	APIKey             string `json:"apiKey,omitempty"`
	Model              string `json:"model,omitempty"`
	EnableTranslate    bool   `json:"enableTranslate,omitempty"`
	EnableExpand       bool   `json:"enableExpand,omitempty"`
	TranslatePrompt    string `json:"translatePrompt,omitempty"`
	ExpandPrompt       string `json:"expandPrompt,omitempty"`
	TranslateMaxLength int    `json:"translateMaxLength,omitempty"`
	ExpandMaxLength    int    `json:"expandMaxLength,omitempty"`
}

// StorageSettings configures optional artifact mirrors.
type StorageSettings struct {
	S3 *S3Settings `json:"s3,omitempty"`
}

// S3Settings describes an S3-compatible object store.
type S3Settings struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Region    string `json:"region,omitempty"`
	PublicURL string `json:"publicUrl,omitempty"`
}

// Valid reports whether the section carries enough to build a client.
func (s *S3Settings) Valid() bool {
	return s != nil && s.Endpoint != "" && s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

// Task identifies which kind of generation a request asks for.
type Task string

// Task constants used across routing, provider capabilities, and defaults.
const (
	TaskText  Task = "text"
	TaskEdit  Task = "edit"
	TaskBlend Task = "blend"
)

// TaskDefaultsFor returns the overlay for the given task, or nil.
func (p ProviderSettings) TaskDefaultsFor(task Task) *TaskDefaults {
	switch task {
	case TaskText:
		return p.Text
	case TaskEdit:
		return p.Edit
	case TaskBlend:
		return p.Blend
	default:
		return nil
	}
}

// DefaultRuntime returns the compiled-in document used when no persisted
// document exists or a section fails sanitization.
func DefaultRuntime() Runtime {
	return Runtime{
		System: SystemSettings{
			Modes:          Modes{Relay: true, Backend: true},
			Port:           3000,
			APITimeoutMs:   60000,
			MaxBodySize:    50 << 20,
			CORS:           true,
			RequestLogging: true,
			HealthCheck:    true,
		},
		Providers: map[string]ProviderSettings{},
		KeyPools:  map[string][]KeyItem{},
		PromptOptimizer: OptimizerSettings{
			TranslateMaxLength: 5000,
			ExpandMaxLength:    5000,
		},
	}
}
