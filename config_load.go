package imagegateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SanitizeResult reports what sanitization did to a raw document.
type SanitizeResult struct {
	Runtime Runtime
	// Changed is true when any field or section was dropped or defaulted;
	// the caller rewrites the document in that case.
	Changed bool
	Dropped []string
}

// knownSections enumerates the top-level keys of the runtime document.
var knownSections = []string{"system", "providers", "keyPools", "promptOptimizer", "storage"}

// SanitizeRuntime decodes a raw runtime document section by section. Unknown
// top-level keys are dropped; sections that fail to decode are replaced with
// the compiled-in default. The result says whether the document must be
// rewritten.
func SanitizeRuntime(raw []byte) SanitizeResult {
	res := SanitizeResult{Runtime: DefaultRuntime()}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		res.Changed = true
		res.Dropped = append(res.Dropped, "document")
		return res
	}

	for key := range doc {
		known := false
		for _, s := range knownSections {
			if key == s {
				known = true
				break
			}
		}
		if !known {
			res.Changed = true
			res.Dropped = append(res.Dropped, key)
		}
	}

	decodeSection := func(name string, dst interface{}) {
		sec, ok := doc[name]
		if !ok {
			res.Changed = true
			return
		}
		if err := json.Unmarshal(sec, dst); err != nil {
			res.Changed = true
			res.Dropped = append(res.Dropped, name)
		}
	}

	decodeSection("system", &res.Runtime.System)
	decodeSection("providers", &res.Runtime.Providers)
	decodeSection("keyPools", &res.Runtime.KeyPools)
	decodeSection("promptOptimizer", &res.Runtime.PromptOptimizer)
	decodeSection("storage", &res.Runtime.Storage)

	if res.Runtime.Providers == nil {
		res.Runtime.Providers = map[string]ProviderSettings{}
		res.Changed = true
	}
	if res.Runtime.KeyPools == nil {
		res.Runtime.KeyPools = map[string][]KeyItem{}
		res.Changed = true
	}
	if res.Runtime.PromptOptimizer.TranslateMaxLength <= 0 {
		res.Runtime.PromptOptimizer.TranslateMaxLength = 5000
	}
	if res.Runtime.PromptOptimizer.ExpandMaxLength <= 0 {
		res.Runtime.PromptOptimizer.ExpandMaxLength = 5000
	}
	if res.Runtime.System.Port <= 0 {
		res.Runtime.System.Port = DefaultRuntime().System.Port
	}
	if res.Runtime.System.APITimeoutMs <= 0 {
		res.Runtime.System.APITimeoutMs = DefaultRuntime().System.APITimeoutMs
	}

	return res
}

// Environment variable names honoured by ApplyEnvOverrides. Environment beats
// the runtime document, which beats compiled defaults.
const (
	EnvPort             = "PORT"
	EnvLogLevel         = "LOG_LEVEL"
	EnvBootstrapFile    = "CONFIG_FILE"
	EnvOptimizerBaseURL = "PROMPT_OPTIMIZER_BASE_URL"
	EnvOptimizerAPIKey  = "PROMPT_OPTIMIZER_API_KEY"
	EnvOptimizerModel   = "PROMPT_OPTIMIZER_MODEL"
)

// ApplyEnvOverrides overlays the small env allowlist onto a runtime snapshot.
func ApplyEnvOverrides(rt Runtime) Runtime {
	if p := os.Getenv(EnvPort); p != "" {
		if port, err := strconv.Atoi(p); err == nil && port > 0 {
			rt.System.Port = port
		}
	}
	if v := os.Getenv(EnvOptimizerBaseURL); v != "" {
		rt.PromptOptimizer.BaseURL = v
	}
	if v := os.Getenv(EnvOptimizerAPIKey); v != "" {
		rt.PromptOptimizer.APIKey = v
	}
	if v := os.Getenv(EnvOptimizerModel); v != "" {
		rt.PromptOptimizer.Model = v
	}
	return rt
}

// LoadBootstrap reads an optional bootstrap document from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). The result still goes
// through SanitizeRuntime before use.
func LoadBootstrap(path string) (*Runtime, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		var rt Runtime
		if err := yaml.Unmarshal(data, &rt); err != nil {
			return nil, fmt.Errorf("parsing YAML bootstrap: %w", err)
		}
		return &rt, nil
	case ".json":
		res := SanitizeRuntime(data)
		return &res.Runtime, nil
	default:
		return nil, fmt.Errorf("unsupported bootstrap extension %q: use .json, .yaml, or .yml", ext)
	}
}
