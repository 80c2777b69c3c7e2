// Package hook defines the hook manifest and instance model shared by the
// lifecycle engine, the runtime adapters, and the stores.
package hook

import (
	"strings"

	"github.com/forgehook/forgehook/internal/errs"
)

// Runtime selects which adapter executes a hook.
type Runtime string

const (
	RuntimeContainer Runtime = "container"
	RuntimeEmbedded  Runtime = "embedded"
	RuntimeGateway   Runtime = "gateway"
)

// Manifest is the declarative description of a hook. It is never mutated
// after install; updates swap in a whole new manifest.
type Manifest struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Runtime      Runtime      `json:"runtime"`
	Port         int          `json:"port,omitempty"`       // container: port the hook listens on inside the container
	Image        *ImageRef    `json:"image,omitempty"`      // container
	ModuleCode   string       `json:"moduleCode,omitempty"` // embedded
	Gateway      *GatewayRef  `json:"gateway,omitempty"`    // gateway
	Endpoints    []Endpoint   `json:"endpoints,omitempty"`
	Environment  []EnvVar     `json:"environment,omitempty"`
	Volumes      []VolumeRef  `json:"volumes,omitempty"`
	Dependencies Dependencies `json:"dependencies,omitempty"`
	Resources    Resources    `json:"resources,omitempty"`
	HealthCheck  *HealthCheck `json:"healthCheck,omitempty"`
}

// ImageRef identifies a container image.
type ImageRef struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
}

// Ref returns "repository:tag", defaulting the tag to "latest".
func (r ImageRef) Ref() string {
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	return r.Repository + ":" + tag
}

// GatewayRef points a gateway hook at its externally hosted endpoint.
type GatewayRef struct {
	BaseURL string `json:"baseUrl"`
}

// Endpoint describes one HTTP operation a hook exposes.
type Endpoint struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Description string         `json:"description,omitempty"`
	RequestBody map[string]any `json:"requestBody,omitempty"` // JSON-Schema fragment
}

// ActionKey returns the endpoint's stable invoke key:
// lowercased method, then the path with slashes replaced by underscores and
// leading/trailing underscores stripped. POST /echo -> "post_echo".
func (e Endpoint) ActionKey() string {
	p := strings.ReplaceAll(e.Path, "/", "_")
	p = strings.Trim(p, "_")
	key := strings.ToLower(e.Method)
	if p != "" {
		key += "_" + p
	}
	return key
}

// EnvVar is a manifest-declared environment default.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// VolumeRef declares a named volume mounted into a container hook.
type VolumeRef struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
}

// Dependencies lists shared infrastructure services the hook expects.
type Dependencies struct {
	Services []string `json:"services,omitempty"` // redis, postgres, vector
}

// Resources holds container resource limits as manifest strings.
type Resources struct {
	Memory string `json:"memory,omitempty"` // "<int>[m|g]"
	CPU    string `json:"cpu,omitempty"`    // "<float>" CPUs
}

// HealthCheck configures the container healthcheck derived from the manifest.
type HealthCheck struct {
	Path        string `json:"path"`
	IntervalSec int    `json:"intervalSec,omitempty"`
	TimeoutSec  int    `json:"timeoutSec,omitempty"`
	Retries     int    `json:"retries,omitempty"`
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// Validate checks the manifest for structural problems. All failures carry
// the validation error code.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return errs.New(errs.CodeValidation, "manifest id is required")
	}
	if m.Name == "" {
		return errs.New(errs.CodeValidation, "manifest name is required")
	}
	if m.Version == "" {
		return errs.New(errs.CodeValidation, "manifest version is required")
	}

	switch m.Runtime {
	case RuntimeContainer:
		if m.Image == nil || m.Image.Repository == "" {
			return errs.New(errs.CodeValidation, "container manifest requires image.repository")
		}
		if m.Port <= 0 || m.Port > 65535 {
			return errs.New(errs.CodeValidation, "container manifest requires a valid port")
		}
	case RuntimeEmbedded:
		if m.Image != nil {
			return errs.New(errs.CodeValidation, "embedded manifest must not declare an image")
		}
	case RuntimeGateway:
		if m.Gateway == nil || m.Gateway.BaseURL == "" {
			return errs.New(errs.CodeValidation, "gateway manifest requires gateway.baseUrl")
		}
		if m.Image != nil {
			return errs.New(errs.CodeValidation, "gateway manifest must not declare an image")
		}
	default:
		return errs.Newf(errs.CodeValidation, "unknown runtime %q", m.Runtime)
	}

	for _, ep := range m.Endpoints {
		if !validMethods[strings.ToUpper(ep.Method)] {
			return errs.Newf(errs.CodeValidation, "endpoint %s has invalid method %q", ep.Path, ep.Method)
		}
		if !strings.HasPrefix(ep.Path, "/") {
			return errs.Newf(errs.CodeValidation, "endpoint path %q must start with /", ep.Path)
		}
	}

	return nil
}

// EndpointByAction resolves an invoke action key back to its endpoint.
func (m *Manifest) EndpointByAction(action string) (Endpoint, bool) {
	for _, ep := range m.Endpoints {
		if ep.ActionKey() == action {
			return ep, true
		}
	}
	return Endpoint{}, false
}
