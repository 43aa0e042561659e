// Package config implements the §6.3 configuration surface: a registry of
// typed settings organized into groups and tabs, each persisted through
// storage.Storage's key-value AppSetting table, plus the action-button
// contract used by endpoints like run_speed_test. Grounded on the teacher's
// ConfigManager (one typed getter/setter pair per key, string-encoded
// storage, env-var fallback), generalized from its single AI-interface
// settings group into the full book-acquisition settings surface.
package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"

	"bookforge/internal/storage"
)

// FieldType is the input widget a setting renders as in the UI.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldNumber      FieldType = "number"
	FieldCheckbox    FieldType = "checkbox"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multi_select"
	FieldPassword    FieldType = "password"
	FieldActionButton FieldType = "action_button"
)

// Option is a fixed choice for FieldSelect/FieldMultiSelect.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// OptionsFunc lazily computes a select's options (e.g. the DNS provider
// list, which is fixed, versus the source priority list, whose order comes
// from the registered download handlers at runtime).
type OptionsFunc func() []Option

// Predicate decides a field's visibility/enabled state against the
// currently-edited (possibly unsaved) value set, for show_when/disabled_when.
type Predicate func(values map[string]string) bool

// ActionFunc is invoked by POST /api/config/action/{name} with the
// currently-edited (unsaved) values and returns the §6.3 action-button
// response shape.
type ActionFunc func(ctx context.Context, values map[string]string) (success bool, message string)

// Field is one entry in the settings registry.
type Field struct {
	Key           string      `json:"key"`
	Group         string      `json:"group"`
	Tab           string      `json:"tab"`
	Type          FieldType   `json:"type"`
	Label         string      `json:"label"`
	Description   string      `json:"description"`
	Default       string      `json:"default"`
	Options       []Option    `json:"options,omitempty"`
	OptionsFunc   OptionsFunc `json:"-"`
	ShowWhen      Predicate   `json:"-"`
	DisabledWhen  Predicate   `json:"-"`
	EnvSupported  bool        `json:"env_supported"`
	Action        ActionFunc  `json:"-"`
}

// EnvKey derives the environment variable name a field's value may be
// overridden by, following the teacher's all-caps prefixed convention.
func (f Field) EnvKey() string {
	return "BOOKFORGE_" + strings.ToUpper(f.Key)
}

// Registry is the process-global settings schema plus the storage-backed
// value store behind it. NewRegistry installs the built-in fields via
// registerDefaults; RegisterSourcePriority adds the source_priority field
// afterwards, during Application wiring.
type Registry struct {
	mu      sync.RWMutex
	storage *storage.Storage
	fields  map[string]*Field
	order   []string
}

func NewRegistry(s *storage.Storage) *Registry {
	r := &Registry{storage: s, fields: make(map[string]*Field)}
	r.registerDefaults()
	return r
}

func (r *Registry) register(f Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields[f.Key] = &f
	r.order = append(r.order, f.Key)
}

// Schema returns every field in registration order, options resolved
// (lazy OptionsFunc fields are computed here, at read time).
func (r *Registry) Schema() []Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Field, 0, len(r.order))
	for _, k := range r.order {
		f := *r.fields[k]
		if f.OptionsFunc != nil {
			f.Options = f.OptionsFunc()
		}
		out = append(out, f)
	}
	return out
}

// Values returns the current value of every field (env override, then
// stored value, then default), keyed by field key.
func (r *Registry) Values() map[string]string {
	r.mu.RLock()
	keys := append([]string(nil), r.order...)
	r.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = r.GetString(k)
	}
	return out
}

// GetString resolves a single field's effective value: its environment
// variable (if env_supported), else its stored value, else its default.
func (r *Registry) GetString(key string) string {
	r.mu.RLock()
	f, ok := r.fields[key]
	r.mu.RUnlock()
	if !ok {
		return ""
	}

	if f.EnvSupported {
		if v, ok := os.LookupEnv(f.EnvKey()); ok {
			return v
		}
	}
	if v, err := r.storage.GetString(key); err == nil && v != "" {
		return v
	}
	return f.Default
}

func (r *Registry) GetBool(key string) bool {
	return r.GetString(key) == "true"
}

func (r *Registry) GetInt(key string) int {
	v, err := strconv.Atoi(r.GetString(key))
	if err != nil {
		return 0
	}
	return v
}

// GetCSV reads a comma-separated list field (used for the mirror list and
// other free-form lists the user edits as a single text input).
func (r *Registry) GetCSV(key string) []string {
	raw := r.GetString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) GetStringList(key string) []string {
	raw := r.GetString(key)
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// IngestDir, AllowedFormats and TitleAsFilename implement
// postprocess.IngestDirs directly against the registered ingest_dir_* /
// allowed_formats_* / title_as_filename fields, so the Processor needs no
// adapter between it and the configuration surface.
func (r *Registry) IngestDir(contentType string) string {
	return r.GetString("ingest_dir_" + contentType)
}

func (r *Registry) AllowedFormats(contentType string) []string {
	return r.GetStringList("allowed_formats_" + contentType)
}

func (r *Registry) TitleAsFilename() bool {
	return r.GetBool("title_as_filename")
}

// Set validates and persists a single key's value against its field type.
func (r *Registry) Set(key, value string) error {
	r.mu.RLock()
	f, ok := r.fields[key]
	r.mu.RUnlock()
	if !ok {
		return errUnknownKey(key)
	}
	if err := validate(*f, value); err != nil {
		return err
	}
	return r.storage.SetString(key, value)
}

// SetMany applies a full PUT /api/config body atomically-per-key; it stops
// and returns the first validation error without partially applying the
// batch past that key.
func (r *Registry) SetMany(values map[string]string) error {
	for k, v := range values {
		if err := r.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// HasAction reports whether name is a registered action-button field.
func (r *Registry) HasAction(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fields[name]
	return ok && f.Action != nil
}

// RunAction invokes a registered action-button field's callback with the
// caller's edited-but-unsaved value set.
func (r *Registry) RunAction(ctx context.Context, name string, editedValues map[string]string) (bool, string) {
	r.mu.RLock()
	f, ok := r.fields[name]
	r.mu.RUnlock()
	if !ok || f.Action == nil {
		return false, "unknown action"
	}

	merged := r.Values()
	for k, v := range editedValues {
		merged[k] = v
	}
	return f.Action(ctx, merged)
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func errUnknownKey(key string) error { return &validationError{"config: unknown key " + key} }

func validate(f Field, value string) error {
	switch f.Type {
	case FieldNumber:
		if _, err := strconv.Atoi(value); err != nil {
			return &validationError{"config: " + f.Key + " must be a number"}
		}
	case FieldCheckbox:
		if value != "true" && value != "false" {
			return &validationError{"config: " + f.Key + " must be true or false"}
		}
	case FieldSelect:
		opts := f.Options
		if f.OptionsFunc != nil {
			opts = f.OptionsFunc()
		}
		if len(opts) > 0 && !containsOption(opts, value) {
			return &validationError{"config: " + f.Key + " is not one of the allowed options"}
		}
	}
	return nil
}

func containsOption(opts []Option, value string) bool {
	for _, o := range opts {
		if o.Value == value {
			return true
		}
	}
	return false
}

// NewSessionToken mints a random session token for the auth-login
// endpoint's session cookie.
func (r *Registry) NewSessionToken() string {
	return generateSecureToken()
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "bookforge-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}
