package bizguard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Config holds the engine's runtime settings.
type Config struct {
	// DefaultDeny must stay true: absence of an ALLOW is a denial.
	DefaultDeny                 bool
	AuditQueueCapacity          int
	AuditSinkTimeout            time.Duration
	ConditionClockSkewTolerance time.Duration
	CandidateCacheCounters      int64
	CandidateCacheMaxCost       int64
	CandidateCacheBuffer        int64
	BatchWorkers                int
}

// DefaultConfig returns the settings used when no configuration is applied.
func DefaultConfig() Config {
	return Config{
		DefaultDeny:                 true,
		AuditQueueCapacity:          1024,
		AuditSinkTimeout:            5 * time.Second,
		ConditionClockSkewTolerance: 0,
		CandidateCacheCounters:      10_000,
		CandidateCacheMaxCost:       1 << 16,
		CandidateCacheBuffer:        64,
		BatchWorkers:                8,
	}
}

func (c Config) Validate() error {
	if !c.DefaultDeny {
		return fmt.Errorf("%w: default_deny must be true", ErrInvalidConfig)
	}
	if c.AuditQueueCapacity <= 0 {
		return fmt.Errorf("%w: audit_queue_capacity must be positive", ErrInvalidConfig)
	}
	if c.ConditionClockSkewTolerance < 0 {
		return fmt.Errorf("%w: negative clock skew tolerance", ErrInvalidConfig)
	}
	if c.ConditionClockSkewTolerance >= 12*time.Hour {
		return fmt.Errorf("%w: clock skew tolerance %s too large", ErrInvalidConfig, c.ConditionClockSkewTolerance)
	}
	return nil
}

// EngineConfig is the serialized form of Config inside a policy document.
type EngineConfig struct {
	DefaultDeny          *bool `json:"default_deny,omitempty" yaml:"default_deny,omitempty" msgpack:"default_deny,omitempty"`
	AuditQueueCapacity   int   `json:"audit_queue_capacity,omitempty" yaml:"audit_queue_capacity,omitempty" msgpack:"audit_queue_capacity,omitempty"`
	AuditSinkTimeoutMS   int64 `json:"audit_sink_timeout_ms,omitempty" yaml:"audit_sink_timeout_ms,omitempty" msgpack:"audit_sink_timeout_ms,omitempty"`
	ClockSkewToleranceMS int64 `json:"condition_clock_skew_tolerance_ms,omitempty" yaml:"condition_clock_skew_tolerance_ms,omitempty" msgpack:"condition_clock_skew_tolerance_ms,omitempty"`
	RistrettoNumCounters int64 `json:"ristretto_num_counters,omitempty" yaml:"ristretto_num_counters,omitempty" msgpack:"ristretto_num_counters,omitempty"`
	RistrettoMaxCost     int64 `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty" msgpack:"ristretto_max_cost,omitempty"`
	RistrettoBufferItems int64 `json:"ristretto_buffer_items,omitempty" yaml:"ristretto_buffer_items,omitempty" msgpack:"ristretto_buffer_items,omitempty"`
	BatchWorkerCount     int   `json:"batch_worker_count,omitempty" yaml:"batch_worker_count,omitempty" msgpack:"batch_worker_count,omitempty"`
}

// Config overlays the document settings on DefaultConfig.
func (ec EngineConfig) Config() Config {
	cfg := DefaultConfig()
	if ec.DefaultDeny != nil {
		cfg.DefaultDeny = *ec.DefaultDeny
	}
	if ec.AuditQueueCapacity > 0 {
		cfg.AuditQueueCapacity = ec.AuditQueueCapacity
	}
	if ec.AuditSinkTimeoutMS > 0 {
		cfg.AuditSinkTimeout = time.Duration(ec.AuditSinkTimeoutMS) * time.Millisecond
	}
	if ec.ClockSkewToleranceMS != 0 {
		cfg.ConditionClockSkewTolerance = time.Duration(ec.ClockSkewToleranceMS) * time.Millisecond
	}
	if ec.RistrettoNumCounters > 0 {
		cfg.CandidateCacheCounters = ec.RistrettoNumCounters
	}
	if ec.RistrettoMaxCost > 0 {
		cfg.CandidateCacheMaxCost = ec.RistrettoMaxCost
	}
	if ec.RistrettoBufferItems > 0 {
		cfg.CandidateCacheBuffer = ec.RistrettoBufferItems
	}
	if ec.BatchWorkerCount > 0 {
		cfg.BatchWorkers = ec.BatchWorkerCount
	}
	return cfg
}

// EngineConfigFrom is the inverse of EngineConfig.Config.
func EngineConfigFrom(cfg Config) EngineConfig {
	deny := cfg.DefaultDeny
	return EngineConfig{
		DefaultDeny:          &deny,
		AuditQueueCapacity:   cfg.AuditQueueCapacity,
		AuditSinkTimeoutMS:   cfg.AuditSinkTimeout.Milliseconds(),
		ClockSkewToleranceMS: cfg.ConditionClockSkewTolerance.Milliseconds(),
		RistrettoNumCounters: cfg.CandidateCacheCounters,
		RistrettoMaxCost:     cfg.CandidateCacheMaxCost,
		RistrettoBufferItems: cfg.CandidateCacheBuffer,
		BatchWorkerCount:     cfg.BatchWorkers,
	}
}

// ============================================================================
// DECLARATIVE POLICY DOCUMENTS
// ============================================================================

// PolicyRecord is one declarative policy row.
type PolicyRecord struct {
	ID          string   `json:"id" yaml:"id" msgpack:"id"`
	TenantID    string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" msgpack:"tenant_id,omitempty"`
	Category    string   `json:"category" yaml:"category" msgpack:"category"`
	Kind        string   `json:"kind,omitempty" yaml:"kind,omitempty" msgpack:"kind,omitempty"`
	Effect      string   `json:"effect" yaml:"effect" msgpack:"effect"`
	Roles       []string `json:"roles,omitempty" yaml:"roles,omitempty" msgpack:"roles,omitempty"`
	Actions     []string `json:"actions,omitempty" yaml:"actions,omitempty" msgpack:"actions,omitempty"`
	Permission  string   `json:"permission,omitempty" yaml:"permission,omitempty" msgpack:"permission,omitempty"`
	Condition   string   `json:"condition,omitempty" yaml:"condition,omitempty" msgpack:"condition,omitempty"`
	Priority    int      `json:"priority" yaml:"priority" msgpack:"priority"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" msgpack:"description,omitempty"`
}

// RecordFromPolicy converts a policy to its declarative row.
func RecordFromPolicy(p Policy) PolicyRecord {
	rec := PolicyRecord{
		ID:          p.ID,
		TenantID:    p.TenantID,
		Category:    p.Category,
		Kind:        string(p.Kind),
		Effect:      string(p.Effect),
		Permission:  p.Permission,
		Condition:   p.Condition.String(),
		Priority:    p.Priority,
		Description: p.Description,
	}
	for _, r := range p.Roles {
		rec.Roles = append(rec.Roles, string(r))
	}
	for _, a := range p.Actions {
		rec.Actions = append(rec.Actions, string(a))
	}
	return rec
}

// Policy parses the row into a Policy.
func (r PolicyRecord) Policy() (Policy, error) {
	cond, err := ParseCondition(r.Condition)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", r.ID, err)
	}
	p := Policy{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Category:    r.Category,
		Kind:        PolicyKind(r.Kind),
		Effect:      Effect(r.Effect),
		Permission:  r.Permission,
		Condition:   cond,
		Priority:    r.Priority,
		Description: r.Description,
	}
	for _, role := range r.Roles {
		p.Roles = append(p.Roles, RoleLevel(role))
	}
	for _, a := range r.Actions {
		p.Actions = append(p.Actions, Action(a))
	}
	p.normalize()
	return p, nil
}

// PolicyDocument is the persisted layout: engine settings plus policy rows.
type PolicyDocument struct {
	Version  int            `json:"version" yaml:"version" msgpack:"version"`
	Engine   EngineConfig   `json:"engine" yaml:"engine" msgpack:"engine"`
	Policies []PolicyRecord `json:"policies" yaml:"policies" msgpack:"policies"`
}

// NewDocument snapshots policies and cfg into a document.
func NewDocument(policies []Policy, cfg Config) *PolicyDocument {
	doc := &PolicyDocument{Version: 1, Engine: EngineConfigFrom(cfg)}
	for _, p := range policies {
		doc.Policies = append(doc.Policies, RecordFromPolicy(p))
	}
	return doc
}

// ParsePolicies converts every row, stopping at the first malformed one.
func (d *PolicyDocument) ParsePolicies() ([]Policy, error) {
	out := make([]Policy, 0, len(d.Policies))
	for _, rec := range d.Policies {
		p, err := rec.Policy()
		if err != nil {
			return nil, err
		}
		if err := ValidatePolicy(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Format identifies a document encoding.
type Format string

const (
	FormatYAML    Format = "yaml"
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// FormatFromPath picks the encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".msgpack", ".mp", ".bin":
		return FormatMsgpack, nil
	default:
		return "", fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}
}

func DecodeDocument(data []byte, format Format) (*PolicyDocument, error) {
	doc := &PolicyDocument{}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, doc)
	case FormatJSON:
		err = json.Unmarshal(data, doc)
	case FormatMsgpack:
		err = msgpack.Unmarshal(data, doc)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s document: %w", format, err)
	}
	return doc, nil
}

func (d *PolicyDocument) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(d)
	case FormatJSON:
		return json.MarshalIndent(d, "", "  ")
	case FormatMsgpack:
		return msgpack.Marshal(d)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// LoadDocumentFile reads and decodes a document, inferring the format.
func LoadDocumentFile(path string) (*PolicyDocument, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeDocument(data, format)
}

// SaveDocumentFile encodes doc using the format implied by path.
func SaveDocumentFile(doc *PolicyDocument, path string) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	data, err := doc.Encode(format)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadPolicies parses doc, runs conflict detection and registers every policy
// into store. Conflicts are returned for reporting; they do not stop loading.
func LoadPolicies(ctx context.Context, store PolicyStore, doc *PolicyDocument) ([]ConflictReport, error) {
	policies, err := doc.ParsePolicies()
	if err != nil {
		return nil, err
	}
	conflicts := ValidatePolicies(policies)
	for _, p := range policies {
		if err := store.Register(ctx, p); err != nil {
			return conflicts, fmt.Errorf("register policy %s: %w", p.ID, err)
		}
	}
	return conflicts, nil
}
