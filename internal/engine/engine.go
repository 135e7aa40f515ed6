package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/kubev2v/crate-validator/internal/store/model"
	"github.com/kubev2v/crate-validator/pkg/log"
)

const DefaultProfile = "ro-crate"

type EngineOpts func(c *engineConfig)

type engineConfig struct {
	profilesDir    string
	defaultProfile string
	severity       model.Severity
}

func WithProfilesDir(dir string) EngineOpts {
	return func(c *engineConfig) {
		c.profilesDir = dir
	}
}

func WithDefaultProfile(name string) EngineOpts {
	return func(c *engineConfig) {
		if name != "" {
			c.defaultProfile = name
		}
	}
}

// WithSeverity sets the lowest severity reported. Issues below it are dropped.
func WithSeverity(s model.Severity) EngineOpts {
	return func(c *engineConfig) {
		if s != "" {
			c.severity = s
		}
	}
}

// Engine validates crates against profiles written in Rego.
type Engine struct {
	cfg      *engineConfig
	profiles map[string]*profile
	logger   *log.StructuredLogger
}

func New(ctx context.Context, opts ...EngineOpts) (*Engine, error) {
	cfg := &engineConfig{
		defaultProfile: DefaultProfile,
		severity:       model.SeverityRequired,
	}
	for _, o := range opts {
		o(cfg)
	}

	sources, err := loadSources(cfg.profilesDir)
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*profile, len(sources))
	for _, name := range sortedNames(sources) {
		p, err := compileProfile(ctx, sources, name)
		if err != nil {
			return nil, err
		}
		profiles[name] = p
	}

	if _, found := profiles[cfg.defaultProfile]; !found {
		return nil, fmt.Errorf("%w: default profile %s", ErrUnknownProfile, cfg.defaultProfile)
	}

	zap.S().Named("engine").Infof("validation engine initialized with profiles %v", funk.Keys(profiles))
	return &Engine{cfg: cfg, profiles: profiles, logger: log.NewDebugLogger("engine")}, nil
}

func (e *Engine) DefaultProfile() string {
	return e.cfg.defaultProfile
}

func (e *Engine) Severity() model.Severity {
	return e.cfg.severity
}

func (e *Engine) HasProfile(name string) bool {
	if name == "" {
		return true
	}
	return funk.Contains(e.profiles, name)
}

// Profiles lists the available profiles sorted by name.
func (e *Engine) Profiles() []ProfileInfo {
	infos := make([]ProfileInfo, 0, len(e.profiles))
	for _, p := range e.profiles {
		infos = append(infos, p.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Validate checks content against profileName, or the default profile when empty.
// content is either a zip archive or a bare metadata document. A crate that
// does not conform yields a report with valid set to false; an *AdapterError
// is returned only when the content or the profile cannot be processed.
func (e *Engine) Validate(ctx context.Context, content []byte, profileName string) (model.Report, error) {
	if profileName == "" {
		profileName = e.cfg.defaultProfile
	}

	tracer := e.logger.WithContext(ctx).
		Operation("validate").
		WithString("profile", profileName).
		WithInt("bytes", len(content)).
		Build()

	p, found := e.profiles[profileName]
	if !found {
		err := newAdapterError(profileName, fmt.Errorf("%w: %s", ErrUnknownProfile, profileName))
		tracer.Error(err).Log()
		return model.Report{}, err
	}

	input, f, err := readCrate(content)
	if err != nil {
		tracer.Error(err).Log()
		return model.Report{}, newAdapterError(profileName, err)
	}

	var issues []model.Issue
	if f != nil {
		// Without a readable metadata document the profile rules have nothing to check.
		issues = []model.Issue{{Severity: model.SeverityRequired, Check: f.check, Message: f.message, Location: metadataFileName}}
	} else {
		issues, err = e.evaluate(ctx, p, input)
		if err != nil {
			tracer.Error(err).Log()
			return model.Report{}, newAdapterError(profileName, err)
		}
	}

	report := e.report(profileName, issues)
	tracer.Success().
		WithBool("valid", report.Valid).
		WithInt("issues", len(report.Issues)).
		WithBool("metadata_only", input.MetadataOnly).
		Log()
	return report, nil
}

func (e *Engine) evaluate(ctx context.Context, p *profile, input *crateInput) ([]model.Issue, error) {
	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	resultSet, err := p.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}

	if len(resultSet) == 0 || len(resultSet[0].Expressions) == 0 {
		return []model.Issue{}, nil
	}

	raw, ok := resultSet[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type %T", ErrEvaluationFailed, resultSet[0].Expressions[0].Value)
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}

	var issues []model.Issue
	if err := json.Unmarshal(b, &issues); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}
	return issues, nil
}

// report keeps the issues at or above the configured severity, most severe first.
func (e *Engine) report(profileName string, issues []model.Issue) model.Report {
	kept := make([]model.Issue, 0, len(issues))
	for _, i := range issues {
		if i.Severity.AtLeast(e.cfg.severity) {
			kept = append(kept, i)
		}
	}

	sort.SliceStable(kept, func(a, b int) bool {
		if kept[a].Severity.Rank() != kept[b].Severity.Rank() {
			return kept[a].Severity.Rank() > kept[b].Severity.Rank()
		}
		if kept[a].Check != kept[b].Check {
			return kept[a].Check < kept[b].Check
		}
		return kept[a].Location < kept[b].Location
	})

	return model.Report{
		Valid:       len(kept) == 0,
		ProfileName: profileName,
		Issues:      kept,
	}
}

// toDocument round-trips the input through JSON so that rego sees plain maps.
func toDocument(input *crateInput) (any, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
