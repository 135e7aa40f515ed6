package engine

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"
)

const (
	descriptorFile = "profile.yaml"
	issuesQuery    = "data.crate.validation.issues"
)

//go:embed profiles
var builtinProfiles embed.FS

// ProfileInfo describes a profile as declared in its profile.yaml.
type ProfileInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URI         string   `json:"uri,omitempty"`
	Extends     []string `json:"extends,omitempty"`
}

type profileSource struct {
	info     ProfileInfo
	policies map[string]string
}

type profile struct {
	info  ProfileInfo
	query rego.PreparedEvalQuery
}

// readProfiles reads every <dir>/profile.yaml of fsys together with the .rego
// files next to it.
func readProfiles(fsys fs.FS) (map[string]*profileSource, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read profiles directory")
	}

	sources := make(map[string]*profileSource)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		raw, err := fs.ReadFile(fsys, path.Join(entry.Name(), descriptorFile))
		if err != nil {
			zap.S().Named("engine").Debugf("skipping %s: no %s", entry.Name(), descriptorFile)
			continue
		}

		var info ProfileInfo
		if err := yaml.Unmarshal(raw, &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s/%s", entry.Name(), descriptorFile)
		}
		if info.Name == "" {
			info.Name = entry.Name()
		}

		policies, err := readPolicies(fsys, entry.Name())
		if err != nil {
			return nil, err
		}

		sources[info.Name] = &profileSource{info: info, policies: policies}
	}

	return sources, nil
}

func readPolicies(fsys fs.FS, dir string) (map[string]string, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read profile %s", dir)
	}

	policies := make(map[string]string)
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".rego") || strings.HasSuffix(f.Name(), "_test.rego") {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read policy file %s/%s", dir, f.Name())
		}
		policies[path.Join(dir, f.Name())] = string(content)
	}
	return policies, nil
}

func loadSources(profilesDir string) (map[string]*profileSource, error) {
	embedded, err := fs.Sub(builtinProfiles, "profiles")
	if err != nil {
		return nil, err
	}

	sources, err := readProfiles(embedded)
	if err != nil {
		return nil, err
	}

	if profilesDir == "" {
		return sources, nil
	}

	extra, err := readProfiles(os.DirFS(profilesDir))
	if err != nil {
		return nil, err
	}
	for name, src := range extra {
		if _, found := sources[name]; found {
			zap.S().Named("engine").Infof("profile %s from %s overrides the built-in profile", name, profilesDir)
		}
		sources[name] = src
	}
	return sources, nil
}

// chain returns the profile and every profile it extends, bases first.
func chain(sources map[string]*profileSource, name string) ([]*profileSource, error) {
	var (
		ordered []*profileSource
		visit   func(n string, stack []string) error
	)
	seen := map[string]bool{}

	visit = func(n string, stack []string) error {
		for _, s := range stack {
			if s == n {
				return errors.Errorf("profile %s extends itself through %s", n, strings.Join(stack, " -> "))
			}
		}
		if seen[n] {
			return nil
		}
		src, found := sources[n]
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownProfile, n)
		}
		for _, base := range src.info.Extends {
			if err := visit(base, append(stack, n)); err != nil {
				return err
			}
		}
		seen[n] = true
		ordered = append(ordered, src)
		return nil
	}

	if err := visit(name, nil); err != nil {
		return nil, err
	}
	return ordered, nil
}

func compileProfile(ctx context.Context, sources map[string]*profileSource, name string) (*profile, error) {
	profiles, err := chain(sources, name)
	if err != nil {
		return nil, err
	}

	compiler := ast.NewCompiler()
	modules := make(map[string]*ast.Module)

	for _, p := range profiles {
		for filename, content := range p.policies {
			module, err := ast.ParseModuleWithOpts(filename, content, ast.ParserOptions{
				RegoVersion: ast.RegoV1,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse policy %s", filename)
			}
			modules[filename] = module
		}
	}

	compiler.Compile(modules)
	if compiler.Failed() {
		return nil, errors.Errorf("profile %s compilation failed: %v", name, compiler.Errors)
	}

	query, err := rego.New(
		rego.Query(issuesQuery),
		rego.Compiler(compiler),
		rego.SetRegoVersion(ast.RegoV1),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare profile %s", name)
	}

	return &profile{info: sources[name].info, query: query}, nil
}

func sortedNames(sources map[string]*profileSource) []string {
	names := make([]string, 0, len(sources))
	for n := range sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
