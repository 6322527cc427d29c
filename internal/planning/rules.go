package planning

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

// RuleFile is the YAML document declaring goals and push rules.
//
//	goals:
//	  - name: build
//	    environment: 0-code
//	  - name: deploy
//	    environment: 1-staging
//	    preconditions: [build]
//	    isolated: true
//	    job:
//	      command: check-file
//	      parameters: [{path: deploy.yaml}]
//	  - name: scan
//	    side_effect: external-ci
//	rules:
//	  - name: java
//	    test: {hasFile: pom.xml}
//	    goals: [build, deploy]
//	  - name: docs
//	    enrichment: true
//	    test: {materialChange: ["docs/**"]}
//	    goals: [publish docs]
type RuleFile struct {
	Goals []GoalSpec `yaml:"goals"`
	Rules []RuleSpec `yaml:"rules"`
}

// GoalSpec declares one goal.
type GoalSpec struct {
	Name          string            `yaml:"name"`
	DisplayName   string            `yaml:"display_name"`
	Environment   goal.Environment  `yaml:"environment"`
	Descriptions  goal.Descriptions `yaml:"descriptions"`
	Preconditions []string          `yaml:"preconditions"`
	Isolated      bool              `yaml:"isolated"`

	// SideEffect names the external system that completes the goal.
	SideEffect string `yaml:"side_effect"`
	// Job runs a registered command once per parameter set.
	Job *JobSpec `yaml:"job"`
	// Autofixes names built-in transforms applied by the goal.
	Autofixes []string `yaml:"autofixes"`
}

// JobSpec fulfils a goal by fanning a command out over parameter sets.
// Values may reference ${owner}, ${repo}, ${branch} and ${sha}.
type JobSpec struct {
	Command    string              `yaml:"command"`
	Parameters []map[string]string `yaml:"parameters"`
}

// RuleSpec declares one push rule. Test is a push test tree as accepted
// by pushtest.Parse.
type RuleSpec struct {
	Name       string   `yaml:"name"`
	Test       any      `yaml:"test"`
	Goals      []string `yaml:"goals"`
	Enrichment bool     `yaml:"enrichment"`
}

// LoadRulesFile reads path and calls LoadRules.
func LoadRulesFile(path string, reg *goal.Registry, catalog pushtest.Catalog) ([]PushRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	defer f.Close()
	return LoadRules(f, reg, catalog)
}

// LoadRules decodes a rule file, defines its goals in reg and resolves the
// rules. Rules may also name goals registered in code before loading.
func LoadRules(r io.Reader, reg *goal.Registry, catalog pushtest.Catalog) ([]PushRule, error) {
	file, err := DecodeRuleFile(r)
	if err != nil {
		return nil, err
	}
	return file.Resolve(reg, catalog)
}

// DecodeRuleFile parses a rule file without defining anything.
func DecodeRuleFile(r io.Reader) (*RuleFile, error) {
	var file RuleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	for _, gs := range file.Goals {
		if gs.SideEffect != "" && (gs.Job != nil || len(gs.Autofixes) > 0) {
			return nil, fmt.Errorf("invalid rules file: goal %q: side_effect excludes job and autofixes", gs.Name)
		}
		if gs.Job != nil && len(gs.Autofixes) > 0 {
			return nil, fmt.Errorf("invalid rules file: goal %q: job and autofixes are exclusive", gs.Name)
		}
	}
	return &file, nil
}

// Resolve defines f's goals in reg and builds its push rules.
func (f *RuleFile) Resolve(reg *goal.Registry, catalog pushtest.Catalog) ([]PushRule, error) {
	for _, gs := range f.Goals {
		if _, err := reg.Define(goal.Definition{
			UniqueName:    gs.Name,
			DisplayName:   gs.DisplayName,
			Environment:   gs.Environment,
			Descriptions:  gs.Descriptions,
			Preconditions: gs.Preconditions,
			Isolated:      gs.Isolated,
		}); err != nil {
			return nil, fmt.Errorf("invalid rules file: %w", err)
		}
	}

	rules := make([]PushRule, 0, len(f.Rules))
	for _, rs := range f.Rules {
		test, err := pushtest.Parse(rs.Test, catalog)
		if err != nil {
			return nil, fmt.Errorf("invalid rules file: rule %q: %w", rs.Name, err)
		}
		goals := make([]*goal.Goal, 0, len(rs.Goals))
		for _, name := range rs.Goals {
			g, ok := reg.Get(name)
			if !ok {
				return nil, fmt.Errorf("invalid rules file: rule %q: unknown goal %q", rs.Name, name)
			}
			goals = append(goals, g)
		}
		rules = append(rules, PushRule{Name: rs.Name, Test: test, Goals: goals, Enrichment: rs.Enrichment})
	}
	return rules, nil
}
