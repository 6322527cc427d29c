package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/planning"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/push"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Show the goals HEAD of a local repository would get",
	Long: `Plan treats HEAD of the repository at path (default ".") as a fresh
push and prints the goal set the rules file selects for it. Nothing is run
or recorded. Changed files are unknown, so material change tests hold.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

// plannedGoal is one line of plan output.
type plannedGoal struct {
	Name          string   `yaml:"name"`
	Environment   string   `yaml:"environment"`
	Preconditions []string `yaml:"preconditions,omitempty"`
	Isolated      bool     `yaml:"isolated,omitempty"`
}

type planOutput struct {
	Repo    string        `yaml:"repo"`
	Branch  string        `yaml:"branch"`
	Sha     string        `yaml:"sha"`
	Matched []string      `yaml:"matched"`
	Goals   []plannedGoal `yaml:"goals"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	rules, err := planning.LoadRulesFile(cfg.Goals.RulesFile, goal.NewRegistry(), nil)
	if err != nil {
		return err
	}
	setter, err := planning.NewSetter(rules, zl)
	if err != nil {
		return err
	}

	w, err := push.NewLocalWatcher(path, zl)
	if err != nil {
		return err
	}
	defer w.Stop()
	ev, err := w.Current()
	if err != nil {
		return err
	}

	ref := project.RepoRef{Owner: ev.Repo.Owner, Repo: ev.Repo.Name, Branch: ev.Branch, Sha: ev.Sha, URL: ev.Repo.CloneURL}
	proj, err := project.OpenGitProject(ref, w.Root(), project.Credentials{})
	if err != nil {
		return err
	}

	plan, err := setter.Plan(ctx, &pushtest.Invocation{Push: ev, Project: proj}, pushtest.NewMemo())
	if err != nil {
		return err
	}
	logger.Debug(ctx, "planned local push", zap.String("sha", ev.Sha), zap.Strings("matched", plan.Matched))

	out := planOutput{
		Repo:    ev.Repo.Slug(),
		Branch:  ev.Branch,
		Sha:     ev.Sha,
		Matched: append([]string{}, plan.Matched...),
		Goals:   []plannedGoal{},
	}
	if plan.Planned() {
		for _, g := range plan.Set.Goals() {
			out.Goals = append(out.Goals, plannedGoal{
				Name:          g.UniqueName(),
				Environment:   g.Environment().Name(),
				Preconditions: g.Preconditions(),
				Isolated:      g.Isolated(),
			})
		}
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("writing plan: %w", err)
	}
	return enc.Close()
}
