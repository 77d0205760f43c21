package core

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"blockci/internal/expr"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

type rawPipeline struct {
	Name string    `yaml:"name"`
	On   yaml.Node `yaml:"on"`
	Jobs yaml.Node `yaml:"jobs"`
}

type rawTrigger struct {
	Branches       stringList `yaml:"branches"`
	BranchesIgnore stringList `yaml:"branches-ignore"`
}

type rawJob struct {
	Name           string            `yaml:"name"`
	Needs          stringList        `yaml:"needs"`
	RunsOn         string            `yaml:"runs-on"`
	Strategy       *rawStrategy      `yaml:"strategy"`
	Outputs        map[string]string `yaml:"outputs"`
	TimeoutMinutes int               `yaml:"timeout-minutes"`
	Steps          []rawStep         `yaml:"steps"`
}

type rawStrategy struct {
	FailFast    *bool     `yaml:"fail-fast"`
	MaxParallel int       `yaml:"max-parallel"`
	Matrix      yaml.Node `yaml:"matrix"`
}

type rawStep struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	If              string            `yaml:"if"`
	Uses            string            `yaml:"uses"`
	Run             string            `yaml:"run"`
	Shell           string            `yaml:"shell"`
	With            map[string]string `yaml:"with"`
	Env             map[string]string `yaml:"env"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	TimeoutMinutes  int               `yaml:"timeout-minutes"`
}

// stringList accepts either a single scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value != "" {
			*l = stringList{n.Value}
		}
		return nil
	case yaml.SequenceNode:
		out := make(stringList, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a string", c.Line)
			}
			out = append(out, c.Value)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
}

// ParsePipeline parses YAML content into a validated Pipeline. Guards and
// templates are compiled here so execution never re-parses configuration.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var raw rawPipeline
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, invalidf("%v", err)
	}

	p := &Pipeline{Name: raw.Name, jobsByID: make(map[string]*Job)}

	triggers, err := parseTriggers(&raw.On)
	if err != nil {
		return nil, err
	}
	p.Triggers = triggers

	if raw.Jobs.Kind != yaml.MappingNode || len(raw.Jobs.Content) == 0 {
		return nil, invalidf("pipeline declares no jobs")
	}
	for i := 0; i+1 < len(raw.Jobs.Content); i += 2 {
		id := raw.Jobs.Content[i].Value
		if !idPattern.MatchString(id) {
			return nil, invalidf("invalid job id %q", id)
		}
		if _, dup := p.jobsByID[id]; dup {
			return nil, invalidf("duplicate job id %q", id)
		}
		var rj rawJob
		if err := raw.Jobs.Content[i+1].Decode(&rj); err != nil {
			return nil, invalidf("job %q: %v", id, err)
		}
		job, err := buildJob(id, &rj)
		if err != nil {
			return nil, err
		}
		p.Jobs = append(p.Jobs, job)
		p.jobsByID[id] = job
	}

	for _, job := range p.Jobs {
		for _, need := range job.Needs {
			if _, ok := p.jobsByID[need]; !ok {
				return nil, invalidf("job %q needs unknown job %q", job.ID, need)
			}
		}
	}
	return p, nil
}

// LoadPipeline reads and parses the pipeline file at path.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func parseTriggers(n *yaml.Node) ([]TriggerRule, error) {
	var rules []TriggerRule
	add := func(kind string, rt rawTrigger) error {
		ek := EventKind(kind)
		if !ek.Valid() {
			return invalidf("unsupported trigger event %q", kind)
		}
		for _, pattern := range append(append([]string{}, rt.Branches...), rt.BranchesIgnore...) {
			if !doublestar.ValidatePattern(pattern) {
				return invalidf("invalid branch pattern %q", pattern)
			}
		}
		rules = append(rules, TriggerRule{Event: ek, Branches: rt.Branches, BranchesIgnore: rt.BranchesIgnore})
		return nil
	}

	switch n.Kind {
	case 0:
		return nil, invalidf("pipeline declares no triggers")
	case yaml.ScalarNode:
		if err := add(n.Value, rawTrigger{}); err != nil {
			return nil, err
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := add(c.Value, rawTrigger{}); err != nil {
				return nil, err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			var rt rawTrigger
			if v := n.Content[i+1]; v.Kind == yaml.MappingNode {
				if err := v.Decode(&rt); err != nil {
					return nil, invalidf("trigger %q: %v", n.Content[i].Value, err)
				}
			}
			if err := add(n.Content[i].Value, rt); err != nil {
				return nil, err
			}
		}
	default:
		return nil, invalidf("line %d: malformed 'on' section", n.Line)
	}
	return rules, nil
}

func buildJob(id string, rj *rawJob) (*Job, error) {
	job := &Job{
		ID:      id,
		Name:    rj.Name,
		Needs:   rj.Needs,
		Timeout: minutes(rj.TimeoutMinutes),
	}
	for _, need := range job.Needs {
		if need == id {
			return nil, &CyclicDependencyError{Path: []string{id, id}}
		}
	}

	runsOn := rj.RunsOn
	if runsOn == "" {
		runsOn = "ubuntu-latest"
	}
	tpl, err := expr.CompileTemplate(runsOn)
	if err != nil {
		return nil, invalidf("job %q runs-on: %v", id, err)
	}
	job.RunsOn = tpl

	if rj.Strategy != nil && rj.Strategy.Matrix.Kind != 0 {
		m, err := parseMatrix(id, rj.Strategy)
		if err != nil {
			return nil, err
		}
		job.Matrix = m
	}
	for _, ref := range tpl.References() {
		if ref[0] != "matrix" {
			return nil, invalidf("job %q runs-on may only reference matrix values", id)
		}
		if !job.hasAxis(ref[1]) {
			return nil, invalidf("job %q runs-on references unknown matrix axis %q", id, ref[1])
		}
	}

	if len(rj.Steps) == 0 {
		return nil, invalidf("job %q has no steps", id)
	}
	stepIDs := make(map[string]bool)
	for i := range rj.Steps {
		step, err := buildStep(id, i, &rj.Steps[i])
		if err != nil {
			return nil, err
		}
		if step.ID != "" {
			if stepIDs[step.ID] {
				return nil, invalidf("job %q: duplicate step id %q", id, step.ID)
			}
			stepIDs[step.ID] = true
		}
		job.Steps = append(job.Steps, step)
	}

	if len(rj.Outputs) > 0 {
		job.Outputs = make(map[string]*expr.Template, len(rj.Outputs))
		for name, src := range rj.Outputs {
			tpl, err := expr.CompileTemplate(src)
			if err != nil {
				return nil, invalidf("job %q output %q: %v", id, name, err)
			}
			job.Outputs[name] = tpl
		}
	}
	return job, nil
}

func (j *Job) hasAxis(name string) bool {
	if j.Matrix == nil {
		return false
	}
	for _, a := range j.Matrix.Axes {
		if a.Name == name {
			return true
		}
	}
	return false
}

func parseMatrix(jobID string, rs *rawStrategy) (*Matrix, error) {
	n := &rs.Matrix
	if n.Kind != yaml.MappingNode {
		return nil, invalidf("job %q: matrix must be a mapping", jobID)
	}
	m := &Matrix{FailFast: true, MaxParallel: rs.MaxParallel}
	if rs.FailFast != nil {
		m.FailFast = *rs.FailFast
	}
	if m.MaxParallel < 0 {
		return nil, invalidf("job %q: max-parallel must not be negative", jobID)
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		switch key {
		case "include":
			return nil, invalidf("job %q: matrix include is not supported", jobID)
		case "exclude":
			if err := val.Decode(&m.Exclude); err != nil {
				return nil, invalidf("job %q: matrix exclude: %v", jobID, err)
			}
			continue
		}
		if val.Kind != yaml.SequenceNode || len(val.Content) == 0 {
			return nil, invalidf("job %q: matrix axis %q must be a non-empty list", jobID, key)
		}
		axis := Axis{Name: key}
		seen := make(map[string]bool)
		for _, c := range val.Content {
			if c.Kind != yaml.ScalarNode {
				return nil, invalidf("job %q: matrix axis %q values must be scalars", jobID, key)
			}
			if seen[c.Value] {
				return nil, invalidf("job %q: matrix axis %q repeats value %q", jobID, key, c.Value)
			}
			seen[c.Value] = true
			axis.Values = append(axis.Values, c.Value)
		}
		m.Axes = append(m.Axes, axis)
	}
	if len(m.Axes) == 0 {
		return nil, invalidf("job %q: matrix declares no axes", jobID)
	}

	for _, ex := range m.Exclude {
		for _, k := range sortedKeys(ex) {
			if !(&Job{Matrix: m}).hasAxis(k) {
				return nil, invalidf("job %q: matrix exclude references unknown axis %q", jobID, k)
			}
		}
	}
	return m, nil
}

func buildStep(jobID string, index int, rs *rawStep) (*Step, error) {
	step := &Step{
		Index:           index,
		ID:              rs.ID,
		Name:            rs.Name,
		Uses:            rs.Uses,
		Shell:           rs.Shell,
		ContinueOnError: rs.ContinueOnError,
		Timeout:         minutes(rs.TimeoutMinutes),
	}
	where := fmt.Sprintf("job %q step %d", jobID, index+1)
	if step.ID != "" && !idPattern.MatchString(step.ID) {
		return nil, invalidf("%s: invalid step id %q", where, step.ID)
	}
	if (rs.Uses == "") == (rs.Run == "") {
		return nil, invalidf("%s: exactly one of 'uses' or 'run' is required", where)
	}

	guard, err := expr.CompileGuard(rs.If)
	if err != nil {
		return nil, invalidf("%s: %v", where, err)
	}
	step.Guard = guard

	if rs.Run != "" {
		if step.Run, err = expr.CompileTemplate(rs.Run); err != nil {
			return nil, invalidf("%s: %v", where, err)
		}
	}
	if step.With, err = compileMap(rs.With); err != nil {
		return nil, invalidf("%s: with: %v", where, err)
	}
	if step.Env, err = compileMap(rs.Env); err != nil {
		return nil, invalidf("%s: env: %v", where, err)
	}
	return step, nil
}

func compileMap(in map[string]string) (map[string]*expr.Template, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]*expr.Template, len(in))
	for k, v := range in {
		tpl, err := expr.CompileTemplate(v)
		if err != nil {
			return nil, err
		}
		out[k] = tpl
	}
	return out, nil
}

func minutes(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}
