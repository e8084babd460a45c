// Package loader reads pipeline definition files. The on-disk format is
// YAML; the loader decodes it, applies defaults, and validates everything
// structural so the rest of the system can assume a well-formed definition.
// Guard conditions and cache key templates are only syntax at this point;
// they are evaluated during the run.
package loader

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vk/stagerunner/internal/pipeline"
)

type fileDefinition struct {
	Name      string            `yaml:"name"`
	Variables map[string]string `yaml:"variables"`
	Stages    []*fileStage      `yaml:"stages"`
}

type fileStage struct {
	Stage     string     `yaml:"stage"`
	DependsOn yaml.Node `yaml:"dependsOn"`
	Condition string     `yaml:"condition"`
	Jobs      []*fileJob `yaml:"jobs"`
}

type fileJob struct {
	Job            string        `yaml:"job"`
	Condition      string        `yaml:"condition"`
	Pool           string        `yaml:"pool"`
	TimeoutSeconds int           `yaml:"timeoutSeconds"`
	Strategy       *fileStrategy `yaml:"strategy"`
	Steps          []*fileStep   `yaml:"steps"`
}

type fileStrategy struct {
	Matrix *matrixNode `yaml:"matrix"`
}

// matrixNode preserves the declaration order of matrix entries, which a
// plain map decode would lose.
type matrixNode struct {
	entries []pipeline.MatrixEntry
}

func (m *matrixNode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping of entry name to variables, line %d", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var vars map[string]string
		if err := value.Content[i+1].Decode(&vars); err != nil {
			return err
		}
		m.entries = append(m.entries, pipeline.MatrixEntry{
			Name:      value.Content[i].Value,
			Variables: vars,
		})
	}
	return nil
}

type fileStep struct {
	Name           string            `yaml:"name"`
	Script         string            `yaml:"script"`
	Task           string            `yaml:"task"`
	With           map[string]string `yaml:"with"`
	Env            map[string]string `yaml:"env"`
	Condition      string            `yaml:"condition"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
	Cache          *fileCache        `yaml:"cache"`
	Artifact       *fileArtifact     `yaml:"artifact"`
}

type fileCache struct {
	Key         string   `yaml:"key"`
	RestoreKeys []string `yaml:"restoreKeys"`
	Path        string   `yaml:"path"`
	WriteBack   string   `yaml:"writeBack"`
}

type fileArtifact struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// Load reads and parses a pipeline definition file.
func Load(path string) (*pipeline.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline definition.
func Parse(data []byte) (*pipeline.Definition, error) {
	var file fileDefinition
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("parsing pipeline: %v", err)}
	}

	def := &pipeline.Definition{
		Name:      file.Name,
		Variables: file.Variables,
	}
	if def.Name == "" {
		def.Name = "pipeline"
	}
	if len(file.Stages) == 0 {
		return nil, &pipeline.ConfigError{Detail: "pipeline declares no stages"}
	}

	for _, fs := range file.Stages {
		stage, err := buildStage(fs)
		if err != nil {
			return nil, err
		}
		def.Stages = append(def.Stages, stage)
	}
	return def, nil
}

func buildStage(fs *fileStage) (*pipeline.Stage, error) {
	if fs.Stage == "" {
		return nil, &pipeline.ConfigError{Detail: "stage without a name"}
	}
	// Names become segments of unit identifiers, joined with "/" and,
	// for matrix instances, ".". A separator inside a name would let two
	// distinct units share one identifier.
	if strings.Contains(fs.Stage, "/") {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("stage %q: name must not contain '/'", fs.Stage)}
	}
	stage := &pipeline.Stage{
		Name:      fs.Stage,
		Condition: fs.Condition,
	}

	if !fs.DependsOn.IsZero() {
		// A present dependsOn key always pins the dependency set, even
		// when empty: that is how a stage opts out of the implicit
		// sequential ordering.
		stage.DependsOnSet = true
		deps, err := decodeDependsOn(&fs.DependsOn)
		if err != nil {
			return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("stage %q: %v", fs.Stage, err)}
		}
		stage.DependsOn = deps
	}

	if len(fs.Jobs) == 0 {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("stage %q declares no jobs", fs.Stage)}
	}
	jobNames := make(map[string]bool)
	for _, fj := range fs.Jobs {
		job, err := buildJob(fs.Stage, fj)
		if err != nil {
			return nil, err
		}
		if jobNames[job.Name] {
			return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("stage %q: duplicate job name %q", fs.Stage, job.Name)}
		}
		jobNames[job.Name] = true
		stage.Jobs = append(stage.Jobs, job)
	}
	return stage, nil
}

// decodeDependsOn accepts both forms: a single stage name or a list.
func decodeDependsOn(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		var deps []string
		if err := node.Decode(&deps); err != nil {
			return nil, fmt.Errorf("dependsOn: %v", err)
		}
		return deps, nil
	default:
		return nil, fmt.Errorf("dependsOn must be a stage name or a list of stage names, line %d", node.Line)
	}
}

func buildJob(stageName string, fj *fileJob) (*pipeline.Job, error) {
	if fj.Job == "" {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("stage %q: job without a name", stageName)}
	}
	if strings.ContainsAny(fj.Job, "/.") {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("stage %q: job name %q must not contain '/' or '.'", stageName, fj.Job)}
	}
	job := &pipeline.Job{
		Name:           fj.Job,
		Condition:      fj.Condition,
		Pool:           fj.Pool,
		TimeoutSeconds: fj.TimeoutSeconds,
	}
	if fj.Strategy != nil && fj.Strategy.Matrix != nil {
		for _, entry := range fj.Strategy.Matrix.entries {
			if entry.Name == "" {
				return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q: matrix entry without a name", fj.Job)}
			}
			if strings.ContainsAny(entry.Name, "/.") {
				return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q: matrix entry name %q must not contain '/' or '.'", fj.Job, entry.Name)}
			}
		}
		job.Matrix = &pipeline.Matrix{Entries: fj.Strategy.Matrix.entries}
	}

	if len(fj.Steps) == 0 {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q declares no steps", fj.Job)}
	}
	stepNames := make(map[string]bool)
	for i, step := range fj.Steps {
		s, err := buildStep(fj.Job, i, step)
		if err != nil {
			return nil, err
		}
		if stepNames[s.Name] {
			return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q: duplicate step name %q", fj.Job, s.Name)}
		}
		stepNames[s.Name] = true
		job.Steps = append(job.Steps, s)
	}
	return job, nil
}

func buildStep(jobName string, index int, fs *fileStep) (*pipeline.Step, error) {
	step := &pipeline.Step{
		Name:           fs.Name,
		Condition:      fs.Condition,
		Script:         fs.Script,
		Task:           fs.Task,
		With:           fs.With,
		Env:            fs.Env,
		TimeoutSeconds: fs.TimeoutSeconds,
	}
	if step.Name == "" {
		step.Name = fmt.Sprintf("step%d", index+1)
	}
	if strings.Contains(step.Name, "/") {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q: step name %q must not contain '/'", jobName, step.Name)}
	}

	switch {
	case fs.Script != "" && fs.Task != "":
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q step %q: script and task are mutually exclusive", jobName, step.Name)}
	case fs.Script != "":
		step.Kind = pipeline.StepScript
	case fs.Task != "":
		step.Kind = pipeline.StepTask
	default:
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q step %q: needs a script or a task", jobName, step.Name)}
	}
	if fs.With != nil && step.Kind != pipeline.StepTask {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q step %q: with requires a task", jobName, step.Name)}
	}

	if fs.Cache != nil {
		cacheSpec, err := buildCache(jobName, step.Name, fs.Cache)
		if err != nil {
			return nil, err
		}
		step.Cache = cacheSpec
	}
	if fs.Artifact != nil {
		if fs.Artifact.Path == "" || fs.Artifact.Name == "" {
			return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q step %q: artifact needs path and name", jobName, step.Name)}
		}
		step.Artifact = &pipeline.ArtifactSpec{Path: fs.Artifact.Path, Name: fs.Artifact.Name}
	}
	return step, nil
}

func buildCache(jobName, stepName string, fc *fileCache) (*pipeline.CacheSpec, error) {
	if fc.Key == "" || fc.Path == "" {
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q step %q: cache needs key and path", jobName, stepName)}
	}
	spec := &pipeline.CacheSpec{
		Key:         fc.Key,
		RestoreKeys: fc.RestoreKeys,
		Path:        fc.Path,
		WriteBack:   pipeline.WriteBackAlways,
	}
	switch fc.WriteBack {
	case "":
	case string(pipeline.WriteBackAlways), string(pipeline.WriteBackOnSuccess):
		spec.WriteBack = pipeline.WriteBackPolicy(fc.WriteBack)
	default:
		return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("job %q step %q: unknown writeBack policy %q", jobName, stepName, fc.WriteBack)}
	}
	return spec, nil
}
