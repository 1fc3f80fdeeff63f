package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/cucumber/godog"
	"github.com/spf13/afero"
)

// GodogRunner drives the Gherkin engine over the staged in-memory feature
// files and aggregates its cucumber-format report into a Result.
type GodogRunner struct {
	Format string // report format; "cucumber" is the only parsed one
}

// NewGodogRunner builds the default runner.
func NewGodogRunner() *GodogRunner { return &GodogRunner{Format: "cucumber"} }

// Run executes the suite. The engine reads features through an fs.FS view of
// the staging filesystem, so nothing touches the host disk.
func (g *GodogRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	featureDir := path.Join(spec.Dir, "features")
	if ok, err := afero.DirExists(spec.FS, featureDir); err != nil || !ok {
		return Result{}, fmt.Errorf("no features staged under %s", featureDir)
	}

	glues, err := GlueFor(spec.Directive.GluePackages)
	if err != nil {
		return Result{}, err
	}
	step := &StepContext{
		TestID:    spec.TestID,
		Registry:  spec.Registry,
		Directive: spec.Directive,
		FetchWait: spec.FetchWait,
		Source:    "pipeline-harness/" + spec.TestID.String(),
	}

	format := g.Format
	if format == "" {
		format = "cucumber"
	}
	var report bytes.Buffer
	suite := godog.TestSuite{
		Name: spec.TestID.String(),
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			for _, glue := range glues {
				glue(sc, step)
			}
		},
		Options: &godog.Options{
			Format:         format,
			Output:         &report,
			Paths:          []string{featureDir},
			FS:             afero.NewIOFS(spec.FS),
			Strict:         true,
			NoColors:       true,
			DefaultContext: ctx,
		},
	}

	status := suite.Run()

	result, parseErr := parseCucumberReport(report.Bytes())
	if parseErr != nil {
		// The engine ran but the report is unusable; treat as a scenario
		// subsystem failure rather than a test verdict.
		return Result{}, fmt.Errorf("parse suite report (exit %d): %w", status, parseErr)
	}
	result.Report = report.Bytes()
	result.Passed = status == 0 && result.Scenarios.Failed == 0 && result.Steps.Undefined == 0
	if !result.Passed && result.ErrorMessage == "" {
		result.ErrorMessage = failureSummary(result)
	}
	return result, nil
}

// cucumber report shapes, reduced to what aggregation needs.
type cukeFeature struct {
	Elements []cukeElement `json:"elements"`
}

type cukeElement struct {
	Name  string     `json:"name"`
	Type  string     `json:"type"`
	Steps []cukeStep `json:"steps"`
}

type cukeStep struct {
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
}

func parseCucumberReport(b []byte) (Result, error) {
	var features []cukeFeature
	if err := json.Unmarshal(b, &features); err != nil {
		return Result{}, err
	}
	var res Result
	for _, f := range features {
		for _, el := range f.Elements {
			if el.Type != "scenario" {
				continue
			}
			res.Scenarios.Passed++ // provisional; demoted below on failure
			failed, skipped := false, false
			for _, st := range el.Steps {
				switch st.Result.Status {
				case "passed":
					res.Steps.Passed++
				case "failed":
					res.Steps.Failed++
					failed = true
				case "undefined", "pending", "ambiguous":
					res.Steps.Undefined++
					failed = true
				default: // "skipped"
					res.Steps.Skipped++
					skipped = true
				}
			}
			if failed {
				res.Scenarios.Passed--
				res.Scenarios.Failed++
				res.FailedScenarios = append(res.FailedScenarios, el.Name)
			} else if skipped {
				res.Scenarios.Passed--
				res.Scenarios.Skipped++
			}
		}
	}
	return res, nil
}

func failureSummary(r Result) string {
	if len(r.FailedScenarios) > 0 {
		return "failed scenarios: " + strings.Join(r.FailedScenarios, ", ")
	}
	if r.Steps.Undefined > 0 {
		return fmt.Sprintf("%d undefined steps", r.Steps.Undefined)
	}
	return "suite failed"
}
