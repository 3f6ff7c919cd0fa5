package policy

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestValidPlanDirectory tests all plan documents in the valid directory.
// Each plan should pass policy validation.
func TestValidPlanDirectory(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	validDir := "testdata/valid"
	plans, err := discoverPlanFiles(validDir)
	if err != nil {
		t.Fatalf("Failed to discover plan files in %s: %v", validDir, err)
	}

	if len(plans) == 0 {
		t.Fatalf("No plan files found in %s", validDir)
	}

	t.Logf("Found %d valid plan files to test", len(plans))

	for _, planPath := range plans {
		t.Run(filepath.Base(planPath), func(t *testing.T) {
			testPlanValidation(t, validator, planPath, true)
		})
	}
}

// TestInvalidPlanDirectory tests all plan documents in the invalid directory.
// Each plan should fail policy validation.
func TestInvalidPlanDirectory(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	invalidDir := "testdata/invalid"
	plans, err := discoverPlanFiles(invalidDir)
	if err != nil {
		t.Fatalf("Failed to discover plan files in %s: %v", invalidDir, err)
	}

	if len(plans) == 0 {
		t.Fatalf("No plan files found in %s", invalidDir)
	}

	t.Logf("Found %d invalid plan files to test", len(plans))

	for _, planPath := range plans {
		t.Run(filepath.Base(planPath), func(t *testing.T) {
			testPlanValidation(t, validator, planPath, false)
		})
	}
}

// TestValidPlansWithDifferentBranchBindings demonstrates that push plans only
// pass for the branch their site is bound to, while manual and rollback plans
// are branch-agnostic.
func TestValidPlansWithDifferentBranchBindings(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	validDir := "testdata/valid"
	plans, err := discoverPlanFiles(validDir)
	if err != nil {
		t.Fatalf("Failed to discover plan files in %s: %v", validDir, err)
	}

	bindings := []string{"main", "release", "production"}

	for _, planPath := range plans {
		planName := filepath.Base(planPath)

		plan, err := loadPlan(planPath)
		if err != nil {
			t.Fatalf("Failed to load plan %s: %v", planPath, err)
		}

		isPush := plan.Trigger == "push"

		for _, binding := range bindings {
			testName := planName + "_" + binding
			t.Run(testName, func(t *testing.T) {
				// Push plans carry the branch that triggered them, so they
				// only pass when the site is bound to that branch. Manual
				// and rollback plans pass for any binding.
				shouldPass := !isPush || plan.Branch == binding

				rebound := plan
				rebound.DeployBranch = binding

				result, err := validator.ValidatePlan(context.Background(), rebound)
				if err != nil {
					t.Fatalf("Validation failed with error: %v", err)
				}

				if result.Allowed != shouldPass {
					t.Errorf("Plan %s with deploy branch %s: expected allowed=%v, got allowed=%v. Violations: %v",
						planName, binding, shouldPass, result.Allowed, result.Violations)
				}
			})
		}
	}
}

// TestSpecificInvalidScenarios tests specific invalid plans with detailed assertions
func TestSpecificInvalidScenarios(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	testCases := []struct {
		planFile           string
		expectedViolations []string
	}{
		{
			planFile: "testdata/invalid/branch-mismatch.json",
			expectedViolations: []string{
				`push to branch "develop" ignored: site deploys from "main"`,
			},
		},
		{
			planFile: "testdata/invalid/missing-exclusions.yaml",
			expectedViolations: []string{
				"mandatory exclusions missing: .env, composer.json",
			},
		},
		{
			planFile: "testdata/invalid/empty-manifest.json",
			expectedViolations: []string{
				"manifest contains no files after exclusions",
			},
		},
		{
			planFile: "testdata/invalid/bad-strategy.yaml",
			expectedViolations: []string{
				`unknown deployment strategy: "copy"`,
			},
		},
		{
			planFile: "testdata/invalid/release-dir-no-ssh.yaml",
			expectedViolations: []string{
				"release_dir strategy requires SSH access",
			},
		},
		{
			planFile: "testdata/invalid/rollback-no-manifest.json",
			expectedViolations: []string{
				"rollback target release has no recorded manifest",
				"manifest contains no files after exclusions",
			},
		},
		{
			planFile: "testdata/invalid/multiple-violations.yaml",
			expectedViolations: []string{
				`push to branch "feature/x" ignored: site deploys from "main"`,
				`unknown deployment strategy: "copy"`,
				"mandatory exclusions missing: .env, .git/, .github/, README.md, composer.json, composer.lock, package-lock.json, package.json, tests/",
			},
		},
	}

	for _, tc := range testCases {
		planName := filepath.Base(tc.planFile)
		t.Run(planName, func(t *testing.T) {
			plan, err := loadPlan(tc.planFile)
			if err != nil {
				t.Fatalf("Failed to load plan %s: %v", tc.planFile, err)
			}

			result, err := validator.ValidatePlan(context.Background(), plan)
			if err != nil {
				t.Fatalf("Validation failed with error: %v", err)
			}

			if result.Allowed {
				t.Errorf("Plan %s should have failed validation but was allowed", planName)
			}

			if len(result.Violations) == 0 {
				t.Fatalf("Plan %s should have violations but got none", planName)
			}

			// Check that all expected violations are present
			violationMap := make(map[string]bool)
			for _, v := range result.Violations {
				violationMap[v] = true
			}

			for _, expected := range tc.expectedViolations {
				if !violationMap[expected] {
					t.Errorf("Expected violation '%s' not found in %v", expected, result.Violations)
				}
			}

			t.Logf("Plan %s correctly failed with violations: %v", planName, result.Violations)
		})
	}
}

// discoverPlanFiles recursively finds all .json and .yaml files in the specified directory
func discoverPlanFiles(dir string) ([]string, error) {
	var planFiles []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && (strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".yaml")) {
			planFiles = append(planFiles, path)
		}

		return nil
	})

	return planFiles, err
}

// testPlanValidation is a helper function that tests a single plan file
func testPlanValidation(t *testing.T, validator *Validator, planPath string, shouldPass bool) {
	plan, err := loadPlan(planPath)
	if err != nil {
		t.Fatalf("Failed to load plan %s: %v", planPath, err)
	}

	result, err := validator.ValidatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("Validation failed with error: %v", err)
	}

	planName := filepath.Base(planPath)

	if shouldPass {
		if !result.Allowed {
			t.Errorf("Plan %s should have passed validation but failed with violations: %v",
				planName, result.Violations)
		} else {
			t.Logf("Plan %s correctly passed validation", planName)
		}
	} else {
		if result.Allowed {
			t.Errorf("Plan %s should have failed validation but passed", planName)
		} else {
			t.Logf("Plan %s correctly failed validation with violations: %v",
				planName, result.Violations)
		}
	}
}

type planDocument struct {
	Site         string   `json:"site" yaml:"site"`
	Env          string   `json:"env" yaml:"env"`
	Branch       string   `json:"branch" yaml:"branch"`
	DeployBranch string   `json:"deploy_branch" yaml:"deploy_branch"`
	Trigger      string   `json:"trigger" yaml:"trigger"`
	Strategy     string   `json:"strategy" yaml:"strategy"`
	Excludes     []string `json:"excludes" yaml:"excludes"`
	FilesTotal   int      `json:"files_total" yaml:"files_total"`
	HasSSH       bool     `json:"has_ssh" yaml:"has_ssh"`
}

// loadPlan loads and parses a plan document from a file (supports both JSON and YAML)
func loadPlan(planPath string) (PlanInput, error) {
	content, err := os.ReadFile(planPath)
	if err != nil {
		return PlanInput{}, err
	}

	var doc planDocument

	// Determine file format based on extension
	if strings.HasSuffix(planPath, ".yaml") || strings.HasSuffix(planPath, ".yml") {
		err = yaml.Unmarshal(content, &doc)
	} else {
		err = json.Unmarshal(content, &doc)
	}

	if err != nil {
		return PlanInput{}, err
	}

	return PlanInput{
		Site:         doc.Site,
		Env:          doc.Env,
		Branch:       doc.Branch,
		DeployBranch: doc.DeployBranch,
		Trigger:      doc.Trigger,
		Strategy:     doc.Strategy,
		Excludes:     doc.Excludes,
		FilesTotal:   doc.FilesTotal,
		HasSSH:       doc.HasSSH,
	}, nil
}
