// Package planfile loads task specifications from plan documents. Plans are
// authored either as YAML or as markdown with one level-2 heading per task and
// an optional fenced yaml block of task settings. This package is a boundary
// collaborator: it produces TaskSpecs and predecessor edges, nothing more.
package planfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/maestro/internal/models"
)

// Plan is a parsed plan document.
type Plan struct {
	Name  string
	Tasks []models.TaskSpec
}

// yamlTask is the on-disk task shape shared by both formats.
type yamlTask struct {
	ID          string   `yaml:"id"`
	Scope       string   `yaml:"scope"`
	ResourceKey string   `yaml:"resource_key"`
	DependsOn   []string `yaml:"depends_on"`
	Payload     string   `yaml:"payload"`
}

// yamlPlan is the YAML plan document shape.
type yamlPlan struct {
	Name  string     `yaml:"name"`
	Tasks []yamlTask `yaml:"tasks"`
}

// Load parses a plan file, dispatching on extension (.yaml/.yml or .md).
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".md", ".markdown":
		return ParseMarkdown(data)
	default:
		return nil, fmt.Errorf("unsupported plan format %q (want .yaml, .yml or .md)", filepath.Ext(path))
	}
}

// ParseYAML parses a YAML plan document.
func ParseYAML(data []byte) (*Plan, error) {
	var doc yamlPlan
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml plan: %w", err)
	}

	plan := &Plan{Name: doc.Name}
	for _, t := range doc.Tasks {
		spec, err := toSpec(t)
		if err != nil {
			return nil, err
		}
		plan.Tasks = append(plan.Tasks, spec)
	}
	return plan, nil
}

var taskHeadingRegex = regexp.MustCompile(`^Task\s+([\w.-]+):\s*(.*)$`)

// ParseMarkdown parses a markdown plan. Each `## Task <id>: <title>` heading
// starts a task; a fenced ```yaml block inside the section supplies its
// settings, and remaining prose becomes the payload when no explicit payload
// is set.
func ParseMarkdown(data []byte) (*Plan, error) {
	md := goldmark.New()
	reader := text.NewReader(data)
	doc := md.Parser().Parse(reader)

	plan := &Plan{}
	var current *yamlTask
	var prose strings.Builder

	finish := func() error {
		if current == nil {
			return nil
		}
		if current.Payload == "" {
			current.Payload = strings.TrimSpace(prose.String())
		}
		spec, err := toSpec(*current)
		if err != nil {
			return err
		}
		plan.Tasks = append(plan.Tasks, spec)
		current = nil
		prose.Reset()
		return nil
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			headingText := extractText(node, data)
			if node.Level == 1 && plan.Name == "" {
				plan.Name = headingText
				return ast.WalkSkipChildren, nil
			}
			if node.Level != 2 {
				return ast.WalkContinue, nil
			}
			if err := finish(); err != nil {
				return ast.WalkStop, err
			}
			if matches := taskHeadingRegex.FindStringSubmatch(headingText); len(matches) == 3 {
				current = &yamlTask{ID: matches[1], Payload: ""}
				prose.Reset()
				if title := strings.TrimSpace(matches[2]); title != "" {
					prose.WriteString(title)
					prose.WriteString("\n")
				}
			}
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock:
			if current == nil {
				return ast.WalkContinue, nil
			}
			lang := string(node.Language(data))
			body := blockText(node, data)
			if lang == "yaml" || lang == "yml" {
				var settings yamlTask
				if err := yaml.Unmarshal([]byte(body), &settings); err != nil {
					return ast.WalkStop, fmt.Errorf("task %s: parse settings block: %w", current.ID, err)
				}
				mergeSettings(current, settings)
			} else {
				prose.WriteString(body)
			}
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph:
			if current != nil {
				prose.WriteString(extractText(node, data))
				prose.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return plan, nil
}

// mergeSettings overlays a settings block onto the task, keeping the heading ID.
func mergeSettings(task *yamlTask, settings yamlTask) {
	if settings.Scope != "" {
		task.Scope = settings.Scope
	}
	if settings.ResourceKey != "" {
		task.ResourceKey = settings.ResourceKey
	}
	if len(settings.DependsOn) > 0 {
		task.DependsOn = settings.DependsOn
	}
	if settings.Payload != "" {
		task.Payload = settings.Payload
	}
}

// toSpec converts the on-disk shape to a TaskSpec, defaulting the resource key.
func toSpec(t yamlTask) (models.TaskSpec, error) {
	if t.ID == "" {
		return models.TaskSpec{}, fmt.Errorf("plan task missing id")
	}
	if t.ResourceKey == "" {
		t.ResourceKey = "default"
	}
	return models.TaskSpec{
		ID:           t.ID,
		ParentScope:  t.Scope,
		ResourceKey:  t.ResourceKey,
		Payload:      t.Payload,
		Predecessors: t.DependsOn,
	}, nil
}

// extractText collects the literal text beneath a node.
func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

// blockText collects the raw lines of a fenced code block.
func blockText(n *ast.FencedCodeBlock, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		sb.Write(segment.Value(source))
	}
	return sb.String()
}
