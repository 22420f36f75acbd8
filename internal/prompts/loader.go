package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// Template paths used by the pipeline phases
const (
	ImpactEvaluate = "impact/evaluate.md"
	ContentBlog    = "content/blog.md"
	ContentSocial  = "content/social.md"
	VideoScript    = "video/script.md"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // checked in priority order before the embedded set
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for a prompt template.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Class       string `yaml:"class"`
	System      string `yaml:"system"`
	Path        string `yaml:"-"`
}

// Rendered is a template split into its system instruction and user message
type Rendered struct {
	System string
	User   string
}

// Data holds template variables shared by all phase prompts.
type Data struct {
	Query      []string
	Findings   []domain.Finding
	Impact     string
	Blog       string
	SocialPost string
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Configured dirs, in the order given
// 2. Project-local: .trend-orch/prompts/
// 3. User config: ~/.config/trend-orchestrator/prompts/
func DefaultLoader(projectRoot string, configured ...string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := append([]string(nil), configured...)

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".trend-orch", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "trend-orchestrator", "prompts"))

	return NewLoader(dirs...)
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	meta.System = strings.TrimSpace(meta.System)

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "content/blog.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if meta != nil {
		meta.Path = name
	}

	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Render executes a template and pairs the result with its system instruction.
func (l *Loader) Render(name string, data Data) (Rendered, error) {
	tmpl, meta, err := l.LoadTemplate(name)
	if err != nil {
		return Rendered{}, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("execute %s: %w", name, err)
	}

	out := Rendered{User: strings.TrimSpace(buf.String())}
	if meta != nil {
		out.System = meta.System
	}
	return out, nil
}

// List returns metadata for every embedded template, honoring overrides.
func (l *Loader) List() ([]*TemplateMeta, error) {
	var names []string
	err := fs.WalkDir(embeddedFS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && path.Ext(p) == ".md" {
			names = append(names, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var result []*TemplateMeta
	for _, name := range names {
		_, meta, err := l.LoadTemplate(name)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			meta = &TemplateMeta{ID: strings.TrimSuffix(path.Base(name), ".md"), Path: name}
		}
		result = append(result, meta)
	}
	return result, nil
}

// ClearCache drops parsed templates so edited overrides are picked up.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
