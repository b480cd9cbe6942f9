package knowledge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/memorizer/internal/memory"
)

var errInvalidYAML = errors.New("invalid YAML frontmatter")

type frontmatter struct {
	Title    string `yaml:"title"`
	Disabled bool   `yaml:"disabled"`
}

// Prefix is the fixed knowledge prefix shared by every compression in a process.
type Prefix struct {
	Text    string
	Sources []string
}

func (p Prefix) Hash() string {
	return memory.PrefixHash(p.Text)
}

// Load builds the prefix from base followed by every *.md file in dir,
// sorted by name. YAML front matter is stripped; files with invalid front
// matter or disabled: true are skipped. A missing dir yields just base.
func Load(base, dir string, logger *zap.Logger) (Prefix, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parts := make([]string, 0, 4)
	if b := strings.TrimSpace(base); b != "" {
		parts = append(parts, b)
	}
	prefix := Prefix{}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		prefix.Text = strings.Join(parts, "\n\n")
		return prefix, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			prefix.Text = strings.Join(parts, "\n\n")
			return prefix, nil
		}
		return Prefix{}, fmt.Errorf("stat knowledge dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return Prefix{}, fmt.Errorf("knowledge path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Prefix{}, fmt.Errorf("read knowledge dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return Prefix{}, fmt.Errorf("read knowledge %q: %w", path, err)
		}
		meta, body, err := parseFrontmatter(content)
		if err != nil {
			logger.Warn("skip knowledge file with invalid front matter", zap.String("path", path), zap.Error(err))
			continue
		}
		if meta.Disabled {
			continue
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		if title := strings.TrimSpace(meta.Title); title != "" {
			body = "## " + title + "\n\n" + body
		}
		parts = append(parts, body)
		prefix.Sources = append(prefix.Sources, path)
	}

	prefix.Text = strings.Join(parts, "\n\n")
	return prefix, nil
}

// parseFrontmatter splits optional leading YAML front matter from the body.
func parseFrontmatter(content []byte) (frontmatter, string, error) {
	text := strings.ReplaceAll(strings.TrimPrefix(string(content), "\uFEFF"), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return frontmatter{}, text, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
