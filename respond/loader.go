package respond

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sentinel/core"
)

// LoadPlaybookFile parses and validates a single playbook YAML file.
func LoadPlaybookFile(path string) (*core.ResponsePlaybook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook %s: %w", path, err)
	}

	var playbook core.ResponsePlaybook
	if err := yaml.Unmarshal(data, &playbook); err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	if err := playbook.Validate(); err != nil {
		return nil, fmt.Errorf("playbook %s: %w", path, err)
	}

	now := time.Now().UTC()
	if playbook.CreatedAt.IsZero() {
		playbook.CreatedAt = now
	}
	playbook.UpdatedAt = now
	return &playbook, nil
}

// LoadPlaybookDir loads every .yml/.yaml playbook in dir. A single bad file
// fails the whole load so a typo cannot silently drop a containment workflow.
func LoadPlaybookDir(dir string, logger *zap.SugaredLogger) ([]*core.ResponsePlaybook, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read playbook dir %s: %w", dir, err)
	}

	var playbooks []*core.ResponsePlaybook
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		playbook, err := LoadPlaybookFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[playbook.ID]; dup {
			return nil, fmt.Errorf("playbook id %s defined in both %s and %s", playbook.ID, prev, path)
		}
		seen[playbook.ID] = path
		playbooks = append(playbooks, playbook)
		logger.Infow("playbook loaded", "id", playbook.ID, "name", playbook.Name, "file", entry.Name())
	}
	return playbooks, nil
}
