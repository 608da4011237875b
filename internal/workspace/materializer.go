package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/pkg/config"
)

// Materializer turns the shared bot template into a per-bot working directory.
type Materializer struct {
	workspace   *Manager
	templateDir string
	secrets     config.PlatformSecrets
	now         func() time.Time
}

// NewMaterializer binds a workspace manager to a read-only template root.
func NewMaterializer(ws *Manager, templateDir string, secrets config.PlatformSecrets) (*Materializer, error) {
	if ws == nil {
		return nil, fmt.Errorf("workspace manager required")
	}
	if templateDir == "" {
		return nil, fmt.Errorf("template directory cannot be empty")
	}
	abs, err := filepath.Abs(templateDir)
	if err != nil {
		return nil, fmt.Errorf("resolve template directory: %w", err)
	}
	return &Materializer{
		workspace:   ws,
		templateDir: abs,
		secrets:     secrets,
		now:         time.Now,
	}, nil
}

// Materialize recreates the working directory for d from scratch and returns its path.
func (m *Materializer) Materialize(ctx context.Context, d domain.Descriptor) (string, error) {
	if err := domain.CheckIdentifier(d); err != nil {
		return "", domain.NewStageError(domain.StageMaterialize, domain.ErrTemplateCopy, err, "")
	}
	dir, err := m.workspace.Prepare(workspaceID(d.ID))
	if err != nil {
		return "", domain.NewStageError(domain.StageMaterialize, domain.ErrTemplateCopy, err, "")
	}
	if err := copyTree(ctx, m.templateDir, dir); err != nil {
		return "", domain.NewStageError(domain.StageMaterialize, domain.ErrTemplateCopy, err, "")
	}
	if err := rewritePackageManifest(dir, d); err != nil {
		return "", domain.NewStageError(domain.StageMaterialize, domain.ErrManifestRewrite, err, "")
	}
	env := RenderEnvFile(d, m.secrets, m.now())
	if err := os.WriteFile(filepath.Join(dir, EnvFileName), []byte(env), 0o600); err != nil {
		return "", domain.NewStageError(domain.StageMaterialize, domain.ErrTemplateCopy, fmt.Errorf("write %s: %w", EnvFileName, err), "")
	}
	if _, err := ensureDockerfile(dir); err != nil {
		return "", domain.NewStageError(domain.StageMaterialize, domain.ErrTemplateCopy, err, "")
	}
	return dir, nil
}

// Dir returns the working directory of bot id, whether or not it exists.
func (m *Materializer) Dir(id int64) (string, error) {
	return m.workspace.Path(workspaceID(id))
}

// Remove deletes the working directory of bot id.
func (m *Materializer) Remove(id int64) error {
	return m.workspace.CleanupByID(workspaceID(id))
}

func workspaceID(id int64) string {
	return strconv.FormatInt(id, 10)
}
