package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

// BuildOutput describes a successfully built image.
type BuildOutput struct {
	ImageTag string
	ImageID  string
	Log      []string
}

// BuildImage builds dir into an image tagged tag. Failures are *domain.StageError
// of kind domain.ErrBuild carrying the trailing build output.
func (c *Client) BuildImage(ctx context.Context, dir, tag string) (BuildOutput, error) {
	if c == nil || c.inner == nil {
		return BuildOutput{}, buildError(errors.New("docker client not initialized"), nil)
	}
	if dir == "" {
		return BuildOutput{}, buildError(errors.New("build directory cannot be empty"), nil)
	}
	if tag == "" {
		return BuildOutput{}, buildError(errors.New("image tag cannot be empty"), nil)
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return BuildOutput{}, buildError(fmt.Errorf("create build context: %w", err), nil)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return BuildOutput{}, buildError(fmt.Errorf("docker image build: %w", err), nil)
	}
	defer resp.Body.Close()

	logs := newBuildLog(buildLogTailSize, func(line string) {
		c.log.Debug("build output", "tag", tag, "line", line)
	})
	out := BuildOutput{ImageTag: tag}
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return BuildOutput{}, buildError(fmt.Errorf("decode build output: %w", err), logs.Tail())
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return BuildOutput{}, buildError(errors.New(errMsg), logs.Tail())
		}
		if id := msg.imageID(); id != "" {
			out.ImageID = id
		}
		for _, line := range strings.Split(msg.render(), "\n") {
			logs.Add(line)
		}
	}
	out.Log = logs.Tail()
	return out, nil
}

func buildError(err error, tail []string) error {
	return domain.NewStageError(domain.StageBuild, domain.ErrBuild, err, strings.Join(tail, "\n"))
}

type imageBuildMessage struct {
	Stream      string                `json:"stream"`
	Status      string                `json:"status"`
	ID          string                `json:"id"`
	Progress    string                `json:"progress"`
	Error       string                `json:"error"`
	ErrorDetail imageBuildErrorDetail `json:"errorDetail"`
	Aux         map[string]any        `json:"aux"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m imageBuildMessage) imageID() string {
	if id, ok := m.Aux["ID"].(string); ok {
		return id
	}
	return ""
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if progress := strings.TrimSpace(m.Progress); progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id := m.imageID(); id != "" {
		return "image id: " + id
	}
	return ""
}
