package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/observability"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime"
)

// run executes materialize, build, apply and readiness for one bot. Any failure is
// persisted as the record's error state; nothing is returned to the caller.
func (s *Service) run(d domain.Descriptor, release func()) {
	defer s.inflight.Done()
	defer release()

	ctx, span := observability.StartSpan(s.root, "bot.pipeline",
		attribute.Int64("bot.id", d.ID),
		attribute.String("bot.name", d.Name),
	)
	defer span.End()

	log := s.logger.With("bot_id", d.ID, "name", d.Name)
	started := time.Now()
	log.Info("bot pipeline started")

	var dir string
	err := s.stage(ctx, d, domain.StageMaterialize, func(ctx context.Context) error {
		var err error
		dir, err = s.materializer.Materialize(ctx, d)
		return err
	})
	if err != nil {
		s.fail(ctx, d, domain.StageMaterialize, err)
		return
	}

	tag := domain.ImageTag(d)
	err = s.stage(ctx, d, domain.StageBuild, func(ctx context.Context) error {
		buildCtx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
		defer cancel()
		out, err := s.builder.BuildImage(buildCtx, dir, tag)
		if err != nil {
			return err
		}
		log.Info("bot image built", "image", out.ImageTag, "image_id", out.ImageID)
		return nil
	})
	if err != nil {
		s.fail(ctx, d, domain.StageBuild, err)
		return
	}

	var ref runtime.Ref
	err = s.stage(ctx, d, domain.StageApply, func(ctx context.Context) error {
		req, err := runtime.NewRequest(d, tag, s.cfg.Namespace)
		if err != nil {
			return domain.NewStageError(domain.StageApply, domain.ErrDeploy, err, "")
		}
		if err := s.writeManifest(dir, req); err != nil {
			log.Warn("write manifest failed", "error", err)
		}
		ref, err = s.runtime.Apply(ctx, req)
		if err != nil {
			return err
		}
		if ref.Namespace == "" {
			ref.Namespace = s.cfg.Namespace
		}
		if err := s.repo.SetClusterReference(ctx, d.ID, ref.String()); err != nil {
			return fmt.Errorf("record cluster reference: %w", err)
		}
		return nil
	})
	if err != nil {
		s.fail(ctx, d, domain.StageApply, err)
		return
	}

	err = s.stage(ctx, d, domain.StageReadiness, func(ctx context.Context) error {
		return s.runtime.AwaitReady(ctx, ref, s.cfg.ReadinessTimeout)
	})
	if err != nil {
		s.fail(ctx, d, domain.StageReadiness, err)
		return
	}

	update := domain.BotStatusUpdate{
		BotID:           d.ID,
		Status:          domain.BotStatusActive,
		PublicURL:       domain.PublicURL(s.cfg.PublicURLBase, d),
		InternalAddress: domain.InternalAddress(d, ref.Namespace),
	}
	if err := s.persist(ctx, update); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			log.Warn("bot left creating before the pipeline finished; keeping its recorded status", "error", err)
			s.metrics.runs.WithLabelValues("superseded").Inc()
			return
		}
		log.Error("persist active status failed", "error", err)
		s.metrics.runs.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist active status")
		return
	}
	s.metrics.runs.WithLabelValues(string(domain.BotStatusActive)).Inc()
	s.publishEvent(domain.BotEvent{
		BotID:     d.ID,
		OwnerID:   d.OwnerID,
		Name:      d.Name,
		Status:    string(domain.BotStatusActive),
		PublicURL: update.PublicURL,
		At:        s.now().UTC(),
	})
	log.Info("bot active", "public_url", update.PublicURL, "internal_address", update.InternalAddress, "duration", time.Since(started).String())
}

// stage runs fn in its own span and records its duration.
func (s *Service) stage(ctx context.Context, d domain.Descriptor, name string, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "bot."+name,
		attribute.Int64("bot.id", d.ID),
		attribute.String("bot.name", d.Name),
	)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	s.metrics.observeStage(name, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

// fail persists the error state for d. It uses a detached context so a shutdown in
// the middle of a stage still records why the bot stopped.
func (s *Service) fail(ctx context.Context, d domain.Descriptor, stage string, err error) {
	s.logger.Error("bot pipeline stage failed", "bot_id", d.ID, "name", d.Name, "stage", stage, "error", err)
	s.metrics.runs.WithLabelValues(string(domain.BotStatusError)).Inc()

	message := err.Error()
	if errors.Is(err, context.Canceled) {
		message = fmt.Sprintf("%s interrupted by shutdown: %v", stage, err)
	}
	message = truncate(message, MaxErrorMessageBytes)

	update := domain.BotStatusUpdate{BotID: d.ID, Status: domain.BotStatusError, ErrorMessage: message}
	if perr := s.persist(ctx, update); perr != nil {
		if errors.Is(perr, repository.ErrConflict) {
			s.logger.Warn("bot left creating before the pipeline failed; keeping its recorded status", "bot_id", d.ID, "error", perr)
			return
		}
		s.logger.Error("persist error status failed", "bot_id", d.ID, "error", perr)
		return
	}
	s.publishEvent(domain.BotEvent{
		BotID:        d.ID,
		OwnerID:      d.OwnerID,
		Name:         d.Name,
		Status:       string(domain.BotStatusError),
		ErrorMessage: message,
		At:           s.now().UTC(),
	})
}

func (s *Service) persist(ctx context.Context, update domain.BotStatusUpdate) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return s.repo.UpdateBotStatus(ctx, update)
}
