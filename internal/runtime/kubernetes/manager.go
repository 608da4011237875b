package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime"
)

const defaultPollInterval = 2 * time.Second

// Manager provisions bot workloads inside Kubernetes.
type Manager struct {
	client       kubernetes.Interface
	namespace    string
	logger       *slog.Logger
	pollInterval time.Duration
}

var (
	_ runtime.Manager          = (*Manager)(nil)
	_ runtime.ManifestRenderer = (*Manager)(nil)
)

// New creates a Kubernetes-backed runtime manager. It prefers in-cluster configuration
// and falls back to KUBECONFIG when running locally.
func New(namespace string, log *slog.Logger) (*Manager, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, namespace, log), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, namespace string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if namespace == "" {
		namespace = "bot-platform"
	}
	return &Manager{
		client:       client,
		namespace:    namespace,
		logger:       log.With("component", "kubernetes"),
		pollInterval: defaultPollInterval,
	}
}

// Namespace returns the namespace bots are deployed into.
func (m *Manager) Namespace() string {
	return m.namespace
}

// Ping checks API server reachability.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.client.CoreV1().Services(m.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err
}

// Apply creates or updates the bot Deployment and its Service.
func (m *Manager) Apply(ctx context.Context, req runtime.Request) (runtime.Ref, error) {
	req = m.withNamespace(req)
	if err := checkRequest(req); err != nil {
		return runtime.Ref{}, domain.NewStageError(domain.StageApply, domain.ErrDeploy, err, "")
	}
	if err := m.applyDeployment(ctx, buildDeployment(req)); err != nil {
		return runtime.Ref{}, domain.NewStageError(domain.StageApply, domain.ErrDeploy, err, "")
	}
	if err := m.applyService(ctx, buildService(req)); err != nil {
		return runtime.Ref{}, domain.NewStageError(domain.StageApply, domain.ErrDeploy, err, "")
	}
	m.logger.Info("bot workload applied", "deployment", req.DeploymentName, "service", req.ServiceName, "namespace", req.Namespace)
	return runtime.RefFor(req), nil
}

// AwaitReady blocks until the Deployment reports an available replica or timeout elapses.
// Applied objects are left in place on failure.
func (m *Manager) AwaitReady(ctx context.Context, ref runtime.Ref, timeout time.Duration) error {
	ns := m.refNamespace(ref)
	deployments := m.client.AppsV1().Deployments(ns)
	var lastReason string
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		dep, err := deployments.Get(ctx, ref.DeploymentName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				lastReason = "deployment not found"
				return false, nil
			}
			return false, err
		}
		if deploymentAvailable(dep) {
			return true, nil
		}
		lastReason = deploymentReason(dep)
		if dep.Spec.Selector == nil {
			return false, nil
		}
		failed, msg, err := m.failedPod(ctx, ns, dep.Spec.Selector.MatchLabels)
		if err != nil {
			return false, err
		}
		if failed {
			return false, fmt.Errorf("bot pod failed: %s", msg)
		}
		return false, nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.NewStageError(domain.StageReadiness, domain.ErrDeploy,
			fmt.Errorf("readiness wait for %s interrupted: %w", ref.DeploymentName, ctxErr), "")
	}
	if wait.Interrupted(err) || errors.Is(err, context.DeadlineExceeded) {
		detail := ""
		if lastReason != "" {
			detail = "last observed: " + lastReason
		}
		return domain.NewStageError(domain.StageReadiness, domain.ErrReadinessTimeout,
			fmt.Errorf("deployment %s not available after %s", ref.DeploymentName, timeout), detail)
	}
	return domain.NewStageError(domain.StageReadiness, domain.ErrDeploy, err, "")
}

// Teardown deletes the Deployment and Service; missing objects are ignored. Service
// names are shared by bots of the same name, so the Service is only deleted while it
// still belongs to the bot being removed.
func (m *Manager) Teardown(ctx context.Context, ref runtime.Ref) error {
	ns := m.refNamespace(ref)
	policy := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}

	var errs []error
	botID := botIDFromDeploymentName(ref.DeploymentName)
	if ref.DeploymentName != "" {
		deployments := m.client.AppsV1().Deployments(ns)
		dep, err := deployments.Get(ctx, ref.DeploymentName, metav1.GetOptions{})
		switch {
		case err == nil:
			if id := dep.Labels[runtime.LabelBotID]; id != "" {
				botID = id
			}
			if err := deployments.Delete(ctx, ref.DeploymentName, opts); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete deployment: %w", err))
			}
		case !apierrors.IsNotFound(err):
			errs = append(errs, fmt.Errorf("get deployment: %w", err))
		}
	}
	if ref.ServiceName != "" {
		if err := m.deleteOwnedService(ctx, ns, ref.ServiceName, botID, opts); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return domain.NewStageError(domain.StageTeardown, domain.ErrDeploy, errors.Join(errs...), "")
	}
	return nil
}

func (m *Manager) deleteOwnedService(ctx context.Context, ns, name, botID string, opts metav1.DeleteOptions) error {
	services := m.client.CoreV1().Services(ns)
	svc, err := services.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("get service: %w", err)
	}
	if owner := svc.Labels[runtime.LabelBotID]; owner != botID {
		m.logger.Warn("service belongs to another bot; leaving it in place", "service", name, "namespace", ns, "owner", owner, "bot_id", botID)
		return nil
	}
	if err := services.Delete(ctx, name, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

func (m *Manager) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := m.client.AppsV1().Deployments(desired.Namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, getErr := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get deployment: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (m *Manager) applyService(ctx context.Context, desired *corev1.Service) error {
	services := m.client.CoreV1().Services(desired.Namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, getErr := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get service: %w", getErr)
	}
	if owner := existing.Labels[runtime.LabelBotID]; owner != desired.Labels[runtime.LabelBotID] {
		return fmt.Errorf("service %s/%s already serves bot %q", desired.Namespace, desired.Name, owner)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

func (m *Manager) failedPod(ctx context.Context, namespace string, selector map[string]string) (bool, string, error) {
	pods, err := m.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return false, "", fmt.Errorf("list bot pods: %w", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodFailed {
			continue
		}
		msg := pod.Status.Message
		if msg == "" {
			msg = containerMessage(pod.Status.ContainerStatuses)
		}
		if msg == "" {
			msg = pod.Status.Reason
		}
		return true, msg, nil
	}
	return false, "", nil
}

func (m *Manager) withNamespace(req runtime.Request) runtime.Request {
	if req.Namespace == "" {
		req.Namespace = m.namespace
	}
	return req
}

func (m *Manager) refNamespace(ref runtime.Ref) string {
	if ref.Namespace != "" {
		return ref.Namespace
	}
	return m.namespace
}

// botIDFromDeploymentName reads the id suffix of "bot-{name}-{id}".
func botIDFromDeploymentName(name string) string {
	idx := strings.LastIndex(name, "-")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	id := name[idx+1:]
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return ""
	}
	return id
}

func checkRequest(req runtime.Request) error {
	if req.DeploymentName == "" || req.ServiceName == "" {
		return fmt.Errorf("%w: deployment and service names required", domain.ErrValidation)
	}
	if req.Image == "" {
		return fmt.Errorf("%w: image required", domain.ErrValidation)
	}
	if req.Port <= 0 {
		return fmt.Errorf("%w: container port required", domain.ErrValidation)
	}
	return nil
}

func deploymentAvailable(dep *appsv1.Deployment) bool {
	if dep.Status.ObservedGeneration < dep.Generation {
		return false
	}
	if dep.Status.AvailableReplicas >= 1 {
		return true
	}
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentAvailable && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func deploymentReason(dep *appsv1.Deployment) string {
	for _, cond := range dep.Status.Conditions {
		if cond.Status != corev1.ConditionTrue && cond.Message != "" {
			return cond.Message
		}
	}
	return fmt.Sprintf("%d/%d replicas available", dep.Status.AvailableReplicas, dep.Status.Replicas)
}

func containerMessage(statuses []corev1.ContainerStatus) string {
	for _, s := range statuses {
		if s.State.Waiting != nil && s.State.Waiting.Message != "" {
			return s.State.Waiting.Message
		}
		if s.State.Terminated != nil && s.State.Terminated.Message != "" {
			return s.State.Terminated.Message
		}
	}
	return ""
}
