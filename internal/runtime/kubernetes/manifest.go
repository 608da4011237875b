package kubernetes

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/helGmoro/tardiaplataforma-code/internal/runtime"
)

func buildDeployment(req runtime.Request) *appsv1.Deployment {
	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.DeploymentName,
			Namespace: req.Namespace,
			Labels:    req.Labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             ptr.To[int32](1),
			RevisionHistoryLimit: ptr.To[int32](1),
			Selector:             &metav1.LabelSelector{MatchLabels: req.Labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: req.Labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{buildContainer(req)},
				},
			},
		},
	}
}

func buildContainer(req runtime.Request) corev1.Container {
	env := make([]corev1.EnvVar, 0, len(req.Env))
	for _, kv := range req.Env {
		env = append(env, corev1.EnvVar{Name: kv.Name, Value: kv.Value})
	}
	return corev1.Container{
		Name:            req.Name,
		Image:           req.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Ports: []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: int32(req.Port),
			Protocol:      corev1.ProtocolTCP,
		}},
		Env: env,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceMemory: resource.MustParse(req.Resources.RequestMemory),
				corev1.ResourceCPU:    resource.MustParse(req.Resources.RequestCPU),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: resource.MustParse(req.Resources.LimitMemory),
				corev1.ResourceCPU:    resource.MustParse(req.Resources.LimitCPU),
			},
		},
		LivenessProbe:  httpProbe(req.Liveness, req.Port),
		ReadinessProbe: httpProbe(req.Readiness, req.Port),
	}
}

func httpProbe(p runtime.Probe, port int) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: p.Path,
				Port: intstr.FromInt32(int32(port)),
			},
		},
		InitialDelaySeconds: int32(p.InitialDelay.Seconds()),
		PeriodSeconds:       int32(p.Period.Seconds()),
	}
}

func buildService(req runtime.Request) *corev1.Service {
	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.ServiceName,
			Namespace: req.Namespace,
			Labels:    req.Labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: req.Labels,
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(req.ServicePort),
				TargetPort: intstr.FromInt32(int32(req.Port)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// RenderManifest renders the Deployment and Service for req as a two-document YAML stream.
func (m *Manager) RenderManifest(req runtime.Request) ([]byte, error) {
	req = m.withNamespace(req)
	var out bytes.Buffer
	for i, obj := range []any{buildDeployment(req), buildService(req)} {
		doc, err := toYAML(obj)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			out.WriteString("---\n")
		}
		out.Write(doc)
	}
	return out.Bytes(), nil
}

// toYAML goes through JSON so the API types' json tags and omitempty rules apply.
func toYAML(obj any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	delete(generic, "status")
	if meta, ok := generic["metadata"].(map[string]any); ok {
		delete(meta, "creationTimestamp")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
