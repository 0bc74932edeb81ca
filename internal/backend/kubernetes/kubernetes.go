package kubernetes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/apranova/lms-workspace/internal/backend"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

const (
	codeServerPort = 8080
	projectMount   = "/home/coder/project"
	handleLabel    = "workspace-handle"
	seedMount      = "/seed"

	// codeServerGroup is the group of the coder user in the code-server image.
	codeServerGroup = int64(1000)
)

var errExecUnavailable = errors.New("pod exec requires a REST config")

type Config struct {
	Namespace    string
	Domain       string
	StorageSize  string
	StorageClass string
}

// Backend runs each workspace as a single-replica Deployment with a Service and a retained
// PersistentVolumeClaim. Stopping scales the Deployment to zero.
type Backend struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	cfg        Config
	logger     *slog.Logger

	// pollInterval paces waits for terminating deployments.
	pollInterval time.Duration
}

// New builds a client from the in-cluster config, falling back to kubeconfigPath or $KUBECONFIG.
func New(kubeconfigPath string, cfg Config, logger *slog.Logger) (*Backend, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfigPath == "" {
			kubeconfigPath = os.Getenv("KUBECONFIG")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewWithClientset(clientset, restConfig, cfg, logger), nil
}

// NewWithClientset wraps an existing clientset. restConfig may be nil, in which case tool
// installation is unavailable.
func NewWithClientset(clientset kubernetes.Interface, restConfig *rest.Config, cfg Config, logger *slog.Logger) *Backend {
	if cfg.Namespace == "" {
		cfg.Namespace = "workspaces"
	}
	if cfg.StorageSize == "" {
		cfg.StorageSize = "5Gi"
	}
	return &Backend{clientset: clientset, restConfig: restConfig, cfg: cfg, logger: logger, pollInterval: time.Second}
}

func (b *Backend) Name() string { return "kubernetes" }

// ManagesStorage reports that student files live on claims only the cluster can reach.
func (b *Backend) ManagesStorage() bool { return true }

func (b *Backend) Endpoint(u backend.Unit) string {
	if b.cfg.Domain != "" {
		return fmt.Sprintf("https://%s.%s", u.Handle, b.cfg.Domain)
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", u.Handle, b.cfg.Namespace, codeServerPort)
}

// EnsureImage is a no-op; the kubelet pulls the image when the pod is scheduled.
func (b *Backend) EnsureImage(ctx context.Context, image string) (bool, error) {
	return false, nil
}

func (b *Backend) Create(ctx context.Context, u backend.Unit) error {
	if err := b.ensureClaim(ctx, u); err != nil {
		return err
	}
	if err := b.ensureSeed(ctx, u); err != nil {
		return err
	}

	deployments := b.clientset.AppsV1().Deployments(b.cfg.Namespace)
	deployment := b.deploymentFor(u)
	_, err := deployments.Create(ctx, deployment, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		// A deployment from a previous Destroy may still be terminating.
		existing, getErr := deployments.Get(ctx, u.Handle, metav1.GetOptions{})
		if apierrors.IsNotFound(getErr) || (getErr == nil && existing.DeletionTimestamp != nil) {
			b.logger.Info("waiting for previous workspace deployment to terminate", "handle", u.Handle)
			if err = b.waitDeploymentGone(ctx, u.Handle); err == nil {
				_, err = deployments.Create(ctx, deployment, metav1.CreateOptions{})
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create workspace deployment: %w", err)
	}

	services := b.clientset.CoreV1().Services(b.cfg.Namespace)
	if _, err := services.Create(ctx, b.serviceFor(u), metav1.CreateOptions{}); err != nil {
		if delErr := deployments.Delete(ctx, u.Handle, metav1.DeleteOptions{}); delErr != nil {
			b.logger.Warn("failed to clean up deployment", "handle", u.Handle, "error", delErr)
		}
		return fmt.Errorf("failed to create workspace service: %w", err)
	}

	b.logger.Info("workspace deployment created", "handle", u.Handle, "namespace", b.cfg.Namespace)
	return nil
}

func (b *Backend) Start(ctx context.Context, handle string) error {
	err := b.scale(ctx, handle, 1)
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", backend.ErrUnitNotFound, handle)
	}
	return err
}

func (b *Backend) Stop(ctx context.Context, handle string) error {
	if err := b.scale(ctx, handle, 0); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

// Destroy removes the Service, the seed ConfigMap and the Deployment, returning once the
// Deployment is gone. The claim holding student files is kept.
func (b *Backend) Destroy(ctx context.Context, handle string) error {
	err := b.clientset.CoreV1().Services(b.cfg.Namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		b.logger.Warn("failed to delete workspace service", "handle", handle, "error", err)
	}

	policy := metav1.DeletePropagationForeground
	err = b.clientset.AppsV1().Deployments(b.cfg.Namespace).Delete(ctx, handle, metav1.DeleteOptions{PropagationPolicy: &policy})
	switch {
	case apierrors.IsNotFound(err):
	case err != nil:
		return fmt.Errorf("failed to delete workspace deployment: %w", err)
	default:
		if err := b.waitDeploymentGone(ctx, handle); err != nil {
			return err
		}
	}

	err = b.clientset.CoreV1().ConfigMaps(b.cfg.Namespace).Delete(ctx, seedName(handle), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		b.logger.Warn("failed to delete workspace seed files", "handle", handle, "error", err)
	}
	b.logger.Info("workspace deployment removed", "handle", handle)
	return nil
}

// waitDeploymentGone polls until the named deployment no longer exists or ctx ends.
func (b *Backend) waitDeploymentGone(ctx context.Context, handle string) error {
	deployments := b.clientset.AppsV1().Deployments(b.cfg.Namespace)
	err := wait.PollUntilContextCancel(ctx, b.pollInterval, true, func(ctx context.Context) (bool, error) {
		_, err := deployments.Get(ctx, handle, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			b.logger.Debug("failed to check workspace deployment", "handle", handle, "error", err)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("workspace deployment %s still terminating: %w", handle, err)
	}
	return nil
}

func (b *Backend) IsReady(ctx context.Context, handle string) (bool, error) {
	deployment, err := b.clientset.AppsV1().Deployments(b.cfg.Namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to get workspace deployment: %w", err)
	}
	return deployment.Status.ReadyReplicas >= 1, nil
}

func (b *Backend) InstallTools(ctx context.Context, handle string, command []string) error {
	if len(command) == 0 {
		return nil
	}
	if b.restConfig == nil {
		return errExecUnavailable
	}

	pods, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: handleLabel + "=" + handle,
	})
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return fmt.Errorf("no pod found for %s", handle)
	}

	req := b.clientset.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(pods.Items[0].Name).
		Namespace(b.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "code-server",
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(b.restConfig, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		return fmt.Errorf("tool install failed: %w, stderr: %s", err, stderr.String())
	}
	return nil
}

func (b *Backend) scale(ctx context.Context, handle string, replicas int32) error {
	deployments := b.clientset.AppsV1().Deployments(b.cfg.Namespace)
	deployment, err := deployments.Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if deployment.Spec.Replicas != nil && *deployment.Spec.Replicas == replicas {
		return nil
	}
	deployment.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale workspace deployment: %w", err)
	}
	return nil
}

func (b *Backend) ensureClaim(ctx context.Context, u backend.Unit) error {
	size, err := resource.ParseQuantity(b.cfg.StorageSize)
	if err != nil {
		return fmt.Errorf("invalid storage size %q: %w", b.cfg.StorageSize, err)
	}
	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName(u.Handle),
			Namespace: b.cfg.Namespace,
			Labels:    labelsFor(u),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	if b.cfg.StorageClass != "" {
		claim.Spec.StorageClassName = &b.cfg.StorageClass
	}

	_, err = b.clientset.CoreV1().PersistentVolumeClaims(b.cfg.Namespace).Create(ctx, claim, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create workspace volume claim: %w", err)
	}
	return nil
}

// ensureSeed stores u.Files in a ConfigMap the pod's init container copies into the claim.
func (b *Backend) ensureSeed(ctx context.Context, u backend.Unit) error {
	if len(u.Files) == 0 {
		return nil
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      seedName(u.Handle),
			Namespace: b.cfg.Namespace,
			Labels:    labelsFor(u),
		},
		BinaryData: map[string][]byte{},
	}
	for i, p := range seedPaths(u.Files) {
		cm.BinaryData[seedKey(i)] = u.Files[p]
	}

	configMaps := b.clientset.CoreV1().ConfigMaps(b.cfg.Namespace)
	_, err := configMaps.Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = configMaps.Update(ctx, cm, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("failed to store workspace seed files: %w", err)
	}
	return nil
}

func (b *Backend) deploymentFor(u backend.Unit) *appsv1.Deployment {
	replicas := int32(1)
	labels := labelsFor(u)
	probe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: "/healthz",
				Port: intstr.FromInt(codeServerPort),
			},
		},
		InitialDelaySeconds: 5,
		PeriodSeconds:       5,
	}

	fsGroup := codeServerGroup
	podSpec := corev1.PodSpec{
		SecurityContext: &corev1.PodSecurityContext{FSGroup: &fsGroup},
		Containers: []corev1.Container{{
			Name:            "code-server",
			Image:           u.Image,
			ImagePullPolicy: corev1.PullIfNotPresent,
			Ports: []corev1.ContainerPort{{
				Name:          "http",
				ContainerPort: codeServerPort,
				Protocol:      corev1.ProtocolTCP,
			}},
			Env: envVars(u.Env),
			VolumeMounts: []corev1.VolumeMount{{
				Name:      "project",
				MountPath: projectMount,
			}},
			Resources: corev1.ResourceRequirements{
				Limits: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("1"),
					corev1.ResourceMemory: resource.MustParse("2Gi"),
				},
				Requests: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("250m"),
					corev1.ResourceMemory: resource.MustParse("512Mi"),
				},
			},
			ReadinessProbe: probe,
		}},
		Volumes: []corev1.Volume{{
			Name: "project",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claimName(u.Handle)},
			},
		}},
	}
	if len(u.Files) > 0 {
		addSeed(&podSpec, u)
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      u.Handle,
			Namespace: b.cfg.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{handleLabel: u.Handle}},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

func (b *Backend) serviceFor(u backend.Unit) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      u.Handle,
			Namespace: b.cfg.Namespace,
			Labels:    labelsFor(u),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{handleLabel: u.Handle},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       codeServerPort,
				TargetPort: intstr.FromInt(codeServerPort),
				Protocol:   corev1.ProtocolTCP,
			}},
			Type: corev1.ServiceTypeClusterIP,
		},
	}
}

func labelsFor(u backend.Unit) map[string]string {
	return map[string]string{
		"app":       "lms-workspace",
		handleLabel: u.Handle,
		"student":   u.StudentID,
	}
}

func claimName(handle string) string {
	return handle + "-data"
}

func seedName(handle string) string {
	return handle + "-seed"
}

func seedKey(i int) string {
	return fmt.Sprintf("file-%d", i)
}

func seedPaths(files map[string][]byte) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// addSeed mounts the seed ConfigMap into an init container that copies each file into the
// project claim before code-server starts. Existing files are overwritten.
func addSeed(spec *corev1.PodSpec, u backend.Unit) {
	var items []corev1.KeyToPath
	var script []string
	for i, p := range seedPaths(u.Files) {
		items = append(items, corev1.KeyToPath{Key: seedKey(i), Path: seedKey(i)})
		target := path.Join(projectMount, path.Clean("/"+p))
		script = append(script, fmt.Sprintf("mkdir -p %s && cp %s %s",
			shellQuote(path.Dir(target)), shellQuote(path.Join(seedMount, seedKey(i))), shellQuote(target)))
	}

	spec.Volumes = append(spec.Volumes, corev1.Volume{
		Name: "seed",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: seedName(u.Handle)},
				Items:                items,
			},
		},
	})
	spec.InitContainers = append(spec.InitContainers, corev1.Container{
		Name:            "seed-files",
		Image:           u.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"sh", "-c", strings.Join(script, " && ")},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "project", MountPath: projectMount},
			{Name: "seed", MountPath: seedMount, ReadOnly: true},
		},
	})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func envVars(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}
